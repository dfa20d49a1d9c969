package correlation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/driftlight/overlay-server/internal/breaker"
	"github.com/driftlight/overlay-server/internal/bus"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/retry"
	"github.com/driftlight/overlay-server/internal/store"
)

func TestScoreDirectQuote(t *testing.T) {
	chat := bus.ChatMessage{Text: "obvious mistake there lol"}
	pattern, confidence := Score("obvious mistake there", chat, 4500)

	if pattern != store.PatternDirectQuote {
		t.Fatalf("pattern = %s, want direct_quote", pattern)
	}
	// 0.9 * (1 - ((4500-3000)/4000)*0.2) = 0.9 * 0.925
	if math.Abs(confidence-0.8325) > 1e-9 {
		t.Errorf("confidence = %v, want 0.8325", confidence)
	}
}

func TestClassifyPatterns(t *testing.T) {
	tests := []struct {
		name          string
		transcription string
		chat          bus.ChatMessage
		wantPattern   string
	}{
		{
			name:          "direct quote",
			transcription: "that was close",
			chat:          bus.ChatMessage{Text: "THAT WAS CLOSE indeed"},
			wantPattern:   store.PatternDirectQuote,
		},
		{
			name:          "short transcription cannot be quoted",
			transcription: "hi",
			chat:          bus.ChatMessage{Text: "hi"},
			wantPattern:   store.PatternTemporalOnly,
		},
		{
			name:          "keyword echo on two shared tokens",
			transcription: "trying the fire gym rematch",
			chat:          bus.ChatMessage{Text: "gym rematch again?"},
			wantPattern:   store.PatternKeywordEcho,
		},
		{
			name:          "keyword echo on ratio",
			transcription: "huge shiny encounter right now",
			chat:          bus.ChatMessage{Text: "shiny"},
			wantPattern:   store.PatternKeywordEcho,
		},
		{
			name:          "emote reaction via emote list",
			transcription: "let me try this strategy",
			chat:          bus.ChatMessage{Text: "good luck", Emotes: []string{"PogChamp"}},
			wantPattern:   store.PatternEmoteReaction,
		},
		{
			name:          "emote reaction via reaction word",
			transcription: "let me try this strategy",
			chat:          bus.ChatMessage{Text: "omegalul"},
			wantPattern:   store.PatternEmoteReaction,
		},
		{
			name:          "stopwords never overlap",
			transcription: "the and but for",
			chat:          bus.ChatMessage{Text: "for but and the"},
			wantPattern:   store.PatternTemporalOnly,
		},
		{
			// The quote guard measures characters, not tokens: any
			// transcription longer than five characters that chat repeats
			// verbatim is a quote.
			name:          "quote guard counts characters",
			transcription: "the and",
			chat:          bus.ChatMessage{Text: "yeah the and then what"},
			wantPattern:   store.PatternDirectQuote,
		},
		{
			name:          "unrelated is temporal only",
			transcription: "checking the build pipeline",
			chat:          bus.ChatMessage{Text: "anyone seen my keys"},
			wantPattern:   store.PatternTemporalOnly,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern, _ := classify(tt.transcription, tt.chat)
			if pattern != tt.wantPattern {
				t.Errorf("classify() = %s, want %s", pattern, tt.wantPattern)
			}
		})
	}
}

func TestTimeFactorRange(t *testing.T) {
	if got := timeFactor(3000); got != 1.0 {
		t.Errorf("timeFactor(3000) = %v, want 1.0", got)
	}
	if got := timeFactor(7000); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("timeFactor(7000) = %v, want 0.8", got)
	}
	if got := timeFactor(5000); math.Abs(got-0.9) > 1e-9 {
		t.Errorf("timeFactor(5000) = %v, want 0.9", got)
	}
}

func newTestEngine(t *testing.T) (*Engine, *bus.Bus, *store.MemoryCorrelationStore) {
	t.Helper()
	events := bus.New(logger.Discard())
	st := store.NewMemoryCorrelationStore()
	e := New(events, st, breaker.NewRegistry(logger.Discard()), logger.Discard(), Options{
		Retry: retry.Options{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start = %v", err)
	}
	t.Cleanup(e.Stop)
	return e, events, st
}

func waitTranscriptions(t *testing.T, e *Engine, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.transcriptions.Size() < want {
		if time.Now().After(deadline) {
			t.Fatalf("transcription buffer never reached %d", want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func recvInsight(t *testing.T, sub *bus.Subscription) store.Correlation {
	t.Helper()
	select {
	case env := <-sub.C:
		c, ok := env.Payload.(store.Correlation)
		if !ok {
			t.Fatalf("insight payload = %T", env.Payload)
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no insight published")
		return store.Correlation{}
	}
}

func TestEngineEmitsDirectQuote(t *testing.T) {
	e, events, st := newTestEngine(t)
	insights := events.Subscribe(bus.TopicCorrelationInsights)
	defer insights.Cancel()

	base := time.Now()
	events.Publish(bus.TopicTranscription, bus.TypeTranscriptionSnippet, bus.TranscriptionSnippet{
		ID: "t1", Text: "obvious mistake there", Timestamp: base,
	})
	waitTranscriptions(t, e, 1)

	events.Publish(bus.TopicEvents, bus.TypeChatMessage, bus.ChatMessage{
		MessageID: "c1", UserName: "u", Text: "obvious mistake there lol",
		Timestamp: base.Add(4500 * time.Millisecond),
	})

	c := recvInsight(t, insights)
	if c.Pattern != store.PatternDirectQuote {
		t.Errorf("pattern = %s, want direct_quote", c.Pattern)
	}
	if math.Abs(c.Confidence-0.8325) > 1e-9 {
		t.Errorf("confidence = %v, want 0.8325", c.Confidence)
	}
	if c.TimeOffsetMS != 4500 {
		t.Errorf("offset = %d, want 4500", c.TimeOffsetMS)
	}
	if c.TranscriptionID != "t1" || c.ChatMessageID != "c1" {
		t.Errorf("ids = %s/%s", c.TranscriptionID, c.ChatMessageID)
	}

	// The async write lands in the store.
	deadline := time.Now().Add(2 * time.Second)
	for len(st.Correlations()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("correlation never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineTieBreakPrefersSweetSpot(t *testing.T) {
	e, events, _ := newTestEngine(t)
	insights := events.Subscribe(bus.TopicCorrelationInsights)
	defer insights.Cancel()

	base := time.Now()
	// Same text; the nearer snippet scores higher through the time factor.
	events.Publish(bus.TopicTranscription, bus.TypeTranscriptionSnippet, bus.TranscriptionSnippet{
		ID: "far", Text: "critical hit landed", Timestamp: base,
	})
	events.Publish(bus.TopicTranscription, bus.TypeTranscriptionSnippet, bus.TranscriptionSnippet{
		ID: "near", Text: "critical hit landed", Timestamp: base.Add(1400 * time.Millisecond),
	})
	waitTranscriptions(t, e, 2)

	events.Publish(bus.TopicEvents, bus.TypeChatMessage, bus.ChatMessage{
		MessageID: "c1", UserName: "u", Text: "critical hit landed wow",
		Timestamp: base.Add(6200 * time.Millisecond),
	})

	c := recvInsight(t, insights)
	if c.TranscriptionID != "near" {
		t.Errorf("picked %s, want near (offset closest to 5000ms)", c.TranscriptionID)
	}
}

func TestBetterThanTieBreak(t *testing.T) {
	best := store.Correlation{Confidence: 0.7, TimeOffsetMS: 6400}

	if !betterThan(0.8, 6400, best) {
		t.Error("higher confidence must win")
	}
	if betterThan(0.6, 5000, best) {
		t.Error("lower confidence must lose regardless of offset")
	}
	if !betterThan(0.7, 4800, best) {
		t.Error("equal confidence: offset closer to 5000 must win")
	}
	if betterThan(0.7, 3400, best) {
		t.Error("equal confidence: offset farther from 5000 must lose")
	}
}

func TestEngineDedupsByFingerprint(t *testing.T) {
	e, events, _ := newTestEngine(t)
	insights := events.Subscribe(bus.TopicCorrelationInsights)
	defer insights.Cancel()

	base := time.Now()
	events.Publish(bus.TopicTranscription, bus.TypeTranscriptionSnippet, bus.TranscriptionSnippet{
		ID: "t1", Text: "what a comeback", Timestamp: base,
	})
	waitTranscriptions(t, e, 1)

	chat := bus.ChatMessage{
		MessageID: "c1", UserName: "u", Text: "what a comeback lol",
		Timestamp: base.Add(5 * time.Second),
	}
	events.Publish(bus.TopicEvents, bus.TypeChatMessage, chat)
	events.Publish(bus.TopicEvents, bus.TypeChatMessage, chat)
	events.Publish(bus.TopicEvents, bus.TypeChatMessage, bus.ChatMessage{
		MessageID: "c2", UserName: "u", Text: "what a comeback lol",
		Timestamp: base.Add(5100 * time.Millisecond),
	})

	first := recvInsight(t, insights)
	second := recvInsight(t, insights)
	if first.ChatMessageID != "c1" || second.ChatMessageID != "c2" {
		t.Errorf("insights = %s, %s; duplicate c1 should have been deduped",
			first.ChatMessageID, second.ChatMessageID)
	}
}

func TestEngineIgnoresOutOfWindowSnippets(t *testing.T) {
	e, events, _ := newTestEngine(t)
	insights := events.Subscribe(bus.TopicCorrelationInsights)
	defer insights.Cancel()

	base := time.Now()
	// 2s before the chat: inside the buffer, outside [3000,7000].
	events.Publish(bus.TopicTranscription, bus.TypeTranscriptionSnippet, bus.TranscriptionSnippet{
		ID: "t1", Text: "spoken right before chat", Timestamp: base,
	})
	waitTranscriptions(t, e, 1)

	events.Publish(bus.TopicEvents, bus.TypeChatMessage, bus.ChatMessage{
		MessageID: "c1", UserName: "u", Text: "spoken right before chat yes",
		Timestamp: base.Add(2 * time.Second),
	})

	select {
	case env := <-insights.C:
		t.Fatalf("unexpected insight: %+v", env.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestEngineSessionLifecycle(t *testing.T) {
	e, events, st := newTestEngine(t)

	events.Publish(bus.TopicEvents, bus.TypeStreamStarted, nil)

	var sessionID string
	deadline := time.Now().Add(2 * time.Second)
	for {
		sessionID = e.Health().Details["session_id"]
		if sessionID != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	base := time.Now()
	events.Publish(bus.TopicTranscription, bus.TypeTranscriptionSnippet, bus.TranscriptionSnippet{
		ID: "t1", Text: "session bound speech", Timestamp: base,
	})
	waitTranscriptions(t, e, 1)
	events.Publish(bus.TopicEvents, bus.TypeChatMessage, bus.ChatMessage{
		MessageID: "c1", UserName: "u", Text: "session bound speech kek",
		Timestamp: base.Add(4 * time.Second),
	})

	deadline = time.Now().Add(2 * time.Second)
	for {
		saved := st.Correlations()
		if len(saved) > 0 {
			if saved[0].SessionID != sessionID {
				t.Errorf("session_id = %q, want %q", saved[0].SessionID, sessionID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("correlation never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events.Publish(bus.TopicEvents, bus.TypeStreamStopped, nil)
	deadline = time.Now().Add(2 * time.Second)
	for e.Health().Details["session_id"] != "" {
		if time.Now().After(deadline) {
			t.Fatal("session never ended")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionStartFailureDegrades(t *testing.T) {
	events := bus.New(logger.Discard())
	st := &failingSessionStore{inner: store.NewMemoryCorrelationStore()}
	e := New(events, st, breaker.NewRegistry(logger.Discard()), logger.Discard(), Options{
		Retry: retry.Options{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start = %v", err)
	}
	t.Cleanup(e.Stop)

	events.Publish(bus.TopicEvents, bus.TypeStreamStarted, nil)

	deadline := time.Now().Add(2 * time.Second)
	for e.Status() != "degraded" {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want degraded", e.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Correlations still flow, just without a session.
	insights := events.Subscribe(bus.TopicCorrelationInsights)
	defer insights.Cancel()

	base := time.Now()
	events.Publish(bus.TopicTranscription, bus.TypeTranscriptionSnippet, bus.TranscriptionSnippet{
		ID: "t1", Text: "degraded but alive", Timestamp: base,
	})
	waitTranscriptions(t, e, 1)
	events.Publish(bus.TopicEvents, bus.TypeChatMessage, bus.ChatMessage{
		MessageID: "c1", UserName: "u", Text: "degraded but alive bruh",
		Timestamp: base.Add(4 * time.Second),
	})

	c := recvInsight(t, insights)
	if c.SessionID != "" {
		t.Errorf("session_id = %q, want empty", c.SessionID)
	}
}

type failingSessionStore struct {
	inner *store.MemoryCorrelationStore
}

func (s *failingSessionStore) StartSession(ctx context.Context) (string, error) {
	return "", context.DeadlineExceeded
}

func (s *failingSessionStore) EndSession(ctx context.Context, sessionID string) error {
	return s.inner.EndSession(ctx, sessionID)
}

func (s *failingSessionStore) Save(ctx context.Context, c store.Correlation) error {
	return s.inner.Save(ctx, c)
}
