// Package correlation matches live-transcription snippets against chat
// messages that arrive a few seconds later, scoring match patterns and
// publishing high-confidence insights.
package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlight/overlay-server/internal/breaker"
	"github.com/driftlight/overlay-server/internal/bus"
	"github.com/driftlight/overlay-server/internal/idpool"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/metrics"
	"github.com/driftlight/overlay-server/internal/retry"
	"github.com/driftlight/overlay-server/internal/service"
	"github.com/driftlight/overlay-server/internal/store"
	"github.com/driftlight/overlay-server/internal/window"
)

const (
	minConfidence = 0.4

	// Preferred chat lag: ties between equal-confidence candidates go to
	// the one closest to this offset.
	sweetSpotMS = 5000

	breakerService = "correlation_store"
)

// Options tune windows, delays, and retention.
type Options struct {
	TranscriptionWindow  time.Duration
	ChatWindow           time.Duration
	BufferSize           int
	DelayMin             time.Duration
	DelayMax             time.Duration
	FingerprintRetention time.Duration
	MaxActive            int
	Retry                retry.Options
	Clock                func() time.Time
	// WriteQueue bounds the async store-write backlog.
	WriteQueue int
}

func (o Options) normalized() Options {
	if o.TranscriptionWindow <= 0 {
		o.TranscriptionWindow = 30 * time.Second
	}
	if o.ChatWindow <= 0 {
		o.ChatWindow = 30 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.DelayMin <= 0 {
		o.DelayMin = 3 * time.Second
	}
	if o.DelayMax <= 0 {
		o.DelayMax = 7 * time.Second
	}
	if o.FingerprintRetention <= 0 {
		o.FingerprintRetention = 5 * time.Minute
	}
	if o.MaxActive <= 0 {
		o.MaxActive = 50
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = 128
	}
	return o
}

// Engine is the speech-to-chat correlation actor.
type Engine struct {
	events *bus.Bus
	store  store.CorrelationStore
	brk    *breaker.Breaker
	opts   Options
	logger *logger.Logger

	transcriptions *window.Buffer[bus.TranscriptionSnippet]
	chats          *window.Buffer[bus.ChatMessage]

	mu           sync.Mutex
	fingerprints map[string]time.Time
	active       []store.Correlation
	sessionID    string
	status       service.Status
	startedAt    time.Time

	writes chan store.Correlation
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine wired to the bus and the correlation store.
func New(events *bus.Bus, st store.CorrelationStore, breakers *breaker.Registry, log *logger.Logger, opts Options) *Engine {
	opts = opts.normalized()
	return &Engine{
		events:         events,
		store:          st,
		brk:            breakers.Get(breakerService),
		opts:           opts,
		logger:         log.WithComponent("correlation"),
		transcriptions: window.New[bus.TranscriptionSnippet](opts.TranscriptionWindow, opts.BufferSize),
		chats:          window.New[bus.ChatMessage](opts.ChatWindow, opts.BufferSize),
		fingerprints:   make(map[string]time.Time),
		status:         service.StatusStarting,
		writes:         make(chan store.Correlation, opts.WriteQueue),
	}
}

// Start subscribes to the transcription and chat topics and begins the
// per-second prune schedule.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = e.opts.Clock()

	e.mu.Lock()
	e.status = service.StatusRunning
	e.mu.Unlock()

	transcriptionSub := e.events.Subscribe(bus.TopicTranscription)
	chatSub := e.events.Subscribe(bus.TopicEvents)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		defer transcriptionSub.Cancel()
		defer chatSub.Cancel()
		e.run(runCtx, transcriptionSub, chatSub)
	}()
	go func() {
		defer e.wg.Done()
		e.pruneLoop(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.writeLoop(runCtx)
	}()

	e.logger.Info("correlation engine started",
		slog.Duration("delay_min", e.opts.DelayMin),
		slog.Duration("delay_max", e.opts.DelayMax))
	return nil
}

// Stop halts the loops and drains nothing: queued writes are abandoned.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.status = service.StatusStopped
	e.mu.Unlock()
}

func (e *Engine) Status() service.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Health() service.Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return service.Health{
		Healthy: e.status == service.StatusRunning,
		Details: map[string]string{"session_id": e.sessionID},
	}
}

func (e *Engine) Info() service.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return service.Info{
		Name:      "correlation",
		StartedAt: e.startedAt,
		Extra: map[string]interface{}{
			"active_correlations": len(e.active),
			"session_id":          e.sessionID,
		},
	}
}

// ActiveCorrelations returns a copy of the recent-correlation list, newest
// last.
func (e *Engine) ActiveCorrelations() []store.Correlation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Correlation, len(e.active))
	copy(out, e.active)
	return out
}

func (e *Engine) run(ctx context.Context, transcriptionSub, chatSub *bus.Subscription) {
	for {
		select {
		case env := <-transcriptionSub.C:
			e.handleTranscription(env)
		case env := <-chatSub.C:
			e.handleEvent(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleTranscription(env bus.Envelope) {
	snippet, ok := env.Payload.(bus.TranscriptionSnippet)
	if !ok {
		e.logger.Warn("discarding malformed transcription payload",
			slog.String("type", env.Type))
		return
	}
	ts := snippet.Timestamp
	if ts.IsZero() {
		ts = env.Timestamp
	}
	e.transcriptions.Add(snippet, ts)
}

func (e *Engine) handleEvent(ctx context.Context, env bus.Envelope) {
	switch env.Type {
	case bus.TypeStreamStarted:
		e.startSession(ctx)
	case bus.TypeStreamStopped:
		e.endSession(ctx)
	case bus.TypeChatMessage:
		msg, ok := chatFromEnvelope(env)
		if !ok {
			e.logger.Warn("discarding malformed chat payload",
				slog.String("type", env.Type))
			return
		}
		e.handleChat(msg)
	}
}

// chatFromEnvelope accepts both the canonical payload and the Twitch-style
// envelope carried on the events topic.
func chatFromEnvelope(env bus.Envelope) (bus.ChatMessage, bool) {
	switch payload := env.Payload.(type) {
	case bus.ChatMessage:
		if payload.Timestamp.IsZero() {
			payload.Timestamp = env.Timestamp
		}
		return payload, true
	case bus.TwitchEvent:
		return payload.ChatMessage(env.Timestamp)
	default:
		return bus.ChatMessage{}, false
	}
}

func (e *Engine) handleChat(msg bus.ChatMessage) {
	now := msg.Timestamp
	if now.IsZero() {
		now = e.opts.Clock()
	}
	e.chats.Add(msg, now)

	// Snippets spoken between delay_max and delay_min ago are candidates.
	candidates := e.transcriptions.RangeEntries(now.Add(-e.opts.DelayMax), now.Add(-e.opts.DelayMin))
	if len(candidates) == 0 {
		return
	}

	best, found := e.pickBest(msg, now, candidates)
	if !found {
		return
	}

	if e.isDuplicate(best) {
		metrics.CorrelationsDeduped.Inc()
		return
	}
	e.emit(best)
}

func (e *Engine) pickBest(msg bus.ChatMessage, now time.Time, candidates []window.Entry[bus.TranscriptionSnippet]) (store.Correlation, bool) {
	var best store.Correlation
	found := false
	for _, cand := range candidates {
		offsetMS := now.Sub(cand.Timestamp).Milliseconds()
		pattern, confidence := Score(cand.Value.Text, msg, offsetMS)
		if confidence <= minConfidence {
			continue
		}
		if found && !betterThan(confidence, offsetMS, best) {
			continue
		}
		best = store.Correlation{
			ID:                idpool.Generate(),
			TranscriptionID:   cand.Value.ID,
			TranscriptionText: cand.Value.Text,
			ChatMessageID:     msg.MessageID,
			ChatUser:          msg.UserName,
			ChatText:          msg.Text,
			Pattern:           pattern,
			Confidence:        confidence,
			TimeOffsetMS:      offsetMS,
			Timestamp:         now,
		}
		found = true
	}
	if found {
		e.mu.Lock()
		best.SessionID = e.sessionID
		e.mu.Unlock()
	}
	return best, found
}

// betterThan prefers higher confidence, then proximity to the sweet spot.
func betterThan(confidence float64, offsetMS int64, best store.Correlation) bool {
	if confidence != best.Confidence {
		return confidence > best.Confidence
	}
	return abs64(offsetMS-sweetSpotMS) < abs64(best.TimeOffsetMS-sweetSpotMS)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (e *Engine) isDuplicate(c store.Correlation) bool {
	now := e.opts.Clock()

	e.mu.Lock()
	defer e.mu.Unlock()

	fp := c.Fingerprint()
	if seen, ok := e.fingerprints[fp]; ok && now.Sub(seen) < e.opts.FingerprintRetention {
		return true
	}
	e.fingerprints[fp] = now
	return false
}

func (e *Engine) emit(c store.Correlation) {
	e.mu.Lock()
	e.active = append(e.active, c)
	if over := len(e.active) - e.opts.MaxActive; over > 0 {
		e.active = append([]store.Correlation(nil), e.active[over:]...)
	}
	e.mu.Unlock()

	metrics.CorrelationsTotal.WithLabelValues(c.Pattern).Inc()
	e.logger.Info("correlation found",
		slog.String("pattern", c.Pattern),
		slog.Float64("confidence", c.Confidence),
		slog.Int64("offset_ms", c.TimeOffsetMS),
		slog.String("correlation_id", c.ID))

	e.events.PublishEnvelope(bus.Envelope{
		Topic:         bus.TopicCorrelationInsights,
		Type:          bus.TypeNewCorrelation,
		Payload:       c,
		Timestamp:     c.Timestamp,
		CorrelationID: c.ID,
	})

	// Persistence stays off the hot path.
	select {
	case e.writes <- c:
	default:
		e.logger.Warn("write queue full, dropping correlation persist",
			slog.String("correlation_id", c.ID))
	}
}

func (e *Engine) writeLoop(ctx context.Context) {
	for {
		select {
		case c := <-e.writes:
			err := e.brk.Execute(func() error {
				return retry.Run(ctx, e.opts.Retry, func() error {
					return e.store.Save(ctx, c)
				})
			})
			if err != nil {
				e.logger.LogError(ctx, err, "persist correlation failed",
					slog.String("correlation_id", c.ID))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := e.opts.Clock()
			e.transcriptions.Prune(now)
			e.chats.Prune(now)
			e.pruneFingerprints(now)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) pruneFingerprints(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for fp, seen := range e.fingerprints {
		if now.Sub(seen) >= e.opts.FingerprintRetention {
			delete(e.fingerprints, fp)
		}
	}
}

// startSession begins a persistence session; buffers and dedup state reset
// so a new stream starts clean. A failed start degrades to sessionless
// correlations instead of blocking the stream.
func (e *Engine) startSession(ctx context.Context) {
	e.transcriptions.Reset()
	e.chats.Reset()

	e.mu.Lock()
	e.fingerprints = make(map[string]time.Time)
	e.active = nil
	e.mu.Unlock()

	var sessionID string
	err := e.brk.Execute(func() error {
		return retry.Run(ctx, e.opts.Retry, func() error {
			id, err := e.store.StartSession(ctx)
			if err != nil {
				return err
			}
			sessionID = id
			return nil
		})
	})
	if err != nil {
		e.logger.LogError(ctx, err, "start session failed")
		e.mu.Lock()
		e.sessionID = ""
		e.status = service.StatusDegraded
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.sessionID = sessionID
	e.status = service.StatusRunning
	e.mu.Unlock()
	e.logger.Info("correlation session started", slog.String("session_id", sessionID))
}

func (e *Engine) endSession(ctx context.Context) {
	e.mu.Lock()
	sessionID := e.sessionID
	e.sessionID = ""
	e.mu.Unlock()

	if sessionID == "" {
		return
	}
	err := e.brk.Execute(func() error {
		return retry.Run(ctx, e.opts.Retry, func() error {
			return e.store.EndSession(ctx, sessionID)
		})
	})
	if err != nil {
		e.logger.LogError(ctx, err, "end session failed", slog.String("session_id", sessionID))
	}
	e.logger.Info("correlation session ended", slog.String("session_id", sessionID))
}
