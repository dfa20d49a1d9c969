package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/driftlight/overlay-server/internal/logger"
)

func drain(t *testing.T, sub *Subscription, want int) []Envelope {
	t.Helper()
	got := make([]Envelope, 0, want)
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case env := <-sub.C:
			got = append(got, env)
		case <-timeout:
			t.Fatalf("timed out after %d/%d envelopes", len(got), want)
		}
	}
	return got
}

func TestPublishFanOut(t *testing.T) {
	b := New(logger.Discard())

	sub1 := b.Subscribe("chat")
	sub2 := b.Subscribe("chat")
	other := b.Subscribe("followers")

	b.Publish("chat", TypeChatMessage, ChatMessage{User: "ana", Text: "hello"})

	for _, sub := range []*Subscription{sub1, sub2} {
		env := drain(t, sub, 1)[0]
		if env.Type != TypeChatMessage {
			t.Errorf("type = %q, want %q", env.Type, TypeChatMessage)
		}
		msg, ok := env.Payload.(ChatMessage)
		if !ok || msg.User != "ana" {
			t.Errorf("payload = %#v", env.Payload)
		}
		if env.CorrelationID == "" {
			t.Error("envelope missing correlation id")
		}
		if env.Timestamp.IsZero() {
			t.Error("envelope missing timestamp")
		}
	}

	select {
	case env := <-other.C:
		t.Errorf("followers subscriber received %v", env)
	default:
	}
}

func TestPublishOrderPerTopic(t *testing.T) {
	b := New(logger.Discard(), WithMailboxSize(128))
	sub := b.Subscribe("chat")

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish("chat", TypeChatMessage, i)
	}

	got := drain(t, sub, n)
	for i, env := range got {
		if env.Payload.(int) != i {
			t.Fatalf("envelope %d carries payload %v", i, env.Payload)
		}
	}
}

func TestSlowSubscriberDoesNotStallPublisher(t *testing.T) {
	b := New(logger.Discard(), WithMailboxSize(2))
	sub := b.Subscribe("chat")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.Publish("chat", TypeChatMessage, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// The first two envelopes fit the mailbox; later ones were dropped.
	got := drain(t, sub, 2)
	if got[0].Payload.(int) != 0 || got[1].Payload.(int) != 1 {
		t.Errorf("mailbox contents = %v, %v", got[0].Payload, got[1].Payload)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New(logger.Discard())
	sub := b.Subscribe("chat")

	sub.Cancel()
	sub.Cancel()

	if n := b.SubscriberCount("chat"); n != 0 {
		t.Errorf("subscriber count after cancel = %d", n)
	}

	// Publishing after cancel must not deliver.
	b.Publish("chat", TypeChatMessage, "late")
	select {
	case env := <-sub.C:
		t.Errorf("cancelled subscriber received %v", env)
	default:
	}
}

func TestPublishEnvelopeKeepsExistingStamps(t *testing.T) {
	b := New(logger.Discard(), WithIDSource(func() string { return "generated" }))
	sub := b.Subscribe("events")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.PublishEnvelope(Envelope{
		Topic:         "events",
		Type:          TypeChatMessage,
		CorrelationID: "abc123",
		Timestamp:     at,
	})
	b.PublishEnvelope(Envelope{Topic: "events", Type: TypeChatMessage})

	got := drain(t, sub, 2)
	if got[0].CorrelationID != "abc123" || !got[0].Timestamp.Equal(at) {
		t.Errorf("first envelope restamped: %+v", got[0])
	}
	if got[1].CorrelationID != "generated" {
		t.Errorf("second envelope id = %q", got[1].CorrelationID)
	}
}

func TestTwitchEnvelopeNormalization(t *testing.T) {
	at := time.Now()
	tests := []struct {
		event  TwitchEvent
		wantOK bool
		want   ChatMessage
	}{
		{
			event: TwitchEvent{
				Type: TypeChatMessage,
				Data: TwitchEventData{
					MessageID:       "m1",
					ChatterUserName: "bob",
					Message:         TwitchEventMessage{Text: "hi Kappa", Emotes: []string{"Kappa"}},
				},
			},
			wantOK: true,
			want: ChatMessage{
				MessageID: "m1", User: "bob", UserName: "bob",
				Text: "hi Kappa", Emotes: []string{"Kappa"}, Timestamp: at,
			},
		},
		{
			event:  TwitchEvent{Type: TypeChannelFollow},
			wantOK: false,
		},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			got, ok := tt.event.ChatMessage(at)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.MessageID != tt.want.MessageID || got.User != tt.want.User || got.Text != tt.want.Text {
				t.Errorf("normalized = %+v, want %+v", got, tt.want)
			}
		})
	}
}
