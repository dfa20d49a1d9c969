// Package bridge mirrors the engine's outbound topics onto NATS so overlay
// frontends and other instances can consume them without attaching to the
// in-process bus.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlight/overlay-server/internal/bus"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/service"
	"github.com/nats-io/nats.go"
)

// NATS subjects mirroring the internal topics.
const (
	SubjectStreamUpdates       = "overlay.stream.updates"
	SubjectCorrelationInsights = "overlay.correlation.insights"
)

// Connect dials NATS with the reconnect posture suited to a single always-on
// process. An empty URL disables the bridge.
func Connect(url, instanceID string, log *logger.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	return nats.Connect(url,
		nats.Name("overlay-server-"+instanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
}

// Bridge forwards bus envelopes to NATS subjects.
type Bridge struct {
	nc     *nats.Conn
	events *bus.Bus
	logger *logger.Logger

	mu        sync.Mutex
	status    service.Status
	startedAt time.Time
	forwarded uint64

	subs   []*bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the bridge. Returns nil when nc is nil, so callers can treat
// a NATS-less deployment as a disabled bridge.
func New(nc *nats.Conn, events *bus.Bus, log *logger.Logger) *Bridge {
	if nc == nil {
		return nil
	}
	return &Bridge{
		nc:     nc,
		events: events,
		logger: log.WithComponent("bridge"),
		status: service.StatusStarting,
	}
}

// Start attaches to the mirrored topics.
func (b *Bridge) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.mu.Lock()
	b.status = service.StatusRunning
	b.startedAt = time.Now()
	b.mu.Unlock()

	mirrors := map[string]string{
		bus.TopicStreamUpdates:       SubjectStreamUpdates,
		bus.TopicCorrelationInsights: SubjectCorrelationInsights,
	}
	for topic, subject := range mirrors {
		sub := b.events.Subscribe(topic)
		b.subs = append(b.subs, sub)

		b.wg.Add(1)
		go func(sub *bus.Subscription, subject string) {
			defer b.wg.Done()
			b.forward(runCtx, sub, subject)
		}(sub, subject)
	}

	b.logger.Info("nats bridge started", slog.Int("topics", len(mirrors)))
	return nil
}

// Stop detaches from the bus and drains the NATS connection.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	for _, sub := range b.subs {
		sub.Cancel()
	}
	b.wg.Wait()

	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("nats drain failed", slog.Any("error", err))
	}

	b.mu.Lock()
	b.status = service.StatusStopped
	b.mu.Unlock()
}

func (b *Bridge) Status() service.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bridge) Health() service.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return service.Health{
		Healthy: b.status == service.StatusRunning && b.nc.IsConnected(),
		Details: map[string]string{"nats": b.nc.Status().String()},
	}
}

func (b *Bridge) Info() service.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return service.Info{
		Name:      "bridge",
		StartedAt: b.startedAt,
		Extra:     map[string]interface{}{"forwarded": b.forwarded},
	}
}

func (b *Bridge) forward(ctx context.Context, sub *bus.Subscription, subject string) {
	for {
		select {
		case env := <-sub.C:
			if err := b.publish(subject, env); err != nil {
				b.logger.Warn("forward to nats failed",
					slog.String("subject", subject),
					slog.String("type", env.Type),
					slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) publish(subject string, env bus.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.nc.Publish(subject, raw); err != nil {
		return err
	}

	b.mu.Lock()
	b.forwarded++
	b.mu.Unlock()
	return nil
}
