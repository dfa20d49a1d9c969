// Package ingest attaches a WebSocket event feed to the bus: Twitch-style
// envelopes arriving as frames are republished on the twitch event topics,
// with chat messages additionally normalized onto the chat topic.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlight/overlay-server/internal/bus"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/service"
	"github.com/driftlight/overlay-server/internal/wsconn"
)

// Feed owns one upstream connection and translates its frames to bus
// envelopes.
type Feed struct {
	name   string
	url    string
	events *bus.Bus
	logger *logger.Logger

	mu        sync.Mutex
	status    service.Status
	startedAt time.Time
	frames    uint64

	conn   *wsconn.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a feed for url. An empty url disables it; callers get nil.
func New(name, url string, events *bus.Bus, log *logger.Logger) *Feed {
	if url == "" {
		return nil
	}
	return &Feed{
		name:   name,
		url:    url,
		events: events,
		logger: log.WithComponent("ingest").With(slog.String("feed", name)),
		status: service.StatusStarting,
	}
}

// Start dials the upstream and begins translating frames.
func (f *Feed) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.mu.Lock()
	f.status = service.StatusRunning
	f.startedAt = time.Now()
	f.mu.Unlock()

	f.conn = wsconn.Dial(runCtx, f.name, f.url, f.logger, wsconn.Options{})

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run()
	}()
	return nil
}

// Stop tears down the connection.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn != nil {
		f.conn.Close()
	}
	f.wg.Wait()

	f.mu.Lock()
	f.status = service.StatusStopped
	f.mu.Unlock()
}

func (f *Feed) Status() service.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Feed) Health() service.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	healthy := f.status == service.StatusRunning
	state := "stopped"
	if f.conn != nil {
		state = f.conn.State().String()
		healthy = healthy && f.conn.State() == wsconn.StateConnected
	}
	return service.Health{
		Healthy: healthy,
		Details: map[string]string{"connection": state},
	}
}

func (f *Feed) Info() service.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return service.Info{
		Name:      "ingest:" + f.name,
		StartedAt: f.startedAt,
		Extra:     map[string]interface{}{"frames": f.frames},
	}
}

func (f *Feed) run() {
	for ev := range f.conn.Events() {
		switch ev.Kind {
		case wsconn.EventStateChange:
			f.logger.Debug("feed connection state",
				slog.String("state", ev.State.String()))
		case wsconn.EventFrame:
			f.handleFrame(ev.Frame)
		}
	}
}

func (f *Feed) handleFrame(frame []byte) {
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()

	var event bus.TwitchEvent
	if err := json.Unmarshal(frame, &event); err != nil || event.Type == "" {
		f.logger.Warn("discarding undecodable frame", slog.Int("bytes", len(frame)))
		return
	}

	now := time.Now()
	f.events.Publish(bus.TopicTwitchEvents, event.Type, event)
	f.events.Publish(bus.TopicEvents, event.Type, event)

	// Chat flows to C1 in canonical form as well.
	if msg, ok := event.ChatMessage(now); ok {
		f.events.Publish(bus.TopicChat, bus.TypeChatMessage, msg)
	}
}
