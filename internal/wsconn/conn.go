// Package wsconn maintains a WebSocket connection with automatic reconnect
// and owner notification on every transition and frame.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/metrics"
	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send outside the connected state.
var ErrNotConnected = errors.New("not_connected")

// UpgradeError reports a failed WebSocket upgrade.
type UpgradeError struct {
	Status int
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("upgrade_failed: status %d", e.Status)
}

// State of the connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventKind discriminates owner notifications.
type EventKind int

const (
	EventStateChange EventKind = iota
	EventFrame
)

// Event is delivered to the owner for every state transition and every
// incoming frame.
type Event struct {
	Kind  EventKind
	State State
	Frame []byte
}

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 30 * time.Second
	defaultFactor    = 2.0

	writeTimeout = 10 * time.Second
)

// Options tune the reconnect policy.
type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	// EventBuffer sizes the owner notification channel.
	EventBuffer int
}

func (o Options) normalized() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.Factor <= 0 {
		o.Factor = defaultFactor
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Conn is a self-healing WebSocket connection.
//
//	disconnected → connecting → connected → {disconnected, reconnecting} → connecting
//
// The reconnect delay grows exponentially per failed attempt and resets to
// the base on a successful upgrade.
type Conn struct {
	name string
	url  string
	opts Options

	events chan Event

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logger.Logger
}

// Dial creates the connection and starts its connect loop. The owner reads
// Events() until it is closed; cancelling ctx or calling Close terminates
// the connection.
func Dial(ctx context.Context, name, url string, log *logger.Logger, opts Options) *Conn {
	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		name:   name,
		url:    url,
		opts:   opts.normalized(),
		events: make(chan Event, opts.normalized().EventBuffer),
		state:  StateDisconnected,
		ctx:    connCtx,
		cancel: cancel,
		logger: log.WithComponent("wsconn").With(slog.String("name", name)),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	return c
}

// Events returns the owner notification channel. Closed on shutdown.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes a text frame. Fails fast with ErrNotConnected unless the
// connection is in the connected state.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close terminates the connection and its reconnect loop.
func (c *Conn) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.Info("connection state change",
		slog.String("from", prev.String()),
		slog.String("to", s.String()))
	c.notify(Event{Kind: EventStateChange, State: s})
}

func (c *Conn) notify(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Conn) run() {
	defer close(c.events)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BaseDelay
	bo.Multiplier = c.opts.Factor
	bo.MaxInterval = c.opts.MaxDelay
	bo.RandomizationFactor = 0
	bo.Reset()

	first := true
	for {
		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if !first {
			c.setState(StateReconnecting)
			metrics.WSReconnectsTotal.WithLabelValues(c.name).Inc()
			select {
			case <-time.After(bo.NextBackOff()):
			case <-c.ctx.Done():
				c.setState(StateDisconnected)
				return
			}
		}
		first = false

		c.setState(StateConnecting)
		dialer := *websocket.DefaultDialer
		conn, resp, err := dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if resp != nil {
				err = &UpgradeError{Status: resp.StatusCode}
			}
			c.logger.Warn("dial failed", slog.String("error", err.Error()))
			c.setState(StateDisconnected)
			continue
		}

		// Successful upgrade resets the backoff.
		bo.Reset()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.setState(StateDisconnected)
	}
}

// readLoop forwards frames to the owner until the connection drops.
func (c *Conn) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("read failed", slog.String("error", err.Error()))
			}
			return
		}
		c.notify(Event{Kind: EventFrame, Frame: data})
	}
}
