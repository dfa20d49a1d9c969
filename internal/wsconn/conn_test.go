package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func fastOpts() Options {
	return Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

// waitState drains events until the wanted state shows up.
func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %v", want)
			}
			if ev.Kind == EventStateChange && ev.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestConnectAndEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	}))
	defer srv.Close()

	c := Dial(context.Background(), "twitch", wsURL(srv), logger.Discard(), fastOpts())
	defer c.Close()

	waitState(t, c, StateConnected)

	if err := c.Send([]byte("ping")); err != nil {
		t.Fatalf("Send = %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == EventFrame {
				if got := string(ev.Frame); got != "ping" {
					t.Fatalf("frame = %q, want ping", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("echo frame never arrived")
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	// Nothing listening on this address.
	c := Dial(context.Background(), "dead", "ws://127.0.0.1:1", logger.Discard(), fastOpts())
	defer c.Close()

	if err := c.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	var accepts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// First connection is dropped immediately, later ones stay up.
		if atomic.AddInt32(&accepts, 1) == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := Dial(context.Background(), "twitch", wsURL(srv), logger.Discard(), fastOpts())
	defer c.Close()

	waitState(t, c, StateConnected)
	waitState(t, c, StateDisconnected)
	waitState(t, c, StateReconnecting)
	waitState(t, c, StateConnected)

	if n := atomic.LoadInt32(&accepts); n < 2 {
		t.Errorf("accepts = %d, want at least 2", n)
	}
}

func TestCloseShutsDownEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := Dial(context.Background(), "twitch", wsURL(srv), logger.Discard(), fastOpts())
	waitState(t, c, StateConnected)
	c.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed")
		}
	}
}
