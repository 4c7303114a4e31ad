package socket

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/channel"
	"main/internal/obs"
	"main/internal/state"
	"main/internal/transport"
	"main/pkg/backoff"
	"main/pkg/exception"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// testServer runs a websocket endpoint whose per-connection behavior is
// supplied by the test.
type testServer struct {
	srv      *httptest.Server
	accepted int64
	handle   func(conn *websocket.Conn)
}

func newTestServer(t *testing.T, handle func(conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{handle: handle}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt64(&ts.accepted, 1)
		ts.handle(conn)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) connections() int64 {
	return atomic.LoadInt64(&ts.accepted)
}

// echoHandler reflects every frame back to the client.
func echoHandler(conn *websocket.Conn) {
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func fastMachine() *state.Machine {
	return state.NewMachine(state.Config{
		Reconnect: backoff.Policy{Kind: backoff.Constant, Base: time.Millisecond},
	})
}

func newTestClient(t *testing.T, url string, overrides func(*Config)) (*Client, *state.Machine, *obs.Metrics) {
	t.Helper()
	cfg := Config{
		URL:                  url,
		SessionID:            uuid.NewString(),
		MaxReconnectAttempts: 2,
	}
	if overrides != nil {
		overrides(&cfg)
	}
	machine := fastMachine()
	t.Cleanup(machine.Destroy)
	metrics := obs.NewMetrics()
	c := New(cfg, machine, metrics)
	t.Cleanup(c.Disconnect)
	return c, machine, metrics
}

func waitEvent(t *testing.T, emitter *bus.Emitter, eventType string) chan any {
	t.Helper()
	ch := make(chan any, 8)
	emitter.On(eventType, func(payload any) {
		select {
		case ch <- payload:
		default:
		}
	})
	return ch
}

func TestConnectOpensAndTracksState(t *testing.T) {
	ts := newTestServer(t, echoHandler)
	c, machine, _ := newTestClient(t, ts.url(), nil)

	opened := waitEvent(t, c.Events(), channel.EventConnectionOpened)
	require.NoError(t, c.Connect(context.Background()))

	select {
	case payload := <-opened:
		assert.Equal(t, ModeName, payload.(transport.OpenedPayload).Mode)
	case <-time.After(time.Second):
		t.Fatal("no opened event")
	}
	assert.Equal(t, state.StateConnected, machine.Current())
	assert.Equal(t, uint64(1), machine.Metrics().SuccessfulConnections)
}

func TestConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t, echoHandler)
	c, _, _ := newTestClient(t, ts.url(), nil)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), ts.connections())
}

func TestSendStampsSessionAndRoundTrips(t *testing.T) {
	ts := newTestServer(t, echoHandler)
	var sessionID string
	c, _, metrics := newTestClient(t, ts.url(), func(cfg *Config) {
		sessionID = cfg.SessionID
	})

	require.NoError(t, c.Connect(context.Background()))
	echoes := waitEvent(t, c.Events(), channel.TypeMessage)

	require.True(t, c.Send(channel.New(channel.TypeMessage, map[string]string{"text": "hi"})))

	select {
	case payload := <-echoes:
		msg := payload.(channel.Message)
		assert.Equal(t, sessionID, msg.SessionID)
		assert.JSONEq(t, `{"text":"hi"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("echo never arrived")
	}

	snap := metrics.Snapshot()
	assert.GreaterOrEqual(t, snap.FramesOut, uint64(1))
	assert.GreaterOrEqual(t, snap.FramesIn, uint64(1))
}

func TestSendWhileDisconnected(t *testing.T) {
	c, _, _ := newTestClient(t, "ws://127.0.0.1:1/ws", nil)
	assert.False(t, c.Send(channel.New(channel.TypePing, nil)))
}

func TestServerPingGetsPong(t *testing.T) {
	pongs := make(chan channel.Message, 1)
	ts := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		ping, _ := channel.New(channel.TypePing, nil).Encode()
		if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := channel.Decode(data); err == nil && msg.Type == channel.TypePong {
				select {
				case pongs <- msg:
				default:
				}
			}
		}
	})
	c, _, _ := newTestClient(t, ts.url(), nil)
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-pongs:
	case <-time.After(time.Second):
		t.Fatal("peer ping was not answered")
	}
}

func TestHeartbeat(t *testing.T) {
	pings := make(chan struct{}, 4)
	ts := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := channel.Decode(data); err == nil && msg.Type == channel.TypePing {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	})
	c, _, _ := newTestClient(t, ts.url(), func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat ping observed")
	}
}

func TestMalformedFrameEmitsProtocolError(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_, _, _ = conn.ReadMessage()
	})
	c, _, _ := newTestClient(t, ts.url(), nil)

	errs := waitEvent(t, c.Events(), channel.EventConnectionError)
	require.NoError(t, c.Connect(context.Background()))

	select {
	case payload := <-errs:
		errPayload := payload.(transport.ErrorPayload)
		assert.ErrorIs(t, errPayload.Err, exception.ErrProtocol)
		assert.Equal(t, []byte("{not json"), errPayload.Raw)
	case <-time.After(time.Second):
		t.Fatal("no protocol error event")
	}
}

func TestDialFailureExhaustsBudget(t *testing.T) {
	c, machine, _ := newTestClient(t, "ws://127.0.0.1:1/ws", nil)

	errs := waitEvent(t, c.Events(), channel.EventConnectionError)
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, exception.ErrExhaustedRetries)

	var terminal *transport.ErrorPayload
	deadline := time.After(time.Second)
	for terminal == nil {
		select {
		case payload := <-errs:
			p := payload.(transport.ErrorPayload)
			if p.Attempts > 0 {
				terminal = &p
			}
		case <-deadline:
			t.Fatal("no terminal error event")
		}
	}
	assert.Equal(t, 2, terminal.Attempts)

	metrics := machine.Metrics()
	assert.Equal(t, uint64(3), metrics.FailedConnections, "initial dial plus both retries")
	assert.Equal(t, uint64(2), metrics.TotalReconnections)
}

func TestDialTimeoutClassified(t *testing.T) {
	// A listener that accepts but never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c, _, _ := newTestClient(t, "ws://"+ln.Addr().String()+"/ws", func(cfg *Config) {
		cfg.HandshakeTimeout = 30 * time.Millisecond
		cfg.MaxReconnectAttempts = 1
	})

	errs := waitEvent(t, c.Events(), channel.EventConnectionError)
	require.Error(t, c.Connect(context.Background()))

	select {
	case payload := <-errs:
		assert.ErrorIs(t, payload.(transport.ErrorPayload).Err, exception.ErrConnectionTimeout)
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestUnexpectedCloseTriggersReconnect(t *testing.T) {
	var once sync.Once
	ts := newTestServer(t, func(conn *websocket.Conn) {
		kill := false
		once.Do(func() { kill = true })
		if kill {
			// Abrupt close on the first connection only.
			_ = conn.Close()
			return
		}
		echoHandler(conn)
	})
	c, machine, metrics := newTestClient(t, ts.url(), nil)

	closed := waitEvent(t, c.Events(), channel.EventConnectionClosed)
	require.NoError(t, c.Connect(context.Background()))

	select {
	case payload := <-closed:
		assert.False(t, payload.(transport.ClosedPayload).Clean)
	case <-time.After(time.Second):
		t.Fatal("no closed event")
	}

	deadline := time.After(2 * time.Second)
	for ts.connections() < 2 {
		select {
		case <-deadline:
			t.Fatal("client never reconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}
	for machine.Current() != state.StateConnected {
		select {
		case <-deadline:
			t.Fatal("machine never returned to connected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	latency := metrics.Snapshot().ReconnectLatency
	assert.GreaterOrEqual(t, latency.Count, uint64(1), "completed reconnect must be measured")
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	ts := newTestServer(t, echoHandler)
	c, machine, _ := newTestClient(t, ts.url(), nil)

	closed := waitEvent(t, c.Events(), channel.EventConnectionClosed)
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()

	select {
	case payload := <-closed:
		assert.True(t, payload.(transport.ClosedPayload).Clean)
	case <-time.After(time.Second):
		t.Fatal("no closed event")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), ts.connections())
	assert.Equal(t, state.StateDisconnected, machine.Current())
}

func TestEndpointResolution(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit url", Config{URL: "wss://api.example.com/socket"}, "wss://api.example.com/socket"},
		{"host with default path", Config{Host: "example.com:9000"}, "ws://example.com:9000/ws"},
		{"secure host", Config{Host: "example.com", Path: "/rt", Secure: true}, "wss://example.com/rt"},
		{"host with stray scheme", Config{Host: "ws://example.com"}, "ws://example.com/ws"},
	}
	for _, tc := range cases {
		machine := fastMachine()
		c := New(tc.cfg, machine, obs.NewMetrics())
		if got := c.Endpoint(); got != tc.want {
			t.Fatalf("%s: endpoint %q, want %q", tc.name, got, tc.want)
		}
		machine.Destroy()
	}
}
