package socket

import (
	"context"
	stderrors "errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"main/internal/bus"
	"main/internal/channel"
	"main/internal/obs"
	"main/internal/state"
	"main/internal/transport"
	"main/pkg/exception"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

const (
	// ModeName identifies this transport in connection_opened payloads.
	ModeName = "websocket"

	defaultPath              = "/ws"
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxReconnects     = 5
	defaultHandshakeTimeout  = 10 * time.Second
)

// Config tunes the socket transport.
type Config struct {
	// URL overrides endpoint resolution entirely when set.
	URL string
	// Host is the endpoint host (host or host:port).
	Host string
	// Path defaults to /ws.
	Path string
	// Secure selects wss over ws.
	Secure bool
	// SessionID is stamped on outbound messages.
	SessionID string
	// HeartbeatInterval paces the application-level ping. Default 30s.
	HeartbeatInterval time.Duration
	// MaxReconnectAttempts bounds the transport-local reconnect budget.
	MaxReconnectAttempts int
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

// Client owns one physical socket connection. It translates socket events
// into state-machine calls and channel events.
type Client struct {
	cfg     Config
	machine *state.Machine
	emitter *bus.Emitter
	metrics *obs.Metrics

	mu          sync.Mutex
	conn        *websocket.Conn
	connecting  bool
	manualClose bool
	sessionDone chan struct{}

	writeMu sync.Mutex
}

// New creates a socket client driven by the given state machine.
func New(cfg Config, machine *state.Machine, metrics *obs.Metrics) *Client {
	cfg.Host = normalizeHost(cfg.Host)
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Client{
		cfg:     cfg,
		machine: machine,
		emitter: bus.NewEmitter(),
		metrics: metrics,
	}
}

// Events exposes the transport emitter.
func (c *Client) Events() *bus.Emitter {
	return c.emitter
}

// Quality reports the state machine's derived quality score.
func (c *Client) Quality() int {
	return c.machine.Quality()
}

// Endpoint resolves the socket URL from config.
func (c *Client) Endpoint() string {
	if c.cfg.URL != "" {
		return c.cfg.URL
	}
	scheme := "ws"
	if c.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.cfg.Host, Path: c.cfg.Path}
	return u.String()
}

// Connect establishes the connection, retrying with backoff up to the
// transport-local budget. It resolves immediately when already open or when
// a connect is in progress, and returns an error only after the first
// attempt and its full retry budget both fail.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.manualClose = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if err := c.machine.SetState(state.StateConnecting); err != nil {
		logs.Warnf("socket connect: %v", err)
	}
	if err := c.dialOnce(ctx); err == nil {
		return nil
	}

	return c.reconnectLocked(ctx)
}

// reconnectLocked retries dialing until the budget is exhausted. The caller
// must hold the connecting guard.
func (c *Client) reconnectLocked(ctx context.Context) error {
	attempt := 0
	started := time.Now()
	for attempt < c.cfg.MaxReconnectAttempts {
		if c.isManualClose() {
			return exception.ErrTransportClosed
		}
		attempt++
		c.machine.OnReconnectStart()

		wait := c.machine.ReconnectDelay(attempt)
		logs.Infof("socket reconnect attempt %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := c.dialOnce(ctx); err == nil {
			c.metrics.ObserveReconnect(time.Since(started))
			return nil
		}
	}

	metrics := c.machine.Metrics()
	c.emitter.Emit(channel.EventConnectionError, transport.ErrorPayload{
		Err:      exception.ErrExhaustedRetries,
		Message:  "reconnect attempts exhausted",
		Attempts: attempt,
	})
	logs.Errorf("socket reconnect exhausted after %d attempts (success %d / total %d)",
		attempt, metrics.SuccessfulConnections, metrics.TotalConnections)
	return exception.ErrExhaustedRetries
}

// dialOnce performs one dial and, on success, installs the connection.
func (c *Client) dialOnce(ctx context.Context) error {
	c.machine.StartConnectionTimer()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint(), nil)
	if err != nil {
		c.machine.OnConnectionFailure()
		var dialErr error = errors.Wrap(err, "dial")
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			dialErr = exception.ErrConnectionTimeout
		}
		c.emitter.Emit(channel.EventConnectionError, transport.ErrorPayload{
			Err:     dialErr,
			Message: err.Error(),
		})
		return errors.Wrap(err, "dial").With("endpoint", c.Endpoint())
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.sessionDone = done
	c.mu.Unlock()

	c.machine.OnConnectionSuccess()
	c.emitter.Emit(channel.EventConnectionOpened, transport.OpenedPayload{
		Mode:    ModeName,
		Quality: c.machine.Quality(),
	})

	go c.readLoop(conn, done)
	go c.heartbeatLoop(conn, done)
	return nil
}

// Send stamps and writes a message if the socket is open. It returns false
// without side effects otherwise; callers must check the result.
func (c *Client) Send(msg channel.Message) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	if msg.SessionID == "" {
		msg.SessionID = c.cfg.SessionID
	}
	data, err := msg.Encode()
	if err != nil {
		logs.Errorf("encode outbound %q: %v", msg.Type, err)
		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		logs.Warnf("write %q: %v", msg.Type, err)
		return false
	}
	c.metrics.IncFrameOut()
	return true
}

// Disconnect performs a clean close and suppresses the reconnect procedure.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.metrics.IncFrameIn()
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	msg, err := channel.Decode(data)
	if err != nil {
		c.emitter.Emit(channel.EventConnectionError, transport.ErrorPayload{
			Err:     exception.ErrProtocol,
			Message: "malformed frame",
			Raw:     data,
		})
		return
	}

	switch msg.Type {
	case channel.TypePing:
		c.Send(channel.New(channel.TypePong, nil))
	case channel.TypePong, channel.TypeMessage, channel.TypeStateUpdate:
		c.emitter.Emit(msg.Type, msg)
	default:
		logs.Infof("dropping frame with unrecognized type %q", msg.Type)
		c.metrics.IncDroppedFrame()
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	manual := c.manualClose
	c.mu.Unlock()

	code := websocket.CloseAbnormalClosure
	reason := err.Error()
	clean := false
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
		clean = closeErr.Code == websocket.CloseNormalClosure
	}
	if manual {
		clean = true
	}

	c.machine.OnDisconnection()
	c.emitter.Emit(channel.EventConnectionClosed, transport.ClosedPayload{
		Code:   code,
		Reason: reason,
		Clean:  clean,
	})

	if manual {
		return
	}

	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
		}()
		_ = c.reconnectLocked(context.Background())
	}()
}

// heartbeatLoop sends an application-level ping at the configured interval.
// The peer's pong is observed by the read loop and does not alter state.
func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sys.Shutdown():
			return
		case <-done:
			return
		case <-ticker.C:
			if !c.Send(channel.New(channel.TypePing, nil)) {
				return
			}
		}
	}
}

func (c *Client) isManualClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manualClose
}

var _ transport.Transport = (*Client)(nil)

// normalizeHost strips an accidental scheme prefix from a configured host.
func normalizeHost(host string) string {
	host = strings.TrimPrefix(host, "ws://")
	host = strings.TrimPrefix(host, "wss://")
	return host
}
