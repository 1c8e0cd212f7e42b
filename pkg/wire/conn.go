package wire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Defaults for the transport timers. All overrideable through config.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultWriteTimeout      = 30 * time.Second
)

// ErrConnClosed is returned by Read and Send after the connection is gone.
var ErrConnClosed = errors.New("connection closed")

// Conn is one framed sync connection.
//
// Reads are single-consumer: exactly one goroutine calls Read in a loop.
// Sends are serialized internally and safe from multiple goroutines. The
// read deadline is 2x the heartbeat interval; any inbound traffic,
// heartbeat included, pushes it forward. Silence beyond the deadline is a
// protocol timeout and surfaces from Read as an error.
type Conn struct {
	ws          *websocket.Conn
	heartbeat   time.Duration
	writeTimout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded or dialed websocket connection.
func NewConn(ws *websocket.Conn, heartbeatInterval time.Duration) *Conn {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	c := &Conn{
		ws:          ws,
		heartbeat:   heartbeatInterval,
		writeTimout: DefaultWriteTimeout,
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
	return c
}

// DialOptions configures Dial.
type DialOptions struct {
	// URL is the server base URL (http://, https://, ws:// or wss://).
	// The /api/sync path is appended if no path is present.
	URL string

	// ClientID is sent as a query parameter on the upgrade request.
	ClientID string

	// Token is the bearer token presented before upgrade. Optional when
	// the server runs without authentication.
	Token string

	Timeout           time.Duration
	HeartbeatInterval time.Duration
}

// Dial opens the sync connection. Authentication happens on the upgrade
// request: a rejected token surfaces as ErrUnauthorized so the supervisor
// can stop reconnecting until the identity is refreshed.
func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", opts.URL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server URL %q: unsupported scheme %q", opts.URL, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/sync"
	}
	q := u.Query()
	q.Set("clientId", opts.ClientID)
	u.RawQuery = q.Encode()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: server rejected credentials (%d)", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", u.Host, err)
	}

	return NewConn(ws, opts.HeartbeatInterval), nil
}

// ErrUnauthorized marks an authentication failure during dial. The
// supervisor must not retry until the identity is refreshed.
var ErrUnauthorized = errors.New("unauthorized")

// Read blocks for the next frame and decodes it. Any traffic resets the
// protocol-timeout deadline. A FramingError from the decoder is returned
// as-is; the caller closes the connection with a framing code.
func (c *Conn) Read() (*Message, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.heartbeat))

	if msgType != websocket.TextMessage {
		return nil, &FramingError{Reason: fmt.Sprintf("unexpected frame type %d", msgType)}
	}
	return Decode(data)
}

// Send encodes and writes one frame.
func (c *Conn) Send(msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

// HeartbeatInterval returns the configured heartbeat interval.
func (c *Conn) HeartbeatInterval() time.Duration {
	return c.heartbeat
}

// CloseWithCode sends a close frame carrying the protocol error code and
// tears the connection down. Safe to call multiple times.
func (c *Conn) CloseWithCode(code, reason string) error {
	c.closeOnce.Do(func() {
		wsCode := websocket.CloseNormalClosure
		switch code {
		case CodeFraming:
			wsCode = websocket.CloseInvalidFramePayloadData
		case CodeProtocol, CodeApplierFatal:
			wsCode = websocket.ClosePolicyViolation
		case CodeAuth, CodeUnknownClient:
			wsCode = websocket.ClosePolicyViolation
		case CodeInternal:
			wsCode = websocket.CloseInternalServerErr
		}

		// Best effort: the peer may already be gone.
		frame := websocket.FormatCloseMessage(wsCode, truncateReason(code+": "+reason))
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, frame)
		c.writeMu.Unlock()

		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Close tears the connection down with a normal close frame.
func (c *Conn) Close() error {
	return c.CloseWithCode("", "")
}

// Control frames cap the payload at 125 bytes; keep the reason short.
func truncateReason(s string) string {
	const maxControlPayload = 123
	if len(s) > maxControlPayload {
		return s[:maxControlPayload]
	}
	return s
}
