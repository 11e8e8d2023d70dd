// Package transport owns one raw websocket connection at a time. It knows
// nothing about actions or channels: it dials, delivers text frames to a
// handler in arrival order, writes frames and reports how the socket closed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// ErrUnauthorized is returned by Dial when the server rejects the credential
// during the upgrade handshake.
var ErrUnauthorized = errors.New("transport: credential rejected")

// NoStatus is the close code reported when the socket ended without a close
// frame (network drop, EOF, local cancellation).
const NoStatus = -1

// Closure describes how a socket ended.
type Closure struct {
	Code   int
	Reason string
	Err    error
	// Local is set when this side initiated the close.
	Local bool
}

// Abnormal reports an unexpected termination: close code 1006 or no close
// frame at all, and not initiated locally.
func (c Closure) Abnormal() bool {
	if c.Local {
		return false
	}
	return c.Code == int(websocket.StatusAbnormalClosure) || c.Code == NoStatus
}

// ServerError reports a close the server attributed to an error: the
// application range 4000-4999, policy violation or internal error.
func (c Closure) ServerError() bool {
	switch {
	case c.Code >= 4000 && c.Code <= 4999:
		return true
	case c.Code == int(websocket.StatusPolicyViolation), c.Code == int(websocket.StatusInternalError):
		return true
	}
	return false
}

// Handler receives socket callbacks. Both run on the socket's read goroutine;
// OnMessage calls arrive in transport order and OnClose is called exactly once,
// after the last OnMessage.
type Handler struct {
	OnMessage func(data []byte)
	OnClose   func(Closure)
}

// Conn is an open socket.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, h Handler) (Conn, error)
}

// WebSocketDialer dials real websockets.
type WebSocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps a single inbound frame in bytes. Zero keeps the library default.
	ReadLimit int64
}

// Dial performs the upgrade handshake and starts the read goroutine. The
// returned socket outlives ctx; only Close or a transport failure ends it.
func (d WebSocketDialer) Dial(ctx context.Context, rawURL string, h Handler) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", Redact(rawURL), err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &Socket{conn: conn, cancel: cancel, done: make(chan struct{})}
	go s.readLoop(readCtx, h)
	return s, nil
}

// Socket is a websocket connection with a running read loop.
type Socket struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	local     atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Send writes one text frame.
func (s *Socket) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close starts a normal close handshake and returns without waiting for the
// peer. The read loop reports the closure with Local set.
func (s *Socket) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.local.Store(true)
		go func() {
			_ = s.conn.Close(websocket.StatusNormalClosure, reason)
			s.cancel()
		}()
	})
	return nil
}

// Done is closed once the read loop has exited.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) readLoop(ctx context.Context, h Handler) {
	defer close(s.done)
	defer s.cancel()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			c := Closure{Code: NoStatus, Err: err, Local: s.local.Load()}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				c.Code = int(ce.Code)
				c.Reason = ce.Reason
			}
			if h.OnClose != nil {
				h.OnClose(c)
			}
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

// Redact strips the token query parameter so URLs can be logged.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
