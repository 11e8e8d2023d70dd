// Package chattest runs an in-process chat websocket server for tests. It
// accepts conversation and presence sockets, records client frames and lets a
// test push frames or drop connections on demand.
package chattest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// Peer is one accepted client socket.
type Peer struct {
	Path  string
	Key   string
	Token string

	conn   *websocket.Conn
	closed chan struct{}
}

// Push writes a raw text frame to the client.
func (p *Peer) Push(frame string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// Drop kills the TCP connection without a close frame.
func (p *Peer) Drop() {
	p.conn.CloseNow()
}

// CloseWith closes the socket with the given status code.
func (p *Peer) CloseWith(code websocket.StatusCode, reason string) {
	_ = p.conn.Close(code, reason)
}

// Closed is closed when the server side of the socket has ended.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}

// Frame is a client frame received by the server.
type Frame struct {
	Peer  *Peer
	Event protocol.Event
}

// Server is a fake chat server.
type Server struct {
	*httptest.Server

	// Frames receives every parsed client frame. Buffered; tests read it.
	Frames chan Frame
	// Reply, when set, is called for each client frame and may push responses.
	Reply func(p *Peer, evt protocol.Event)
	// RejectToken makes upgrades carrying this token fail with 401.
	RejectToken string

	mu       sync.Mutex
	peers    []*Peer
	accepted int
}

// NewServer starts a server that is stopped when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{Frames: make(chan Frame, 64)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.mu.Lock()
		peers := append([]*Peer(nil), s.peers...)
		s.mu.Unlock()
		for _, p := range peers {
			p.conn.CloseNow()
		}
		s.Server.Close()
	})
	return s
}

// Host returns host:port for building channel URLs.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if s.RejectToken != "" && token == s.RejectToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	p := &Peer{
		Path:   r.URL.Path,
		Key:    keyFromPath(r.URL.Path),
		Token:  token,
		conn:   c,
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, q := range s.peers {
			if q == p {
				s.peers = append(s.peers[:i], s.peers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(p.closed)
	}()

	for {
		_, data, err := c.Read(context.Background())
		if err != nil {
			return
		}
		evt, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		select {
		case s.Frames <- Frame{Peer: p, Event: evt}:
		default:
		}
		if s.Reply != nil {
			s.Reply(p, evt)
		}
	}
}

// Peers returns the sockets currently open.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Peer(nil), s.peers...)
}

// Accepted returns how many sockets have been accepted in total.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// WaitPeer waits for an open socket on the given key.
func (s *Server) WaitPeer(t testing.TB, key string) *Peer {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range s.Peers() {
			if p.Key == key {
				return p
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no open socket for key %q", key)
	return nil
}

// NextFrame waits for the next client frame with the given action.
func (s *Server) NextFrame(t testing.TB, action string) Frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-s.Frames:
			if f.Event.Action == action {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s frame", action)
			return Frame{}
		}
	}
}

// keyFromPath extracts the last non-empty path segment:
// /wss/conversations/7/ -> 7, /wss/get-online/U1/ -> U1.
func keyFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
