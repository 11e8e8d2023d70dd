// Package presence tracks online/offline status of contacts over a dedicated
// presence channel. Records are created lazily on the first status_update for
// a user, overwritten in place and dropped when the channel disconnects.
package presence

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// ErrEmptyUserCode is returned when a user code is required but missing.
var ErrEmptyUserCode = errors.New("presence: empty user code")

// Record is the cached status of one user.
type Record struct {
	UserCode    string
	IsOnline    bool
	LastUpdated time.Time
}

// Tracker owns the presence channel and its status cache.
type Tracker struct {
	ch  *channel.Manager
	bus *bus.Bus
	log *zap.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// New creates a tracker with its own channel manager built from opts.
func New(opts channel.Options, b *bus.Bus, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = b
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	t := &Tracker{
		ch:      channel.New(opts),
		bus:     b,
		log:     log.With(zap.String("component", "presence")),
		records: make(map[string]Record),
	}
	t.ch.AddMessageListener(protocol.ActionStatusUpdate, t.onStatus)
	t.ch.AddConnectionListener(func(connected bool) {
		if !connected {
			t.reset()
		}
	})
	return t
}

// Connect opens the presence channel for the signed-in user.
func (t *Tracker) Connect(ctx context.Context, selfCode string) error {
	if selfCode == "" {
		return ErrEmptyUserCode
	}
	return t.ch.Connect(ctx, selfCode)
}

// Disconnect closes the presence channel.
func (t *Tracker) Disconnect() {
	t.ch.Disconnect()
}

// Connected reports whether the presence channel is open.
func (t *Tracker) Connected() bool {
	return t.ch.Connected()
}

// RequestUserStatus asks the server for the current status of userCode. The
// reply arrives as a status_update. Reports false when the channel is closed.
func (t *Tracker) RequestUserStatus(userCode string) bool {
	if userCode == "" {
		t.log.Warn("status request without user code")
		return false
	}
	return t.ch.Send(protocol.ActionGetStatus, protocol.GetStatusFrame{UserCode: userCode})
}

// AddStatusListener registers fn for inbound presence frames with the given
// action. The cache is updated before listeners run.
func (t *Tracker) AddStatusListener(action string, fn channel.MessageListener) channel.Handle {
	return t.ch.AddMessageListener(action, fn)
}

// RemoveStatusListener unregisters a status listener.
func (t *Tracker) RemoveStatusListener(h channel.Handle) {
	t.ch.RemoveMessageListener(h)
}

// AddConnectionListener registers fn for presence connectivity changes.
func (t *Tracker) AddConnectionListener(fn channel.ConnectionListener) channel.Handle {
	return t.ch.AddConnectionListener(fn)
}

// RemoveConnectionListener unregisters a connection listener.
func (t *Tracker) RemoveConnectionListener(h channel.Handle) {
	t.ch.RemoveConnectionListener(h)
}

// Status returns the cached record for userCode.
func (t *Tracker) Status(userCode string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[userCode]
	return r, ok
}

// IsOnline reports whether userCode is cached as online. Unknown users are offline.
func (t *Tracker) IsOnline(userCode string) bool {
	r, _ := t.Status(userCode)
	return r.IsOnline
}

// Snapshot returns every cached record ordered by user code.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.UserCode, b.UserCode) })
	return out
}

func (t *Tracker) onStatus(evt protocol.Event) {
	var s protocol.StatusEvent
	if err := evt.Decode(&s); err != nil {
		t.log.Warn("dropping status update", zap.Error(err))
		return
	}
	if s.UserCode == "" {
		t.log.Warn("dropping status update without user code")
		return
	}
	at := evt.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	r := Record{UserCode: s.UserCode, IsOnline: s.IsOnline(), LastUpdated: at}

	t.mu.Lock()
	t.records[s.UserCode] = r
	n := len(t.records)
	t.mu.Unlock()

	metrics.PresenceRecords.Set(float64(n))
	t.bus.Publish(bus.Event{
		Kind:    bus.KindPresenceChanged,
		Key:     s.UserCode,
		Payload: r,
	})
}

func (t *Tracker) reset() {
	t.mu.Lock()
	n := len(t.records)
	clear(t.records)
	t.mu.Unlock()
	metrics.PresenceRecords.Set(0)
	if n > 0 {
		t.log.Debug("presence cache cleared", zap.Int("records", n))
	}
}
