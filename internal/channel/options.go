package channel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Scopes name the two kinds of channel a client runs.
const (
	ScopeConversation = "conversation"
	ScopePresence     = "presence"
)

const (
	DefaultSubscribeWait        = time.Second
	DefaultSubscribeRetries     = 1
	DefaultSubscribeBackoff     = 250 * time.Millisecond
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultDialTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
)

// TokenSource supplies the credential appended to channel URLs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential.
type StaticToken string

// Token returns the credential.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Route maps a channel key to a URL path.
type Route func(key string) string

// ConversationRoute is the path of a conversation channel.
func ConversationRoute(conversationID string) string {
	return "/wss/conversations/" + conversationID + "/"
}

// PresenceRoute is the path of the presence channel for the signed-in user.
func PresenceRoute(selfCode string) string {
	return "/wss/get-online/" + selfCode + "/"
}

// Options configures a Manager.
type Options struct {
	// Scope labels logs, metrics and status events.
	Scope  string
	Host   string
	Secure bool
	Route  Route
	Tokens TokenSource
	Dialer transport.Dialer
	Bus    *bus.Bus
	Logger *zap.Logger

	// SubscribeFrame sends {"action":"subscribe"} after Subscribe succeeds
	// and again after an automatic reconnect.
	SubscribeFrame bool

	// SettleDelay is waited after the socket opens, before Connect returns.
	SettleDelay          time.Duration
	SubscribeWait        time.Duration
	SubscribeRetries     int
	SubscribeBackoff     time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
}

// ConversationOptions returns defaults for a conversation channel.
func ConversationOptions(host string, tokens TokenSource) Options {
	return Options{
		Scope:          ScopeConversation,
		Host:           host,
		Route:          ConversationRoute,
		Tokens:         tokens,
		SubscribeFrame: true,

		SubscribeRetries:     DefaultSubscribeRetries,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

// PresenceOptions returns defaults for a presence channel.
func PresenceOptions(host string, tokens TokenSource) Options {
	return Options{
		Scope:  ScopePresence,
		Host:   host,
		Route:  PresenceRoute,
		Tokens: tokens,

		SubscribeRetries:     DefaultSubscribeRetries,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

func (o *Options) setDefaults() {
	if o.Scope == "" {
		o.Scope = ScopeConversation
	}
	if o.Route == nil {
		o.Route = ConversationRoute
	}
	if o.Dialer == nil {
		o.Dialer = transport.WebSocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.SubscribeWait <= 0 {
		o.SubscribeWait = DefaultSubscribeWait
	}
	if o.SubscribeRetries < 0 {
		o.SubscribeRetries = 0
	}
	if o.SubscribeBackoff <= 0 {
		o.SubscribeBackoff = DefaultSubscribeBackoff
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
}
