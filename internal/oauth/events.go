package oauth

import (
	"context"
	"net/http"
)

// EventType names something the engine observed.
type EventType string

const (
	EventClientAuthenticationFailed EventType = "client.authentication_failed"
	EventUserAuthenticationFailed   EventType = "user.authentication_failed"
	EventAccessTokenIssued          EventType = "access_token.issued"
	EventRefreshTokenIssued         EventType = "refresh_token.issued"
	EventAuthCodeIssued             EventType = "auth_code.issued"
	EventDeviceCodeIssued           EventType = "device_code.issued"
	EventRefreshTokenReuse          EventType = "refresh_token.reuse_detected"
	EventTokenRevoked               EventType = "token.revoked"
	EventTokenIntrospected          EventType = "token.introspected"
)

// Event carries the context of an emitted event. Active is only meaningful
// for EventTokenIntrospected.
type Event struct {
	Type      EventType
	GrantType string
	ClientID  string
	UserID    string
	TokenID   string
	Active    bool
	Request   *http.Request
}

// Listener receives engine events. Implementations must not block.
type Listener interface {
	Handle(ctx context.Context, e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e Event)

// Handle calls f.
func (f ListenerFunc) Handle(ctx context.Context, e Event) {
	f(ctx, e)
}

// Listeners fans an event out to several listeners.
type Listeners []Listener

// Handle forwards e to every listener.
func (ls Listeners) Handle(ctx context.Context, e Event) {
	for _, l := range ls {
		l.Handle(ctx, e)
	}
}

type nopListener struct{}

func (nopListener) Handle(context.Context, Event) {}
