package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"sealchat/internal/domain"
)

// Subscriber is a live push subscription to a relay. The relay pushes a copy
// of every envelope that arrives for the subscribed user; the authoritative
// queue stays on the relay until acknowledged over HTTP, so a push is a
// wake-up, not a delivery.
type Subscriber struct {
	conn *websocket.Conn
}

// DialSubscriber opens a push subscription for user against the relay at
// base, the same URL the HTTP client uses.
func DialSubscriber(ctx context.Context, base string, user domain.UserID) (*Subscriber, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	q := u.Query()
	q.Set("user", string(user))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	return &Subscriber{conn: conn}, nil
}

// Run delivers pushed envelopes to handle until ctx is cancelled or the
// connection drops. It always returns a non-nil error describing why the
// subscription ended.
func (s *Subscriber) Run(ctx context.Context, handle func(domain.Envelope)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	for {
		var env domain.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay subscription closed: %w", err)
		}
		handle(env)
	}
}

// Close tears down the subscription. Safe to call while Run is blocked.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}
