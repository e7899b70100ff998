package main

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealchat/internal/domain"
)

// hub tracks live push subscriptions per user. Writes are serialized under
// the hub lock; a failed write drops the subscription.
type hub struct {
	mu    sync.Mutex
	conns map[domain.UserID]map[*websocket.Conn]bool
	log   *zap.Logger
}

func newHub(log *zap.Logger) *hub {
	return &hub{conns: make(map[domain.UserID]map[*websocket.Conn]bool), log: log}
}

// add registers a subscription and watches it until the peer hangs up.
func (h *hub) add(user domain.UserID, conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[user] == nil {
		h.conns[user] = make(map[*websocket.Conn]bool)
	}
	h.conns[user][conn] = true
	h.mu.Unlock()
	h.log.Info("subscriber connected", zap.String("user", string(user)))

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.remove(user, conn)
		h.log.Info("subscriber disconnected", zap.String("user", string(user)))
	}()
}

func (h *hub) remove(user domain.UserID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(user, conn)
}

// notify pushes a copy of env to every live subscription for user. The
// pushed copy is advisory; the envelope stays queued until acknowledged.
func (h *hub) notify(user domain.UserID, env domain.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var dead []*websocket.Conn
	for conn := range h.conns[user] {
		if err := conn.WriteJSON(env); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		h.drop(user, conn)
	}
}

// drop must be called with the hub lock held.
func (h *hub) drop(user domain.UserID, conn *websocket.Conn) {
	if set, ok := h.conns[user]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, user)
		}
	}
	conn.Close()
}
