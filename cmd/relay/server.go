package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealchat/internal/domain"
)

type server struct {
	store *memoryStore
	hub   *hub
	log   *zap.Logger
}

func newServer(log *zap.Logger) *server {
	return &server{store: newMemoryStore(), hub: newHub(log), log: log}
}

func (s *server) publishBundle(w http.ResponseWriter, r *http.Request) {
	var b domain.PublicKeyBundle
	if err := decode(r, &b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.UserID == "" {
		http.Error(w, "bundle has no user id", http.StatusBadRequest)
		return
	}
	s.store.putBundle(b)
	s.log.Info("bundle published",
		zap.String("user", string(b.UserID)),
		zap.Int("one_time_pre_keys", len(b.OneTimePreKeys)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) fetchBundle(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	b, ok := s.store.takeBundle(user)
	if !ok {
		http.Error(w, "no bundle published", http.StatusNotFound)
		return
	}
	writeJSON(w, b)
}

func (s *server) enqueueEnvelope(w http.ResponseWriter, r *http.Request) {
	to := domain.UserID(mux.Vars(r)["user"])
	var env domain.Envelope
	if err := decode(r, &env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env.To = to
	env = s.store.enqueue(env)
	s.hub.notify(env.To, env)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) fetchEnvelopes(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, s.store.peek(user, limit))
}

func (s *server) ackEnvelopes(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	var body struct {
		Count int `json:"count"`
	}
	if err := decode(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dropped := s.store.ack(user, body.Count)
	writeJSON(w, struct {
		Acked int `json:"acked"`
	}{Acked: dropped})
}

func (s *server) putKeyBackup(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	var blob domain.KeyBackupBlob
	if err := decode(r, &blob); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.store.putKeyBackup(user, blob)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) fetchKeyBackup(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	blob, ok := s.store.keyBackup(user)
	if !ok {
		http.Error(w, "no backup stored", http.StatusNotFound)
		return
	}
	writeJSON(w, blob)
}

func (s *server) putGroupBackup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := domain.UserID(vars["user"])
	var backup domain.GroupKeyBackup
	if err := decode(r, &backup); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if string(backup.ConversationID) != vars["conv"] {
		http.Error(w, "conversation id mismatch", http.StatusBadRequest)
		return
	}
	s.store.putGroupBackup(user, backup)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) fetchGroupBackup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	backup, ok := s.store.groupBackup(domain.UserID(vars["user"]), domain.ConversationID(vars["conv"]))
	if !ok {
		http.Error(w, "no group key backup stored", http.StatusNotFound)
		return
	}
	writeJSON(w, backup)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *server) subscribe(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.URL.Query().Get("user"))
	if user == "" {
		http.Error(w, "user query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.add(user, conn)
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", sw.status),
			zap.Int("bytes", sw.bytes),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// Hijack keeps the WebSocket upgrade working through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
