package kernel

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

// Hub tracks live kernel sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	logger   *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		logger:   log.WithFields(zap.String("component", "kernel-hub")),
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Debug("session registered", zap.String("session_id", s.ID), zap.Int("sessions", n))
}

func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Debug("session unregistered", zap.String("session_id", s.ID), zap.Int("sessions", n))
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast sends frame to every live session.
func (h *Hub) Broadcast(frame protocol.ServerFrame) {
	for _, s := range h.snapshot() {
		if err := s.Send(frame); err != nil {
			h.logger.Debug("broadcast failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// CloseAll closes every live session with code and reason.
func (h *Hub) CloseAll(code int, reason string) {
	for _, s := range h.snapshot() {
		s.CloseWith(code, reason)
	}
}
