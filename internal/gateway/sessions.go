// ABOUTME: Registry of authorized device sessions keyed by connection ID
// ABOUTME: A device may hold several sessions; each connection gets its own UUID

package gateway

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Session is an authorized connection.
type Session struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Remote      string    `json:"remote"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// sessionRegistry tracks live sessions.
type sessionRegistry struct {
	sessions map[string]Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

func newSessionRegistry(logger *slog.Logger) *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]Session),
		logger:   logger,
	}
}

func (r *sessionRegistry) register(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s
	r.logger.Info("=== DEVICE CONNECTED ===",
		"connection_id", s.ID,
		"device_id", s.DeviceID,
		"remote", s.Remote,
		"fingerprint", s.Fingerprint,
		"total_sessions", len(r.sessions),
	)
}

func (r *sessionRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[id]; exists {
		delete(r.sessions, id)
		r.logger.Info("=== DEVICE DISCONNECTED ===",
			"connection_id", id,
			"device_id", s.DeviceID,
			"duration", time.Since(s.ConnectedAt).Round(time.Second),
			"total_sessions", len(r.sessions),
		)
	}
}

// list returns sessions ordered by connect time.
func (r *sessionRegistry) list() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r *sessionRegistry) byDevice(deviceID string) []Session {
	var out []Session
	for _, s := range r.list() {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
