package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/strayline/companion/db"
	"github.com/strayline/companion/stats"
	"github.com/strayline/companion/youtubeapi"
)

// Maximum number of OAuth states to keep in memory.
const maxOAuthStates = 10000

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	auth       *youtubeapi.Service
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

func NewHandlers(database *sql.DB, auth *youtubeapi.Service) *Handlers {
	return &Handlers{
		db:         database,
		auth:       auth,
		stateStore: make(map[string]time.Time),
	}
}

// HandleHealthz is the liveness probe: the process is up and can reach Postgres.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz is the readiness probe: database reachable and a Google token
// stored. The bot can't join a chat until the OAuth flow has run once.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credentials", func() error {
			access, refresh, _, _, err := db.GetOAuthToken(r.Context(), h.db, "google")
			if err != nil {
				return err
			}
			if access == "" && refresh == "" {
				return fmt.Errorf("google oauth token not stored; visit /auth/google/start")
			}
			return nil
		}},
	}

	w.Header().Set("Content-Type", "application/json")
	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// statusResponse is the /status snapshot.
type statusResponse struct {
	LiveChatID    string `json:"live_chat_id,omitempty"`
	Title         string `json:"title,omitempty"`
	SessionStart  string `json:"session_started_at,omitempty"`
	Uptime        string `json:"uptime,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	Viewers       int64  `json:"viewers"`
	Messages      int64  `json:"messages"`
}

// HandleStatus reports the current session and aggregate viewer totals. The
// session fields come from kv, written by the engine; they are empty until a
// broadcast has been found.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp statusResponse

	resp.LiveChatID, _ = db.GetKV(ctx, h.db, "session_live_chat_id")
	resp.Title, _ = db.GetKV(ctx, h.db, "session_title")
	resp.LastHeartbeat, _ = db.GetKV(ctx, h.db, "bot_heartbeat")
	if started, _ := db.GetKV(ctx, h.db, "session_started_at"); started != "" {
		resp.SessionStart = started
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			resp.Uptime = time.Since(t).Round(time.Second).String()
		}
	}

	var err error
	resp.Viewers, resp.Messages, err = stats.Totals(ctx, h.db)
	if err != nil {
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// cleanExpiredStates removes expired OAuth states. Call with stateMu held.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records a pending OAuth state, bounding the store so a flood
// of /auth/google/start requests cannot exhaust memory.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return
	}
	h.stateStore[state] = expiry
}

// takeOAuthState validates and consumes a state, returning false when it is
// unknown or expired.
func (h *Handlers) takeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	expiry, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(expiry)
}
