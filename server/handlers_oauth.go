package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/strayline/companion/telemetry"
)

// HandleGoogleOAuthStart redirects the operator to Google's consent screen.
// Run once per deployment; the refresh token keeps the session alive after.
func (h *Handlers) HandleGoogleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		http.Error(w, "oauth not configured (need GOOGLE_CLIENT_ID + GOOGLE_CLIENT_SECRET)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	state := hex.EncodeToString(b)
	h.addOAuthState(state, time.Now().Add(10*time.Minute))
	http.Redirect(w, r, h.auth.AuthCodeURL(state), http.StatusFound)
}

// HandleGoogleOAuthCallback exchanges the auth code and persists the token.
func (h *Handlers) HandleGoogleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.takeOAuthState(state) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tok, err := h.auth.Exchange(ctx, code)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("oauth exchange failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}
	telemetry.LoggerWithCorr(ctx).Info("google oauth token stored",
		slog.Time("expires_at", tok.Expiry), slog.String("component", "http"))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("authorized: the bot can now join your live chat"))
}
