// Package oauth keeps persisted provider tokens fresh in the background. The
// live chat client refreshes lazily on use, but a long idle stretch between
// broadcasts would let the token lapse; the refresher closes that gap.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/strayline/companion/db"
)

// RefreshFunc exchanges a refresh token for a new credential set. It returns
// (access, refresh, expiry, scope); an empty refresh or scope keeps the
// stored value.
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that wakes on a jittered interval and
// refreshes the provider's row in oauth_tokens once its remaining lifetime
// falls inside window. It returns immediately; the goroutine exits with ctx.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	go func() {
		for {
			// Jitter spreads the wake-ups of concurrent instances.
			jitter := time.Duration(rand.Int63n(int64(interval/5)+1)) - interval/10
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
			refreshOnce(ctx, dbx, provider, window, fn)
		}
	}()
}

func refreshOnce(ctx context.Context, dbx *sql.DB, provider string, window time.Duration, fn RefreshFunc) {
	access, refresh, expiry, scope, err := db.GetOAuthToken(ctx, dbx, provider)
	if err != nil {
		slog.Warn("token lookup failed", slog.String("provider", provider), slog.Any("err", err), slog.String("component", "oauth"))
		return
	}
	if refresh == "" {
		return // nothing persisted yet; the callback flow has not run
	}
	if access != "" && time.Until(expiry) > window {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAccess, newRefresh, newExpiry, newScope, err := fn(rctx, refresh)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err), slog.String("component", "oauth"))
		return
	}
	if newRefresh == "" {
		newRefresh = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, dbx, provider, newAccess, newRefresh, newExpiry, newScope); err != nil {
		slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err), slog.String("component", "oauth"))
		return
	}
	slog.Info("token refreshed", slog.String("provider", provider), slog.Time("expires_at", newExpiry), slog.String("component", "oauth"))
}
