package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strayline/companion/db"
	"github.com/strayline/companion/testutil"
)

func TestRefreshOnceOutsideWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOAuthToken(ctx, dbx, "test-provider", "access", "refresh", time.Now().Add(time.Hour), "scope"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	called := false
	refreshOnce(ctx, dbx, "test-provider", 15*time.Minute, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		called = true
		return "", "", time.Time{}, "", nil
	})
	if called {
		t.Errorf("token an hour from expiry must not be refreshed with a 15m window")
	}
}

func TestRefreshOnceWithinWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOAuthToken(ctx, dbx, "test-provider", "old-access", "old-refresh", time.Now().Add(5*time.Minute), "scope"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	newExpiry := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	refreshOnce(ctx, dbx, "test-provider", 15*time.Minute, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		if rt != "old-refresh" {
			t.Errorf("refresh token = %q", rt)
		}
		// Empty refresh token: the stored one must be kept.
		return "new-access", "", newExpiry, "", nil
	})

	access, refresh, expiry, scope, err := db.GetOAuthToken(ctx, dbx, "test-provider")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if access != "new-access" || refresh != "old-refresh" || scope != "scope" {
		t.Errorf("stored token = %q / %q / %q", access, refresh, scope)
	}
	if !expiry.Equal(newExpiry) {
		t.Errorf("expiry = %v, want %v", expiry, newExpiry)
	}
}

func TestRefreshOnceFailureKeepsToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOAuthToken(ctx, dbx, "test-provider", "old-access", "old-refresh", time.Now().Add(time.Minute), "scope"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	refreshOnce(ctx, dbx, "test-provider", 15*time.Minute, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("invalid_grant")
	})

	access, refresh, _, _, err := db.GetOAuthToken(ctx, dbx, "test-provider")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if access != "old-access" || refresh != "old-refresh" {
		t.Errorf("failed refresh must leave the row untouched, got %q / %q", access, refresh)
	}
}

func TestRefreshOnceNoRow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	called := false
	refreshOnce(context.Background(), dbx, "absent", 15*time.Minute, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		called = true
		return "", "", time.Time{}, "", nil
	})
	if called {
		t.Errorf("missing row must not trigger a refresh")
	}
}
