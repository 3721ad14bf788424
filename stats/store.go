// Package stats owns the durable per-viewer engagement counters and the
// achievement engine. All mutation goes through RecordMessage, the single
// serialized entry point: the dedup reservation, the counter increment, and
// the achievement diff run in one transaction under one mutex, so concurrent
// messages can neither lose an update nor double-fire a milestone.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/strayline/companion/dedup"
	"github.com/strayline/companion/feed"
)

// ViewerStats is one viewer's row for the current durable-storage lifetime.
type ViewerStats struct {
	ViewerID     string
	DisplayName  string
	MessageCount int64
	FirstSeen    time.Time
	LastSeen     time.Time
	FirstSeenSeq int64
	LastSeenSeq  int64
}

// RankedViewer is one !top leaderboard entry.
type RankedViewer struct {
	ViewerID     string
	DisplayName  string
	MessageCount int64
}

// Outcome reports what RecordMessage did for one inbound message.
type Outcome struct {
	Duplicate bool
	Count     int64
	FirstEver bool
	// Unlocked lists newly crossed thresholds in ascending order.
	Unlocked []int
}

// Store serializes access to viewer statistics.
type Store struct {
	db           *sql.DB
	ledger       *dedup.Ledger
	tiers        []int
	sessionStart time.Time

	mu sync.Mutex
}

// New builds a Store. tiers must already be normalized ascending
// (config.ParseTiers); sessionStart is the uptime basis (broadcast start).
func New(db *sql.DB, ledger *dedup.Ledger, tiers []int, sessionStart time.Time) *Store {
	copied := make([]int, len(tiers))
	copy(copied, tiers)
	return &Store{db: db, ledger: ledger, tiers: copied, sessionStart: sessionStart}
}

// RecordMessage is the exactly-once processing point for an inbound message.
// It reserves the message id in the dedup ledger, increments the viewer's
// counter, and diffs achievements, all in one transaction. A commit failure
// leaves the message unreserved so it can be safely reprocessed; a Duplicate
// outcome means every side effect already happened for this id.
func (s *Store) RecordMessage(ctx context.Context, msg feed.Message) (Outcome, error) {
	if s.ledger.Seen(msg.ID) {
		return Outcome{Duplicate: true}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin stats tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.ledger.Reserve(ctx, tx, msg.ID, msg.Seq)
	if err != nil {
		return Outcome{}, err
	}
	if res == dedup.Duplicate {
		// Durable ledger knew about it but memory did not (restart warm-up
		// race); heal the fast path.
		s.ledger.Commit(msg.ID)
		return Outcome{Duplicate: true}, nil
	}

	var count int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO viewer_stats (viewer_id, display_name, message_count, first_seen, last_seen, first_seen_seq, last_seen_seq)
		VALUES ($1, $2, 1, NOW(), NOW(), $3, $3)
		ON CONFLICT (viewer_id) DO UPDATE SET
			message_count = viewer_stats.message_count + 1,
			display_name = EXCLUDED.display_name,
			last_seen = NOW(),
			last_seen_seq = EXCLUDED.last_seen_seq
		RETURNING message_count`, msg.ViewerID, msg.DisplayName, msg.Seq).Scan(&count)
	if err != nil {
		return Outcome{}, fmt.Errorf("increment viewer count: %w", err)
	}

	var unlocked []int
	for _, tier := range candidates(s.tiers, count) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO viewer_achievements (viewer_id, threshold) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
			msg.ViewerID, tier)
		if err != nil {
			return Outcome{}, fmt.Errorf("unlock achievement %d: %w", tier, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			unlocked = append(unlocked, tier)
		}
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("commit stats tx: %w", err)
	}
	s.ledger.Commit(msg.ID)

	return Outcome{Count: count, FirstEver: count == 1, Unlocked: unlocked}, nil
}

// Get returns the viewer's stats, or nil when the viewer is unknown.
func (s *Store) Get(ctx context.Context, viewerID string) (*ViewerStats, error) {
	v := &ViewerStats{ViewerID: viewerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT display_name, message_count, first_seen, last_seen, first_seen_seq, last_seen_seq
		FROM viewer_stats WHERE viewer_id = $1`, viewerID).
		Scan(&v.DisplayName, &v.MessageCount, &v.FirstSeen, &v.LastSeen, &v.FirstSeenSeq, &v.LastSeenSeq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get viewer stats: %w", err)
	}
	return v, nil
}

// Top returns up to n viewers ordered by message count descending; ties break
// toward the viewer seen earliest in the session.
func (s *Store) Top(ctx context.Context, n int) ([]RankedViewer, error) {
	if n <= 0 {
		n = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT viewer_id, display_name, message_count
		FROM viewer_stats
		ORDER BY message_count DESC, first_seen_seq ASC
		LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("top viewers: %w", err)
	}
	defer rows.Close()
	var out []RankedViewer
	for rows.Next() {
		var r RankedViewer
		if err := rows.Scan(&r.ViewerID, &r.DisplayName, &r.MessageCount); err != nil {
			return nil, fmt.Errorf("scan top viewer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Uptime is the duration since session (broadcast) start.
func (s *Store) Uptime() time.Duration {
	return time.Since(s.sessionStart)
}

// Totals returns the number of known viewers and the sum of their message
// counts. Package-level because the status endpoint reads it without a
// session-scoped Store.
func Totals(ctx context.Context, dbx *sql.DB) (viewers, messages int64, err error) {
	err = dbx.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(SUM(message_count), 0) FROM viewer_stats`).Scan(&viewers, &messages)
	if err != nil {
		return 0, 0, fmt.Errorf("viewer totals: %w", err)
	}
	return viewers, messages, nil
}
