// Package dedup maintains the idempotency ledger of already-processed message
// ids. It is the exactly-once boundary for the pipeline: a message id that
// Reserve has committed is never forwarded downstream again, no matter how
// often the at-least-once upstream feed redelivers it.
//
// The ledger is two-layered: an in-memory set answers the fast duplicate
// check, and the seen_messages table makes acceptance durable. The durable
// insert runs inside the caller's transaction (the same one that increments
// viewer counters), so a failed stats write leaves the message unreserved and
// safely reprocessable.
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Result reports the outcome of a duplicate check.
type Result int

const (
	Accepted Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

// Ledger is the session-scoped set of processed message ids.
type Ledger struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// Warm loads previously reserved ids from seen_messages so a restart
// mid-broadcast does not double count. Returns the number of ids loaded.
func (l *Ledger) Warm(ctx context.Context, db *sql.DB) (int, error) {
	rows, err := db.QueryContext(ctx, `SELECT message_id FROM seen_messages`)
	if err != nil {
		return 0, fmt.Errorf("load seen messages: %w", err)
	}
	defer rows.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return n, fmt.Errorf("scan seen message: %w", err)
		}
		l.seen[id] = struct{}{}
		n++
	}
	return n, rows.Err()
}

// Seen reports whether id has already been committed. This is the cheap
// pre-filter; the authoritative decision is Reserve's durable insert.
func (l *Ledger) Seen(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[id]
	return ok
}

// Reserve records id in seen_messages inside the caller's transaction.
// Returns Duplicate when the id was already present. The reservation only
// becomes visible to Seen after Commit, which the caller must invoke once
// the surrounding transaction has committed.
func (l *Ledger) Reserve(ctx context.Context, tx *sql.Tx, id string, seq int64) (Result, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO seen_messages (message_id, seq) VALUES ($1,$2) ON CONFLICT (message_id) DO NOTHING`, id, seq)
	if err != nil {
		return Duplicate, fmt.Errorf("reserve message id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("reserve rows affected: %w", err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Accepted, nil
}

// Commit adds id to the in-memory set. Call after the reserving transaction
// has committed; calling it for an already-known id is harmless.
func (l *Ledger) Commit(id string) {
	l.mu.Lock()
	l.seen[id] = struct{}{}
	l.mu.Unlock()
}

// Size returns the number of ids in the in-memory set (dedup metrics).
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.seen)
}
