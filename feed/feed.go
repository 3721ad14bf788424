// Package feed defines the inbound live-chat feed and outbound sink boundaries,
// plus the YouTube-backed implementation and the backoff polling helper.
//
// The upstream feed is at-least-once: a page may repeat messages already
// delivered in a previous page. Deduplication happens downstream; the feed
// only reports what the platform returned, in platform order.
package feed

import (
	"context"
	"errors"
	"time"
)

// Message is one inbound platform chat event.
type Message struct {
	ID          string
	ViewerID    string
	DisplayName string
	Text        string
	IsModerator bool
	IsOwner     bool
	IsMember    bool
	PublishedAt time.Time

	// Seq is the monotonic sequence position assigned by the fetch loop,
	// not wall time. Zero until the loop stamps it.
	Seq int64
}

// Page is one poll result: messages in upstream delivery order, the
// continuation token for the next poll, and the platform's interval hint.
type Page struct {
	Messages  []Message
	NextToken string
	Hint      time.Duration
}

// Feed polls the upstream chat feed. Implementations must be safe to call
// sequentially from a single loop; they are not required to be goroutine-safe.
type Feed interface {
	Poll(ctx context.Context, token string) (Page, error)
}

// Sink sends a plain-text reply to the chat.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// ErrStreamEnded signals the broadcast/chat has ended. Terminal: the polling
// loop should drain the accompanying page (if any) and shut down.
var ErrStreamEnded = errors.New("live chat stream ended")

// ErrUnavailable signals the feed could not be reached after bounded retries.
// The caller may keep the process alive and try again on the next cycle.
var ErrUnavailable = errors.New("feed unavailable")
