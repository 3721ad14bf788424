package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/strayline/companion/feed"
	"github.com/strayline/companion/telemetry"
)

// ErrDropped reports that the outbound ceiling refused a reply. The reply is
// gone; callers must not retry it (retrying would defeat the ceiling).
var ErrDropped = errors.New("outbound reply dropped")

// Dispatcher sends replies through the sink within the platform's rate
// limits. Sends over the per-minute ceiling are dropped and counted, never
// queued into a burst. Replies longer than maxLen are truncated with an
// ellipsis.
type Dispatcher struct {
	sink      feed.Sink
	perMinute int
	maxLen    int

	mu        sync.Mutex
	sendTimes []time.Time

	now func() time.Time // stubbed in tests
}

func NewDispatcher(sink feed.Sink, perMinute, maxLen int) *Dispatcher {
	if perMinute <= 0 {
		perMinute = 20
	}
	if maxLen <= 0 {
		maxLen = 200
	}
	return &Dispatcher{sink: sink, perMinute: perMinute, maxLen: maxLen, now: time.Now}
}

// Send truncates and sends one reply. Returns ErrDropped when the sliding
// one-minute window is full.
func (d *Dispatcher) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	// The platform limit is characters, not bytes; slicing runes also keeps
	// emoji in tier labels and AI replies from being cut mid-sequence.
	if r := []rune(text); len(r) > d.maxLen && d.maxLen > 3 {
		text = string(r[:d.maxLen-3]) + "..."
	}

	if !d.allow() {
		telemetry.OutboundDropped.Inc()
		slog.Warn("outbound ceiling reached, reply dropped",
			slog.Int("per_minute", d.perMinute), slog.String("component", "dispatcher"))
		return ErrDropped
	}

	if err := d.sink.Send(ctx, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	telemetry.OutboundSent.Inc()
	return nil
}

// allow consumes one slot from the sliding one-minute window.
func (d *Dispatcher) allow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-time.Minute)
	kept := d.sendTimes[:0]
	for _, t := range d.sendTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.sendTimes = kept

	if len(d.sendTimes) >= d.perMinute {
		return false
	}
	d.sendTimes = append(d.sendTimes, now)
	return true
}
