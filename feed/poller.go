package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// maxBackoff caps the exponential retry delay regardless of attempt count.
const maxBackoff = 30 * time.Second

// PollWithBackoff calls f.Poll, retrying transient failures with exponential
// backoff up to maxAttempts. Terminal conditions (stream ended, chat gone)
// pass through immediately as ErrStreamEnded. When the retry budget is
// exhausted the last error is wrapped in ErrUnavailable so the caller can
// degrade without crashing; the continuation token is untouched on failure,
// so the next successful poll resumes from the same read position.
func PollWithBackoff(ctx context.Context, f Feed, token string, maxAttempts int, baseDelay time.Duration) (Page, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Page{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}
		page, err := f.Poll(ctx, token)
		if err == nil || IsTerminalError(err) {
			return page, err
		}
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		lastErr = err
		slog.Warn("feed poll failed", slog.Int("attempt", attempt+1), slog.Int("max_attempts", maxAttempts), slog.Any("err", err), slog.String("component", "feed"))
	}
	return Page{}, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, maxAttempts, lastErr)
}
