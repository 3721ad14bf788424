// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles        prometheus.Counter
	PollFailures      prometheus.Counter
	MessagesIngested  prometheus.Counter
	DuplicatesDropped prometheus.Counter
	CommandsHandled   prometheus.Counter
	UnknownCommands   prometheus.Counter
	AIRequests        prometheus.Counter
	AIFailures        prometheus.Counter
	AIRateLimited     prometheus.Counter
	AchievementsFired prometheus.Counter
	OutboundSent      prometheus.Counter
	OutboundDropped   prometheus.Counter
	StatsFailures     prometheus.Counter

	// Histograms (seconds)
	PollDuration prometheus.Observer
	AIDuration   prometheus.Observer

	// Gauges
	FeedUpGauge     prometheus.Gauge // 1=feed reachable, 0=degraded
	AIInFlightGauge prometheus.Gauge
	DedupSizeGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_poll_cycles_total", Help: "Number of feed poll cycles"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_poll_failures_total", Help: "Number of poll cycles that exhausted retries"})
		MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_messages_ingested_total", Help: "Number of distinct chat messages accepted"})
		DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_duplicates_dropped_total", Help: "Number of redelivered messages dropped by the dedup ledger"})
		CommandsHandled = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_commands_handled_total", Help: "Number of chat commands handled"})
		UnknownCommands = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_unknown_commands_total", Help: "Number of unknown commands answered with the fallback"})
		AIRequests = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_ai_requests_total", Help: "Number of AI queries forwarded to the gateway"})
		AIFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_ai_failures_total", Help: "Number of AI calls that ended unavailable"})
		AIRateLimited = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_ai_rate_limited_total", Help: "Number of AI queries refused by the rate limiter"})
		AchievementsFired = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_achievements_fired_total", Help: "Number of achievement milestones fired"})
		OutboundSent = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_outbound_sent_total", Help: "Number of replies sent to the chat"})
		OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_outbound_dropped_total", Help: "Number of replies dropped by the outbound ceiling"})
		StatsFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "companion_stats_failures_total", Help: "Number of stats persistence failures"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "companion_poll_duration_seconds", Help: "Feed poll duration seconds", Buckets: prometheus.DefBuckets})
		AIDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "companion_ai_duration_seconds", Help: "AI gateway call duration seconds", Buckets: prometheus.DefBuckets})
		FeedUpGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "companion_feed_up", Help: "Feed reachable=1 degraded=0"})
		AIInFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "companion_ai_in_flight", Help: "Number of AI calls currently in flight"})
		DedupSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "companion_dedup_ledger_size", Help: "Number of message ids in the dedup ledger"})
	})
}

// SetFeedUp records whether the feed is currently reachable.
func SetFeedUp(up bool) {
	if FeedUpGauge != nil {
		if up {
			FeedUpGauge.Set(1)
		} else {
			FeedUpGauge.Set(0)
		}
	}
}

// SetDedupSize records the current size of the dedup ledger.
func SetDedupSize(n int) {
	if DedupSizeGauge != nil {
		DedupSizeGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
