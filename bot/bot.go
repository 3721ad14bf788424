// Package bot runs the reaction engine: one polling loop drives ingestion
// through the dedup ledger and stats store, classified intents produce
// replies, and AI calls run on a bounded worker pool so a slow upstream never
// blocks the next poll cycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strayline/companion/ai"
	"github.com/strayline/companion/classify"
	"github.com/strayline/companion/config"
	"github.com/strayline/companion/dedup"
	"github.com/strayline/companion/feed"
	"github.com/strayline/companion/stats"
	"github.com/strayline/companion/telemetry"
)

// Store is the slice of the stats store the engine needs. Split out so engine
// tests can substitute an in-memory fake without Postgres.
type Store interface {
	RecordMessage(ctx context.Context, msg feed.Message) (stats.Outcome, error)
	Get(ctx context.Context, viewerID string) (*stats.ViewerStats, error)
	Top(ctx context.Context, n int) ([]stats.RankedViewer, error)
	Uptime() time.Duration
}

// Asker is the AI gateway boundary. A nil Asker disables AI and every query
// gets the static fallback.
type Asker interface {
	Ask(ctx context.Context, viewerID, viewerName, question string) (string, error)
}

// Engine wires the feed, the dedup-backed stats store, the classifier, the
// dispatcher and the AI gateway into the single processing pipeline.
type Engine struct {
	cfg    *config.Config
	feed   feed.Feed
	disp   *Dispatcher
	store  Store
	cls    *classify.Classifier
	ai     Asker
	ledger *dedup.Ledger

	// Heartbeat, when set, is called once per poll cycle (kv job heartbeat).
	Heartbeat func(ctx context.Context) error

	// OwnChannelID is the authorized account's channel id. Messages from it
	// are skipped so the bot never reacts to its own replies. Viewers can
	// set any display name, so identity is the channel id, never the name.
	OwnChannelID string

	nextSeq  int64
	aiGroup  *errgroup.Group
	aiCtx    context.Context
	aiCancel context.CancelFunc
}

// New builds an Engine. asker and ledger may be nil (AI disabled / no dedup
// gauge). The AI worker pool is bounded by cfg.AIWorkers.
func New(cfg *config.Config, f feed.Feed, disp *Dispatcher, store Store, cls *classify.Classifier, asker Asker, ledger *dedup.Ledger) *Engine {
	g := &errgroup.Group{}
	workers := cfg.AIWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	// AI calls outlive a canceled poll loop for one grace period, so the
	// worker context is detached from the run context.
	aiCtx, aiCancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		feed:     f,
		disp:     disp,
		store:    store,
		cls:      cls,
		ai:       asker,
		ledger:   ledger,
		aiGroup:  g,
		aiCtx:    aiCtx,
		aiCancel: aiCancel,
	}
}

// Run polls the feed until the stream ends or ctx is canceled. The
// continuation token only advances on a successful poll, so a degraded cycle
// resumes from the same read position. Returns nil on a clean stop.
func (e *Engine) Run(ctx context.Context) error {
	defer e.aiCancel()

	token := ""
	interval := e.cfg.PollMinInterval
	for {
		start := time.Now()
		page, err := feed.PollWithBackoff(ctx, e.feed, token, e.cfg.FetchMaxRetries, e.cfg.PollMinInterval)
		telemetry.PollDuration.Observe(time.Since(start).Seconds())
		telemetry.PollCycles.Inc()

		switch {
		case errors.Is(err, feed.ErrStreamEnded):
			telemetry.SetFeedUp(false)
			slog.Info("stream ended, draining final page",
				slog.Int("messages", len(page.Messages)), slog.String("component", "bot"))
			e.processPage(ctx, page)
			return e.drainAI()

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return e.drainAI()

		case err != nil:
			telemetry.PollFailures.Inc()
			telemetry.SetFeedUp(false)
			slog.Warn("feed unavailable, running degraded", slog.Any("err", err), slog.String("component", "bot"))
			interval = e.cfg.PollMaxInterval

		default:
			telemetry.SetFeedUp(true)
			e.processPage(ctx, page)
			if page.NextToken != "" {
				token = page.NextToken
			}
			interval = clampInterval(page.Hint, e.cfg.PollMinInterval, e.cfg.PollMaxInterval)
		}

		if e.Heartbeat != nil {
			if err := e.Heartbeat(ctx); err != nil {
				slog.Warn("heartbeat failed", slog.Any("err", err), slog.String("component", "bot"))
			}
		}
		if e.ledger != nil {
			telemetry.SetDedupSize(e.ledger.Size())
		}

		select {
		case <-ctx.Done():
			return e.drainAI()
		case <-time.After(interval):
		}
	}
}

// drainAI gives in-flight AI calls one grace period, then abandons them.
func (e *Engine) drainAI() error {
	done := make(chan struct{})
	go func() {
		_ = e.aiGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.AITimeout):
		slog.Warn("abandoning in-flight AI calls", slog.String("component", "bot"))
		e.aiCancel()
		<-done
	}
	slog.Info("engine stopped", slog.String("component", "bot"))
	return nil
}

// processPage stamps sequence positions and handles each message in upstream
// delivery order.
func (e *Engine) processPage(ctx context.Context, page feed.Page) {
	for _, msg := range page.Messages {
		if e.OwnChannelID != "" && msg.ViewerID == e.OwnChannelID {
			continue // never react to our own messages
		}
		e.nextSeq++
		msg.Seq = e.nextSeq
		e.handleMessage(ctx, msg)
	}
}

// handleMessage is the exactly-once reaction point for one inbound message.
// A stats persistence failure leaves the message unreserved, so a later
// redelivery processes it cleanly; no reply is sent for the failed attempt.
func (e *Engine) handleMessage(ctx context.Context, msg feed.Message) {
	outcome, err := e.store.RecordMessage(ctx, msg)
	if err != nil {
		telemetry.StatsFailures.Inc()
		telemetry.LoggerWithCorr(ctx).Error("stats persistence failed, message left reprocessable",
			slog.String("message_id", msg.ID), slog.Any("err", err), slog.String("component", "bot"))
		return
	}
	if outcome.Duplicate {
		telemetry.DuplicatesDropped.Inc()
		return
	}
	telemetry.MessagesIngested.Inc()

	for _, tier := range outcome.Unlocked {
		telemetry.AchievementsFired.Inc()
		reply := fmt.Sprintf("%s just hit %s!", msg.DisplayName, stats.TierLabel(tier))
		if err := e.disp.Send(ctx, reply); err != nil && !errors.Is(err, ErrDropped) {
			slog.Warn("achievement reply failed", slog.Int("threshold", tier), slog.Any("err", err), slog.String("component", "bot"))
		}
	}

	intent := e.cls.Classify(msg.Text)
	switch intent.Kind {
	case classify.KindCommand:
		reply, err := e.handleCommand(ctx, msg, intent)
		if err != nil {
			slog.Error("command handler failed", slog.String("command", intent.Command), slog.Any("err", err), slog.String("component", "bot"))
			return
		}
		if err := e.disp.Send(ctx, reply); err != nil && !errors.Is(err, ErrDropped) {
			slog.Warn("command reply failed", slog.String("command", intent.Command), slog.Any("err", err), slog.String("component", "bot"))
		}

	case classify.KindAIQuery:
		e.scheduleAI(msg, intent.Question)
	}
}

// scheduleAI runs the AI round trip on the bounded worker pool. Exactly one
// reply goes out per query: the model's answer, the rate-limit notice, or the
// static fallback.
func (e *Engine) scheduleAI(msg feed.Message, question string) {
	telemetry.AIRequests.Inc()
	e.aiGroup.Go(func() error {
		telemetry.AIInFlightGauge.Inc()
		defer telemetry.AIInFlightGauge.Dec()

		reply := e.askAI(e.aiCtx, msg, question)
		if err := e.disp.Send(e.aiCtx, reply); err != nil && !errors.Is(err, ErrDropped) {
			slog.Warn("ai reply failed", slog.Any("err", err), slog.String("component", "bot"))
		}
		return nil
	})
}

func (e *Engine) askAI(ctx context.Context, msg feed.Message, question string) string {
	if e.ai == nil {
		return fmt.Sprintf("%s, interesting!", msg.DisplayName)
	}
	start := time.Now()
	answer, err := e.ai.Ask(ctx, msg.ViewerID, msg.DisplayName, question)
	telemetry.AIDuration.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, ai.ErrRateLimited):
		telemetry.AIRateLimited.Inc()
		return fmt.Sprintf("%s, one question at a time! Ask me again in a minute.", msg.DisplayName)
	case err != nil:
		telemetry.AIFailures.Inc()
		slog.Warn("ai call failed, using fallback", slog.Any("err", err), slog.String("component", "bot"))
		return fmt.Sprintf("%s, interesting!", msg.DisplayName)
	}
	return fmt.Sprintf("%s, %s", msg.DisplayName, answer)
}

// clampInterval bounds the platform's polling hint to the configured window.
func clampInterval(hint, min, max time.Duration) time.Duration {
	if hint <= 0 {
		return min
	}
	if hint < min {
		return min
	}
	if hint > max {
		return max
	}
	return hint
}
