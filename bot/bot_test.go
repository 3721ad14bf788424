package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strayline/companion/ai"
	"github.com/strayline/companion/classify"
	"github.com/strayline/companion/config"
	"github.com/strayline/companion/feed"
	"github.com/strayline/companion/stats"
	"github.com/strayline/companion/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

// fakeSink records every reply sent through the dispatcher.
type fakeSink struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (s *fakeSink) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSink) replies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeStore is an in-memory Store with the same exactly-once and
// achievement-diff semantics as the Postgres one.
type fakeStore struct {
	mu       sync.Mutex
	tiers    []int
	seen     map[string]bool
	counts   map[string]int64
	names    map[string]string
	unlocked map[string]map[int]bool
	start    time.Time
	failNext error
}

func newFakeStore(tiers []int) *fakeStore {
	return &fakeStore{
		tiers:    tiers,
		seen:     make(map[string]bool),
		counts:   make(map[string]int64),
		names:    make(map[string]string),
		unlocked: make(map[string]map[int]bool),
		start:    time.Now().Add(-90 * time.Minute),
	}
}

func (f *fakeStore) RecordMessage(ctx context.Context, msg feed.Message) (stats.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[msg.ID] {
		return stats.Outcome{Duplicate: true}, nil
	}
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return stats.Outcome{}, err
	}
	f.seen[msg.ID] = true
	f.counts[msg.ViewerID]++
	f.names[msg.ViewerID] = msg.DisplayName
	count := f.counts[msg.ViewerID]

	if f.unlocked[msg.ViewerID] == nil {
		f.unlocked[msg.ViewerID] = make(map[int]bool)
	}
	var fired []int
	for _, t := range f.tiers {
		if int64(t) <= count && !f.unlocked[msg.ViewerID][t] {
			f.unlocked[msg.ViewerID][t] = true
			fired = append(fired, t)
		}
	}
	return stats.Outcome{Count: count, FirstEver: count == 1, Unlocked: fired}, nil
}

func (f *fakeStore) Get(ctx context.Context, viewerID string) (*stats.ViewerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count, ok := f.counts[viewerID]
	if !ok {
		return nil, nil
	}
	return &stats.ViewerStats{ViewerID: viewerID, DisplayName: f.names[viewerID], MessageCount: count}, nil
}

func (f *fakeStore) Top(ctx context.Context, n int) ([]stats.RankedViewer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stats.RankedViewer
	for id, c := range f.counts {
		out = append(out, stats.RankedViewer{ViewerID: id, DisplayName: f.names[id], MessageCount: c})
	}
	return out, nil
}

func (f *fakeStore) Uptime() time.Duration { return time.Since(f.start) }

// fakeAsker scripts the AI gateway.
type fakeAsker struct {
	answer string
	err    error
	calls  int
}

func (a *fakeAsker) Ask(ctx context.Context, viewerID, viewerName, question string) (string, error) {
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	return a.answer, nil
}

func testConfig() *config.Config {
	return &config.Config{
		BotName:           "Companion",
		CommandPrefix:     "!",
		AITriggerPrefix:   "?",
		AchievementTiers:  []int{1, 10, 50, 100},
		PollMinInterval:   time.Millisecond,
		PollMaxInterval:   5 * time.Millisecond,
		FetchMaxRetries:   2,
		OutboundPerMinute: 100,
		ReplyMaxLen:       200,
		AITimeout:         time.Second,
		AIWorkers:         2,
	}
}

func newTestEngine(cfg *config.Config, store Store, asker Asker) (*Engine, *fakeSink) {
	sink := &fakeSink{}
	disp := NewDispatcher(sink, cfg.OutboundPerMinute, cfg.ReplyMaxLen)
	cls := classify.New(cfg.CommandPrefix, cfg.AITriggerPrefix, cfg.BotName)
	return New(cfg, nil, disp, store, cls, asker, nil), sink
}

func msgFrom(id, viewer, name, text string) feed.Message {
	return feed.Message{ID: id, ViewerID: viewer, DisplayName: name, Text: text}
}

func TestCommandStatsRoundTrip(t *testing.T) {
	cfg := testConfig()
	store := newFakeStore(cfg.AchievementTiers)
	e, sink := newTestEngine(cfg, store, nil)
	ctx := context.Background()

	// Seed seven messages (suppress achievement noise with high tiers).
	store.tiers = []int{1000}
	for i := 0; i < 7; i++ {
		e.handleMessage(ctx, msgFrom(fmt.Sprintf("m%d", i), "v1", "alice", "hello"))
	}
	e.handleMessage(ctx, msgFrom("cmd", "v1", "alice", "!stats"))

	replies := sink.replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v, want exactly one", replies)
	}
	// Count is 8 including the command message itself.
	if !strings.Contains(replies[0], "8") || !strings.Contains(replies[0], "alice") {
		t.Errorf("stats reply = %q", replies[0])
	}
}

func TestCommandHelpListsCommands(t *testing.T) {
	cfg := testConfig()
	store := newFakeStore([]int{1000})
	e, sink := newTestEngine(cfg, store, nil)

	e.handleMessage(context.Background(), msgFrom("m1", "v1", "alice", "!help"))

	replies := sink.replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v", replies)
	}
	for _, want := range []string{"!help", "!stats", "!top", "!uptime"} {
		if !strings.Contains(replies[0], want) {
			t.Errorf("help reply %q missing %s", replies[0], want)
		}
	}
}

func TestUnknownCommandFallback(t *testing.T) {
	cfg := testConfig()
	e, sink := newTestEngine(cfg, newFakeStore([]int{1000}), nil)

	e.handleMessage(context.Background(), msgFrom("m1", "v1", "alice", "!foobar"))

	replies := sink.replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v, want exactly one fallback", replies)
	}
	if !strings.Contains(replies[0], "Unknown command") || !strings.Contains(replies[0], "!help") {
		t.Errorf("fallback reply = %q", replies[0])
	}
}

func TestSettitleModGate(t *testing.T) {
	cfg := testConfig()
	e, sink := newTestEngine(cfg, newFakeStore([]int{1000}), nil)
	ctx := context.Background()

	e.handleMessage(ctx, msgFrom("m1", "v1", "alice", "!settitle new title"))
	mod := msgFrom("m2", "v2", "bob", "!settitle speedrun time")
	mod.IsModerator = true
	e.handleMessage(ctx, mod)

	replies := sink.replies()
	if len(replies) != 2 {
		t.Fatalf("replies = %v", replies)
	}
	if !strings.Contains(replies[0], "only mods") {
		t.Errorf("non-mod reply = %q", replies[0])
	}
	if !strings.Contains(replies[1], "speedrun time") {
		t.Errorf("mod reply = %q", replies[1])
	}
}

func TestMilestoneBurst(t *testing.T) {
	cfg := testConfig()
	e, sink := newTestEngine(cfg, newFakeStore([]int{1, 10}), nil)
	ctx := context.Background()

	// First message, then a burst carrying the viewer to their 10th.
	for i := 1; i <= 10; i++ {
		e.handleMessage(ctx, msgFrom(fmt.Sprintf("m%d", i), "v1", "alice", "pog"))
	}

	var fired []string
	for _, r := range sink.replies() {
		if strings.Contains(r, "just hit") {
			fired = append(fired, r)
		}
	}
	if len(fired) != 2 {
		t.Fatalf("achievement replies = %v, want exactly two", fired)
	}
	// Ascending threshold order: first-message tier before the 10-message tier.
	if !strings.Contains(fired[0], stats.TierLabel(1)) {
		t.Errorf("first achievement reply = %q", fired[0])
	}
	if !strings.Contains(fired[1], stats.TierLabel(10)) {
		t.Errorf("second achievement reply = %q", fired[1])
	}
}

func TestDuplicateProducesNoEffects(t *testing.T) {
	cfg := testConfig()
	e, sink := newTestEngine(cfg, newFakeStore([]int{1}), nil)
	ctx := context.Background()

	m := msgFrom("m1", "v1", "alice", "!stats")
	e.handleMessage(ctx, m)
	before := len(sink.replies())
	e.handleMessage(ctx, m) // redelivery

	if got := len(sink.replies()); got != before {
		t.Errorf("duplicate produced %d extra replies", got-before)
	}
}

func TestStatsFailureSendsNoReply(t *testing.T) {
	cfg := testConfig()
	store := newFakeStore([]int{1})
	store.failNext = errors.New("connection refused")
	e, sink := newTestEngine(cfg, store, nil)
	ctx := context.Background()

	m := msgFrom("m1", "v1", "alice", "!stats")
	e.handleMessage(ctx, m)
	if len(sink.replies()) != 0 {
		t.Fatalf("failed persistence must not reply, got %v", sink.replies())
	}

	// The message was left reprocessable: the retry succeeds and replies.
	e.handleMessage(ctx, m)
	if len(sink.replies()) == 0 {
		t.Errorf("retry after persistence failure produced no reply")
	}
}

func TestAIQueryAnswered(t *testing.T) {
	cfg := testConfig()
	asker := &fakeAsker{answer: "the capital is Lima"}
	e, sink := newTestEngine(cfg, newFakeStore([]int{1000}), asker)

	e.handleMessage(context.Background(), msgFrom("m1", "v1", "alice", "?what is the capital of Peru"))
	_ = e.aiGroup.Wait()

	replies := sink.replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v, want exactly one", replies)
	}
	if !strings.Contains(replies[0], "Lima") || !strings.Contains(replies[0], "alice") {
		t.Errorf("ai reply = %q", replies[0])
	}
	if asker.calls != 1 {
		t.Errorf("asker calls = %d", asker.calls)
	}
}

func TestAIFallbackExactlyOneReply(t *testing.T) {
	cfg := testConfig()
	asker := &fakeAsker{err: ai.ErrUnavailable}
	e, sink := newTestEngine(cfg, newFakeStore([]int{1000}), asker)

	e.handleMessage(context.Background(), msgFrom("m1", "v1", "alice", "?anyone there"))
	_ = e.aiGroup.Wait()

	replies := sink.replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v, want exactly one fallback", replies)
	}
	if !strings.Contains(replies[0], "interesting") {
		t.Errorf("fallback reply = %q", replies[0])
	}
}

func TestAIRateLimitedReply(t *testing.T) {
	cfg := testConfig()
	asker := &fakeAsker{err: ai.ErrRateLimited}
	e, sink := newTestEngine(cfg, newFakeStore([]int{1000}), asker)

	e.handleMessage(context.Background(), msgFrom("m1", "v1", "alice", "?again"))
	_ = e.aiGroup.Wait()

	replies := sink.replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v", replies)
	}
	if !strings.Contains(replies[0], "one question at a time") {
		t.Errorf("rate-limit reply = %q", replies[0])
	}
}

func TestNilAskerStaticFallback(t *testing.T) {
	cfg := testConfig()
	e, sink := newTestEngine(cfg, newFakeStore([]int{1000}), nil)

	e.handleMessage(context.Background(), msgFrom("m1", "v1", "alice", "?hello"))
	_ = e.aiGroup.Wait()

	replies := sink.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "interesting") {
		t.Errorf("replies = %v", replies)
	}
}

func TestEngineSkipsOwnMessages(t *testing.T) {
	cfg := testConfig()
	store := newFakeStore([]int{1})
	e, sink := newTestEngine(cfg, store, nil)
	e.OwnChannelID = "bot-chan"

	e.processPage(context.Background(), feed.Page{Messages: []feed.Message{
		msgFrom("m1", "bot-chan", "Companion", "I am the bot"),
		msgFrom("m2", "v1", "alice", "hi"),
	}})

	if store.seen["m1"] {
		t.Errorf("own message must not be counted")
	}
	if !store.seen["m2"] {
		t.Errorf("viewer message should be counted")
	}
	// alice's first message fires tier 1.
	if len(sink.replies()) != 1 {
		t.Errorf("replies = %v", sink.replies())
	}
}

func TestEngineCountsImpersonatorMessages(t *testing.T) {
	cfg := testConfig()
	store := newFakeStore([]int{1000})
	e, _ := newTestEngine(cfg, store, nil)
	e.OwnChannelID = "bot-chan"

	// A viewer who renames themselves to the bot's name is still a viewer:
	// identity is the channel id.
	e.processPage(context.Background(), feed.Page{Messages: []feed.Message{
		msgFrom("m1", "v666", "Companion", "hello everyone"),
	}})

	if !store.seen["m1"] {
		t.Errorf("message from a viewer sharing the bot's display name must be counted")
	}
	if store.counts["v666"] != 1 {
		t.Errorf("count = %d, want 1", store.counts["v666"])
	}
}

// runFeed yields one page of messages, then reports the stream ended.
type runFeed struct {
	pages []feed.Page
	calls int
}

func (r *runFeed) Poll(ctx context.Context, token string) (feed.Page, error) {
	if r.calls >= len(r.pages) {
		return feed.Page{}, feed.ErrStreamEnded
	}
	p := r.pages[r.calls]
	r.calls++
	return p, nil
}

func TestRunProcessesUntilStreamEnds(t *testing.T) {
	cfg := testConfig()
	store := newFakeStore([]int{1000})
	sink := &fakeSink{}
	disp := NewDispatcher(sink, cfg.OutboundPerMinute, cfg.ReplyMaxLen)
	cls := classify.New(cfg.CommandPrefix, cfg.AITriggerPrefix, cfg.BotName)
	f := &runFeed{pages: []feed.Page{
		{Messages: []feed.Message{msgFrom("m1", "v1", "alice", "hi")}, NextToken: "t1"},
		{Messages: []feed.Message{msgFrom("m2", "v1", "alice", "!stats")}, NextToken: "t2"},
	}}
	e := New(cfg, f, disp, store, cls, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if store.counts["v1"] != 2 {
		t.Errorf("count = %d, want 2", store.counts["v1"])
	}
	replies := sink.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "2") {
		t.Errorf("replies = %v", replies)
	}
	// Sequence positions are stamped in delivery order.
	if e.nextSeq != 2 {
		t.Errorf("nextSeq = %d, want 2", e.nextSeq)
	}
}

func TestClampInterval(t *testing.T) {
	min, max := 2*time.Second, 10*time.Second
	tests := []struct {
		hint time.Duration
		want time.Duration
	}{
		{0, min},
		{time.Second, min},
		{5 * time.Second, 5 * time.Second},
		{time.Minute, max},
	}
	for _, tt := range tests {
		if got := clampInterval(tt.hint, min, max); got != tt.want {
			t.Errorf("clampInterval(%v) = %v, want %v", tt.hint, got, tt.want)
		}
	}
}

func TestFormatUptime(t *testing.T) {
	if got := formatUptime(90 * time.Minute); got != "1h 30m" {
		t.Errorf("formatUptime(90m) = %q", got)
	}
	if got := formatUptime(5*time.Minute + 8*time.Second); got != "5m 8s" {
		t.Errorf("formatUptime(5m8s) = %q", got)
	}
}
