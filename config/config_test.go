package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOT_NAME", "")
	t.Setenv("ACHIEVEMENT_TIERS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BotName != "Companion" {
		t.Errorf("BotName = %q, want Companion", cfg.BotName)
	}
	if cfg.CommandPrefix != "!" || cfg.AITriggerPrefix != "?" {
		t.Errorf("unexpected prefixes: %q %q", cfg.CommandPrefix, cfg.AITriggerPrefix)
	}
	want := []int{1, 10, 50, 100}
	if len(cfg.AchievementTiers) != len(want) {
		t.Fatalf("AchievementTiers = %v, want %v", cfg.AchievementTiers, want)
	}
	for i, n := range want {
		if cfg.AchievementTiers[i] != n {
			t.Errorf("AchievementTiers[%d] = %d, want %d", i, cfg.AchievementTiers[i], n)
		}
	}
	if cfg.PollMinInterval != 2*time.Second || cfg.PollMaxInterval != 10*time.Second {
		t.Errorf("unexpected poll bounds: %v..%v", cfg.PollMinInterval, cfg.PollMaxInterval)
	}
	if cfg.OutboundPerMinute != 20 {
		t.Errorf("OutboundPerMinute = %d, want 20", cfg.OutboundPerMinute)
	}
	t.Setenv("DB_DSN", "")
	cfg2, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	// The DSN default lives here and only here; db.Connect takes it verbatim.
	if cfg2.DBDsn == "" {
		t.Errorf("DBDsn default missing")
	}
}

func TestParseTiers(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"1,10,50,100", []int{1, 10, 50, 100}, false},
		{"100, 1 ,50,10", []int{1, 10, 50, 100}, false},
		{"5,5,5", []int{5}, false},
		{"1,,10", []int{1, 10}, false},
		{"0,10", nil, true},
		{"1,banana", nil, true},
		{"", nil, true},
		{"-3", nil, true},
	}
	for _, tc := range cases {
		got, err := ParseTiers(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTiers(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTiers(%q): %v", tc.in, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("ParseTiers(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ParseTiers(%q)[%d] = %d, want %d", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestPollBoundsValidation(t *testing.T) {
	t.Setenv("POLL_MIN_INTERVAL", "10s")
	t.Setenv("POLL_MAX_INTERVAL", "2s")
	if _, err := Load(); err == nil {
		t.Error("expected error when POLL_MAX_INTERVAL < POLL_MIN_INTERVAL")
	}
}

func TestValidateFeedReady(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateFeedReady(); err != nil {
		t.Errorf("expected valid feed config, got %v", err)
	}
	t.Setenv("GOOGLE_CLIENT_SECRET", "")
	cfg, _ = Load()
	if err := cfg.ValidateFeedReady(); err == nil {
		t.Error("expected error when missing google envs")
	}
}

func TestAIEnabled(t *testing.T) {
	t.Setenv("AI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	cfg, _ := Load()
	if cfg.AIEnabled() {
		t.Error("AIEnabled() = true without a key")
	}
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, _ = Load()
	if !cfg.AIEnabled() {
		t.Error("AIEnabled() = false with legacy key set")
	}
}
