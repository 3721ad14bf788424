package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/strayline/companion/classify"
	"github.com/strayline/companion/feed"
	"github.com/strayline/companion/telemetry"
)

// handleCommand renders the reply for one chat command. Unknown commands get
// the !help pointer rather than silence. Errors here mean a store read
// failed; the caller logs and skips the reply.
func (e *Engine) handleCommand(ctx context.Context, msg feed.Message, intent classify.Intent) (string, error) {
	switch intent.Command {
	case "help", "commands":
		telemetry.CommandsHandled.Inc()
		return fmt.Sprintf("Commands: %shelp, %sstats, %stop, %suptime, %ssettitle",
			e.cfg.CommandPrefix, e.cfg.CommandPrefix, e.cfg.CommandPrefix, e.cfg.CommandPrefix, e.cfg.CommandPrefix), nil

	case "stats":
		telemetry.CommandsHandled.Inc()
		v, err := e.store.Get(ctx, msg.ViewerID)
		if err != nil {
			return "", err
		}
		if v == nil {
			return fmt.Sprintf("%s, I haven't counted any messages from you yet.", msg.DisplayName), nil
		}
		return fmt.Sprintf("%s, you've sent %d messages this stream.", msg.DisplayName, v.MessageCount), nil

	case "top":
		telemetry.CommandsHandled.Inc()
		ranked, err := e.store.Top(ctx, 5)
		if err != nil {
			return "", err
		}
		if len(ranked) == 0 {
			return "No chatters counted yet.", nil
		}
		parts := make([]string, 0, len(ranked))
		for i, r := range ranked {
			parts = append(parts, fmt.Sprintf("%d. %s (%d)", i+1, r.DisplayName, r.MessageCount))
		}
		return "Top chatters: " + strings.Join(parts, " | "), nil

	case "uptime":
		telemetry.CommandsHandled.Inc()
		return fmt.Sprintf("Stream has been live for %s.", formatUptime(e.store.Uptime())), nil

	case "settitle":
		telemetry.CommandsHandled.Inc()
		if !msg.IsModerator && !msg.IsOwner {
			return fmt.Sprintf("%s, only mods can change the title.", msg.DisplayName), nil
		}
		title := strings.TrimSpace(strings.Join(intent.Args, " "))
		if title == "" {
			return fmt.Sprintf("Usage: %ssettitle <new title>", e.cfg.CommandPrefix), nil
		}
		return fmt.Sprintf("Title noted: %q (stream settings are updated manually for now).", title), nil

	default:
		telemetry.UnknownCommands.Inc()
		return fmt.Sprintf("Unknown command. Try %shelp", e.cfg.CommandPrefix), nil
	}
}

// formatUptime renders a duration as "1h 23m" / "23m 8s" for chat.
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
