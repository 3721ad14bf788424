package stats

import "fmt"

// tierLabels are the celebratory labels for well-known thresholds.
var tierLabels = map[int]string{
	1:   "first message 🎉",
	10:  "10 messages 🔟",
	50:  "50 messages 🥳",
	100: "100 messages 💯",
	250: "250 messages 🚀",
	500: "500 messages 🐐",
}

// TierLabel returns the celebratory label for a threshold.
func TierLabel(n int) string {
	if label, ok := tierLabels[n]; ok {
		return label
	}
	return fmt.Sprintf("%d messages 🎊", n)
}

// candidates returns the thresholds in tiers (assumed ascending) that are
// <= count, preserving ascending order. The caller diffs them against the
// already-unlocked set inside the increment transaction.
func candidates(tiers []int, count int64) []int {
	var out []int
	for _, t := range tiers {
		if int64(t) > count {
			break
		}
		out = append(out, t)
	}
	return out
}
