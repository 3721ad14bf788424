// Package classify turns raw chat text into a typed intent: a command, an AI
// query, or plain chat. Classification is a pure function of the text and the
// configuration captured at construction; it holds no state and is safe for
// concurrent use.
package classify

import (
	"strings"
)

// Kind tags the intent variant.
type Kind int

const (
	KindPlainChat Kind = iota
	KindCommand
	KindAIQuery
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindAIQuery:
		return "ai_query"
	default:
		return "plain_chat"
	}
}

// Intent is the classification result. Command and Args are set for
// KindCommand; Question is set for KindAIQuery.
type Intent struct {
	Kind     Kind
	Command  string
	Args     []string
	Question string
}

// Classifier holds the configured prefixes and bot name.
type Classifier struct {
	commandPrefix string
	aiPrefix      string
	botName       string
}

func New(commandPrefix, aiPrefix, botName string) *Classifier {
	return &Classifier{
		commandPrefix: strings.ToLower(commandPrefix),
		aiPrefix:      strings.ToLower(aiPrefix),
		botName:       strings.ToLower(botName),
	}
}

// Classify maps text to an Intent. The command prefix is checked before the
// AI trigger (first-match-wins); prefix and bot-name matching are
// case-insensitive. A trigger with an empty remaining question is plain chat.
func (c *Classifier) Classify(text string) Intent {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Intent{Kind: KindPlainChat}
	}
	lower := strings.ToLower(trimmed)

	if c.commandPrefix != "" && strings.HasPrefix(lower, c.commandPrefix) {
		fields := strings.Fields(trimmed[len(c.commandPrefix):])
		if len(fields) == 0 {
			return Intent{Kind: KindPlainChat}
		}
		return Intent{
			Kind:    KindCommand,
			Command: strings.ToLower(fields[0]),
			Args:    fields[1:],
		}
	}

	if c.aiPrefix != "" && strings.HasPrefix(lower, c.aiPrefix) {
		question := strings.TrimSpace(trimmed[len(c.aiPrefix):])
		if question == "" {
			return Intent{Kind: KindPlainChat}
		}
		return Intent{Kind: KindAIQuery, Question: question}
	}

	if c.botName != "" && containsToken(lower, c.botName) {
		return Intent{Kind: KindAIQuery, Question: trimmed}
	}

	return Intent{Kind: KindPlainChat}
}

// containsToken reports whether name appears as a standalone token in text
// (already lowercased). Punctuation around the token is ignored, so
// "thanks, companion!" matches a bot named "companion".
func containsToken(text, name string) bool {
	for _, f := range strings.Fields(text) {
		if strings.Trim(f, ".,!?:;'\"()") == name {
			return true
		}
	}
	return false
}
