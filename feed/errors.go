package feed

import (
	"errors"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrorClass represents whether a poll error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the poll should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassTerminal indicates the stream or chat is gone and polling should stop.
	ErrorClassTerminal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// chatGoneReasons are googleapi error reasons meaning the live chat no longer accepts reads.
var chatGoneReasons = map[string]bool{
	"liveChatEnded":    true,
	"liveChatDisabled": true,
	"liveChatNotFound": true,
	"forbidden":        false, // plain forbidden is a credential problem, handled below
}

// ClassifyPollError classifies feed errors into retryable vs terminal.
//
// Terminal:
//   - ErrStreamEnded (already classified by the implementation)
//   - API reasons liveChatEnded / liveChatDisabled / liveChatNotFound
//   - 404 (chat id no longer resolvable)
//
// Retryable:
//   - server errors (5xx), rate limiting (429, quota), network failures
//   - 401/403 credential errors: the token refresher may recover them,
//     so the poll is retried rather than killing the session
//   - anything unrecognized, to avoid giving up on a live broadcast too early
func ClassifyPollError(err error) ErrorClass {
	if err == nil {
		return ErrorClassRetryable
	}
	if errors.Is(err, ErrStreamEnded) {
		return ErrorClassTerminal
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		for _, e := range apiErr.Errors {
			if chatGoneReasons[e.Reason] {
				return ErrorClassTerminal
			}
		}
		switch {
		case apiErr.Code == 404:
			return ErrorClassTerminal
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return ErrorClassRetryable
		}
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	terminalPatterns := []string{
		"livechatended",
		"live chat is no longer live",
	}
	for _, p := range terminalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassTerminal
		}
	}
	// Network issues and everything else: retry.
	return ErrorClassRetryable
}

// IsTerminalError checks if a poll error should stop the polling loop.
func IsTerminalError(err error) bool {
	return ClassifyPollError(err) == ErrorClassTerminal
}
