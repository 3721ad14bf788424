package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	yt "google.golang.org/api/youtube/v3"
	"google.golang.org/api/googleapi"
)

// LiveChatFeed adapts the YouTube liveChatMessages API to the Feed and Sink
// interfaces for a single live chat (one broadcast session).
type LiveChatFeed struct {
	Service    *yt.Service
	LiveChatID string
}

// Poll fetches the next page of live chat messages. It may return a non-empty
// page together with ErrStreamEnded when the platform marks the chat offline
// in the same response; callers should drain the page before shutting down.
func (f *LiveChatFeed) Poll(ctx context.Context, token string) (Page, error) {
	call := f.Service.LiveChatMessages.List(f.LiveChatID, []string{"snippet", "authorDetails"}).
		Context(ctx).
		MaxResults(200)
	if token != "" {
		call = call.PageToken(token)
	}
	resp, err := call.Do()
	if err != nil {
		if chatEnded(err) {
			return Page{}, ErrStreamEnded
		}
		return Page{}, fmt.Errorf("live chat list: %w", err)
	}
	page := pageFromResponse(resp)
	if resp.OfflineAt != "" {
		return page, ErrStreamEnded
	}
	return page, nil
}

// Send inserts a text message into the live chat.
func (f *LiveChatFeed) Send(ctx context.Context, text string) error {
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			Type:               "textMessageEvent",
			LiveChatId:         f.LiveChatID,
			TextMessageDetails: &yt.LiveChatTextMessageDetails{MessageText: text},
		},
	}
	if _, err := f.Service.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("live chat insert: %w", err)
	}
	return nil
}

// pageFromResponse maps an API response to a Page. Messages keep the
// platform's delivery order; malformed items without an id are skipped.
func pageFromResponse(resp *yt.LiveChatMessageListResponse) Page {
	page := Page{
		NextToken: resp.NextPageToken,
		Hint:      time.Duration(resp.PollingIntervalMillis) * time.Millisecond,
	}
	for _, item := range resp.Items {
		if item == nil || item.Id == "" || item.Snippet == nil {
			continue
		}
		m := Message{
			ID:   item.Id,
			Text: item.Snippet.DisplayMessage,
		}
		if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
			m.PublishedAt = t
		}
		if a := item.AuthorDetails; a != nil {
			m.ViewerID = a.ChannelId
			m.DisplayName = a.DisplayName
			m.IsModerator = a.IsChatModerator
			m.IsOwner = a.IsChatOwner
			m.IsMember = a.IsChatSponsor
		}
		page.Messages = append(page.Messages, m)
	}
	return page
}

// chatEnded reports whether the API error means the chat is permanently gone.
func chatEnded(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "liveChatEnded", "liveChatDisabled", "liveChatNotFound":
			return true
		}
	}
	return false
}
