// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for live chat access: resolving the active broadcast and building an
// authorized service. Tokens are persisted via the provided TokenStore so they
// can be refreshed and reused across restarts without re-running consent.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/strayline/companion/config"
)

const provider = "google"

// ErrNoActiveBroadcast is returned when the authorized account has no live
// broadcast right now.
var ErrNoActiveBroadcast = errors.New("no active live broadcast")

// ErrNoToken is returned when no OAuth token has been stored yet; the operator
// must complete the /auth/google/start consent flow first.
var ErrNoToken = errors.New("no google oauth token stored")

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, scope string, err error)
}

type Service struct {
	cfg   *config.Config
	store TokenStore
	oauth *oauth2.Config
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{yt.YoutubeReadonlyScope, yt.YoutubeForceSslScope}
	if cfg.GoogleScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.GoogleScopes, ",", " ")
		if fields := strings.Fields(s); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GoogleRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, store: ts, oauth: oauth}
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	scope := strings.Join(s.oauth.Scopes, " ")
	_ = s.store.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, scope)
	return tok, nil
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, _, err := s.store.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" && refresh == "" {
		return nil, ErrNoToken
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, err
	}
	scope := strings.Join(s.oauth.Scopes, " ")
	_ = s.store.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, scope)
	return newTok, nil
}

// RefreshFunc returns a refresh callback for the background token refresher.
func (s *Service) RefreshFunc() func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(s.oauth.Scopes, " "), nil
	}
}

// Client returns an authorized YouTube service, refreshing the stored token
// when it is close to expiry.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	return yt.NewService(ctx, option.WithHTTPClient(s.oauth.Client(ctx, tok)))
}

// OwnChannelID resolves the authorized account's channel id, used to filter
// the bot's own messages out of the feed.
func OwnChannelID(ctx context.Context, svc *yt.Service) (string, error) {
	resp, err := svc.Channels.List([]string{"id"}).Mine(true).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list own channel: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == "" {
		return "", errors.New("no channel for authorized account")
	}
	return resp.Items[0].Id, nil
}

// Broadcast describes the active live broadcast's chat binding.
type Broadcast struct {
	LiveChatID string
	Title      string
	StartedAt  time.Time
}

// FindActiveBroadcast resolves the authorized account's currently active
// broadcast. Returns ErrNoActiveBroadcast when nothing is live.
func FindActiveBroadcast(ctx context.Context, svc *yt.Service) (*Broadcast, error) {
	resp, err := svc.LiveBroadcasts.List([]string{"snippet", "status"}).
		BroadcastStatus("active").
		BroadcastType("all").
		Mine(true).
		MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list live broadcasts: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return nil, ErrNoActiveBroadcast
	}
	sn := resp.Items[0].Snippet
	if sn.LiveChatId == "" {
		return nil, ErrNoActiveBroadcast
	}
	b := &Broadcast{LiveChatID: sn.LiveChatId, Title: sn.Title}
	if t, err := time.Parse(time.RFC3339, sn.ActualStartTime); err == nil {
		b.StartedAt = t
	}
	return b, nil
}
