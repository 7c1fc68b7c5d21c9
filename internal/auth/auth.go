// Package auth handles Google OAuth2 for the Gmail source.
//
// The client secrets come from a credentials.json downloaded from the Google
// Cloud console; the user token is cached in token.json next to it and
// rewritten whenever the access token is refreshed.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/daviddao/finbrief/internal/logging"
)

// Scopes are read-only: finbrief never modifies the mailbox.
var Scopes = []string{gmail.GmailReadonlyScope}

// ErrNoToken means the user has not authorized finbrief yet.
var ErrNoToken = errors.New("no gmail token; run `fb init --gmail` to authorize")

// LoadGmailService returns an authenticated Gmail API service using the
// cached token at tokenPath.
func LoadGmailService(ctx context.Context, credentialsPath, tokenPath string, log *logging.Logger) (*gmail.Service, error) {
	config, err := LoadConfig(credentialsPath)
	if err != nil {
		return nil, err
	}
	token, err := LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}

	ts := &savingTokenSource{
		src:     config.TokenSource(ctx, token),
		current: token,
		save: func(t *oauth2.Token) error {
			return SaveToken(tokenPath, t)
		},
		log: log,
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// LoadConfig reads the OAuth client from credentials.json.
func LoadConfig(credentialsPath string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials from %s: %w", credentialsPath, err)
	}
	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return config, nil
}

// AuthURL is the consent page the user opens to authorize finbrief.
func AuthURL(config *oauth2.Config, state string) string {
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the authorization code for a token and caches it.
func Exchange(ctx context.Context, config *oauth2.Config, code, tokenPath string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("empty authorization code")
	}
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	return SaveToken(tokenPath, token)
}

// LoadToken reads a cached token.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var t oauth2.Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	if t.RefreshToken == "" && t.AccessToken == "" {
		return nil, fmt.Errorf("token %s is empty", path)
	}
	return &t, nil
}

// SaveToken writes the token readable only by the owner.
func SaveToken(path string, t *oauth2.Token) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// savingTokenSource persists refreshed tokens.
type savingTokenSource struct {
	mu      sync.Mutex
	src     oauth2.TokenSource
	current *oauth2.Token
	save    func(*oauth2.Token) error
	log     *logging.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.AccessToken != s.current.AccessToken {
		s.current = t
		if err := s.save(t); err != nil {
			// Non-fatal: the next start refreshes again.
			s.log.Warn("[gmail] could not save refreshed token: %v", err)
		}
	}
	return t, nil
}
