package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/driftlight/overlay-server/internal/retry"
	"github.com/driftlight/overlay-server/internal/store"
	"golang.org/x/oauth2"
)

// ServiceConfig describes one upstream OAuth service.
type ServiceConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	TokenURL     string
	ValidateURL  string
	Scopes       []string
}

// ValidateInfo is the provider's answer to a token validation call.
type ValidateInfo struct {
	UserID    string   `json:"user_id"`
	Login     string   `json:"login"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int64    `json:"expires_in"`
}

// Provider performs the HTTP legs of the token lifecycle.
type Provider interface {
	Refresh(ctx context.Context, cfg ServiceConfig, refreshToken string) (store.Token, error)
	Validate(ctx context.Context, cfg ServiceConfig, accessToken string) (ValidateInfo, error)
}

// HTTPProvider talks to real OAuth endpoints via golang.org/x/oauth2.
type HTTPProvider struct {
	Client *http.Client
}

// NewHTTPProvider creates a provider with a sane default client.
func NewHTTPProvider() *HTTPProvider {
	return &HTTPProvider{
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Refresh exchanges a refresh token for a fresh access token.
func (p *HTTPProvider) Refresh(ctx context.Context, cfg ServiceConfig, refreshToken string) (store.Token, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.Client)
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return store.Token{}, fmt.Errorf("refresh %s: %w", cfg.Name, &retry.HTTPError{
				StatusCode: retrieveErr.Response.StatusCode,
				Status:     retrieveErr.Response.Status,
			})
		}
		return store.Token{}, fmt.Errorf("refresh %s: %w", cfg.Name, err)
	}

	out := store.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ClientID:     cfg.ClientID,
		Scopes:       cfg.Scopes,
	}
	// The provider may rotate or withhold the refresh token; keep the old
	// one when none comes back.
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		out.ExpiresAt = &expiry
	}
	return out, nil
}

// Validate checks the access token and returns the identity behind it.
func (p *HTTPProvider) Validate(ctx context.Context, cfg ServiceConfig, accessToken string) (ValidateInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ValidateURL, nil)
	if err != nil {
		return ValidateInfo{}, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return ValidateInfo{}, fmt.Errorf("validate %s: %w", cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ValidateInfo{}, fmt.Errorf("validate %s: %w", cfg.Name, &retry.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		})
	}

	var info ValidateInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ValidateInfo{}, fmt.Errorf("validate %s: decode: %w", cfg.Name, err)
	}
	return info, nil
}
