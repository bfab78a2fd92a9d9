package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrInvalidState is returned when a callback carries an unknown or expired
// state value
var ErrInvalidState = errors.New("auth: invalid oauth state")

const stateTTL = 10 * time.Minute

// Consent runs the interactive authorization-code flow that produces the
// token file the bot process consumes
type Consent struct {
	config    *oauth2.Config
	tokenPath string
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]time.Time
}

// NewConsent creates a consent flow writing to tokenPath
func NewConsent(cfg *oauth2.Config, tokenPath string, logger *slog.Logger) *Consent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consent{
		config:    cfg,
		tokenPath: tokenPath,
		logger:    logger.With("component", "oauth_consent"),
		states:    make(map[string]time.Time),
	}
}

// AuthURL returns a consent URL asking for offline access with a forced
// consent screen, so Google always issues a refresh token
func (c *Consent) AuthURL() string {
	state := uuid.NewString()

	c.mu.Lock()
	now := time.Now()
	for s, issued := range c.states {
		if now.Sub(issued) > stateTTL {
			delete(c.states, s)
		}
	}
	c.states[state] = now
	c.mu.Unlock()

	return c.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// Complete validates state, exchanges code and writes the token file
func (c *Consent) Complete(ctx context.Context, state, code string) (*Credential, error) {
	c.mu.Lock()
	issued, ok := c.states[state]
	delete(c.states, state)
	c.mu.Unlock()

	if !ok || time.Since(issued) > stateTTL {
		return nil, ErrInvalidState
	}
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}

	tok, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	cred := credentialFromToken(tok)
	if len(cred.Scopes) == 0 {
		cred.Scopes = c.config.Scopes
	}
	if cred.RefreshToken == "" {
		// Re-consent without a new refresh token: keep the one on file
		prev, err := ReadCredential(c.tokenPath)
		if err != nil {
			return nil, fmt.Errorf("provider returned no refresh token and none is on file")
		}
		cred.RefreshToken = prev.RefreshToken
	}

	if err := WriteCredential(c.tokenPath, cred); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	c.logger.Info("consent completed, token saved", "path", c.tokenPath, "expiry", cred.Expiry)
	return cred, nil
}

// ConsentStatus describes the token file without exposing its contents
type ConsentStatus struct {
	Connected bool      `json:"connected"`
	Expiry    time.Time `json:"expiry,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// Status reads the token file
func (c *Consent) Status() ConsentStatus {
	cred, err := ReadCredential(c.tokenPath)
	if err != nil {
		return ConsentStatus{}
	}
	return ConsentStatus{Connected: true, Expiry: cred.Expiry, Scopes: cred.Scopes}
}
