package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Refresher exchanges a refresh token for a new credential
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

// RefresherFunc adapts a function to Refresher
type RefresherFunc func(ctx context.Context, refreshToken string) (*Credential, error)

// Refresh calls f
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	return f(ctx, refreshToken)
}

// OAuthRefresher refreshes against the provider's token endpoint
type OAuthRefresher struct {
	config *oauth2.Config
}

// NewOAuthRefresher creates a refresher for cfg
func NewOAuthRefresher(cfg *oauth2.Config) *OAuthRefresher {
	return &OAuthRefresher{config: cfg}
}

// Refresh performs one refresh-token grant. The returned credential carries
// a refresh token only if the provider rotated it.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on file", ErrReconsentRequired)
	}

	// An empty access token forces the token source to hit the endpoint
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	cred := credentialFromToken(tok)
	// oauth2 copies the old refresh token forward when the response omits one
	if cred.RefreshToken == refreshToken {
		cred.RefreshToken = ""
	}
	return cred, nil
}

// classifyRefreshError separates revoked grants from transient failures
func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "unauthorized_client":
			return fmt.Errorf("%w: %s: %w", ErrReconsentRequired, re.ErrorCode, err)
		}
		if re.Response != nil {
			switch re.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized:
				return fmt.Errorf("%w: token endpoint returned %d: %w", ErrReconsentRequired, re.Response.StatusCode, err)
			}
		}
	}
	return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
}
