// Package auth owns the long-lived Google OAuth credential: loading it from
// disk, refreshing it before expiry with at most one refresh in flight, and
// the consent flow that produces it in the first place.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var (
	// ErrReconsentRequired means the refresh token was revoked or the client
	// is no longer authorized. Only a human re-running consent can fix it.
	ErrReconsentRequired = errors.New("auth: re-consent required")

	// ErrRefreshFailed is a transient refresh failure
	ErrRefreshFailed = errors.New("auth: token refresh failed")

	// ErrNoCredential means the token file is missing or unusable
	ErrNoCredential = errors.New("auth: no stored credential")
)

// Credential is the access/refresh token pair plus expiry
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scopes       []string
}

// ValidAt reports whether the access token can be handed out at now with
// margin to spare. A zero expiry is never valid.
func (c *Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if c == nil || c.AccessToken == "" || c.Expiry.IsZero() {
		return false
	}
	return now.Add(margin).Before(c.Expiry)
}

// Token converts to an oauth2 token for API clients
func (c *Credential) Token() *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    tokenType,
		Expiry:       c.Expiry,
	}
}

// credentialFromToken builds a Credential from an oauth2 token response
func credentialFromToken(tok *oauth2.Token) *Credential {
	c := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		c.Scopes = strings.Fields(scope)
	}
	return c
}

// tokenFile is the on-disk layout. It reads both the oauth2 form
// (access_token) and the google-auth "authorized user" form (token).
type tokenFile struct {
	AccessToken  string   `json:"access_token,omitempty"`
	Token        string   `json:"token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	RefreshToken string   `json:"refresh_token"`
	Expiry       string   `json:"expiry,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// ParseCredential decodes token file contents
func ParseCredential(data []byte) (*Credential, error) {
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed token file: %w", ErrNoCredential, err)
	}

	c := &Credential{
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		TokenType:    f.TokenType,
		Scopes:       f.Scopes,
	}
	if c.AccessToken == "" {
		c.AccessToken = f.Token
	}
	if f.Expiry != "" {
		exp, err := parseExpiry(f.Expiry)
		if err != nil {
			return nil, fmt.Errorf("%w: bad expiry %q: %w", ErrNoCredential, f.Expiry, err)
		}
		c.Expiry = exp
	}
	if c.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token file has no refresh_token", ErrNoCredential)
	}
	return c, nil
}

// google-auth writes naive UTC timestamps, sometimes without a zone suffix
func parseExpiry(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time layout")
}

// MarshalCredential encodes c in the oauth2 form plus scopes
func MarshalCredential(c *Credential) ([]byte, error) {
	f := tokenFile{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
		Scopes:       c.Scopes,
	}
	if !c.Expiry.IsZero() {
		f.Expiry = c.Expiry.UTC().Format(time.RFC3339Nano)
	}
	return json.MarshalIndent(f, "", "  ")
}

// ReadCredential loads the token file at path
func ReadCredential(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	return ParseCredential(data)
}

// WriteCredential persists c to path by writing a temp file in the same
// directory and renaming it over the target. Readers never observe a
// partially written file.
func WriteCredential(path string, c *Credential) error {
	data, err := MarshalCredential(c)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// LoadClientConfig parses a Google client secret JSON file
func LoadClientConfig(path, redirectURL string, scopes []string) (*oauth2.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret: %w", err)
	}
	if redirectURL != "" {
		cfg.RedirectURL = redirectURL
	}
	return cfg, nil
}
