package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/voice-bot/internal/auth"
)

// ConsentFlow is the authorization-code flow behind the OAuth endpoints
type ConsentFlow interface {
	AuthURL() string
	Complete(ctx context.Context, state, code string) (*auth.Credential, error)
	Status() auth.ConsentStatus
}

// OAuthHandler serves the consent surface of the OAuth process
type OAuthHandler struct {
	flow   ConsentFlow
	logger *slog.Logger
}

// NewOAuthHandler creates the consent endpoints
func NewOAuthHandler(flow ConsentFlow, logger *slog.Logger) *OAuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthHandler{flow: flow, logger: logger.With("component", "oauth_handler")}
}

// Start answers GET /oauth/google with the consent URL as plain text
func (h *OAuthHandler) Start(c *fiber.Ctx) error {
	return c.SendString(h.flow.AuthURL())
}

// Callback answers GET /oauth/google/callback
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if reason := c.Query("error"); reason != "" {
		h.logger.Warn("consent declined", "reason", reason)
		return c.Status(fiber.StatusBadRequest).SendString("Authorization was not granted: " + reason)
	}

	cred, err := h.flow.Complete(c.UserContext(), c.Query("state"), c.Query("code"))
	switch {
	case errors.Is(err, auth.ErrInvalidState):
		return c.Status(fiber.StatusBadRequest).SendString("Invalid or expired state. Start again from /oauth/google.")
	case err != nil:
		h.logger.Error("consent failed", "error", err)
		return c.Status(fiber.StatusBadGateway).SendString("Token exchange failed. Start again from /oauth/google.")
	}

	h.logger.Info("google account connected", "expiry", cred.Expiry, "scopes", len(cred.Scopes))
	return c.SendString("Google account connected. You can close this tab.")
}

// Status answers GET /oauth/status
func (h *OAuthHandler) Status(c *fiber.Ctx) error {
	return c.JSON(h.flow.Status())
}
