package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codebuildervaibhav/voice-bot/internal/auth"
	"github.com/codebuildervaibhav/voice-bot/internal/storage"
)

// PipelineState is the orchestrator's admission view
type PipelineState interface {
	Accepting() bool
	Saturated() bool
	InFlight() int64
	Waiting() int64
}

// BrokerState reports credential health
type BrokerState interface {
	Status() auth.Status
}

// JobHistory lists journaled outcomes
type JobHistory interface {
	Recent(ctx context.Context, limit int) ([]storage.JournalEntry, error)
	CountByOutcome(ctx context.Context) (map[string]int, error)
}

// LogTail returns buffered log lines
type LogTail interface {
	Lines() []string
}

// OpsHandler serves health, journal, log and metrics endpoints
type OpsHandler struct {
	pipeline PipelineState
	broker   BrokerState
	journal  JobHistory
	logs     LogTail
	version  string
}

// NewOpsHandler creates the operational endpoints. journal and logs may be
// nil.
func NewOpsHandler(p PipelineState, b BrokerState, journal JobHistory, logs LogTail, version string) *OpsHandler {
	return &OpsHandler{pipeline: p, broker: b, journal: journal, logs: logs, version: version}
}

// Health answers GET /health: whether new voice jobs are admitted. A full
// admission queue reports saturated with status 200.
func (h *OpsHandler) Health(c *fiber.Ctx) error {
	accepting := h.pipeline.Accepting()
	saturated := accepting && h.pipeline.Saturated()
	status := "healthy"
	code := fiber.StatusOK
	switch {
	case !accepting:
		status = "draining"
		code = fiber.StatusServiceUnavailable
	case saturated:
		status = "saturated"
	}
	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"accepting": accepting,
		"saturated": saturated,
		"in_flight": h.pipeline.InFlight(),
		"waiting":   h.pipeline.Waiting(),
		"version":   h.version,
	})
}

// OAuth answers GET /health/oauth: whether the broker can hand out tokens
func (h *OpsHandler) OAuth(c *fiber.Ctx) error {
	st := h.broker.Status()
	code := fiber.StatusOK
	if !st.Healthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(st)
}

// Jobs answers GET /jobs?limit=N
func (h *OpsHandler) Jobs(c *fiber.Ctx) error {
	if h.journal == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "journal disabled"})
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	entries, err := h.journal.Recent(c.UserContext(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read journal"})
	}
	counts, err := h.journal.CountByOutcome(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read journal"})
	}
	return c.JSON(fiber.Map{
		"jobs":   entries,
		"totals": counts,
	})
}

// Logs answers GET /logs
func (h *OpsHandler) Logs(c *fiber.Ctx) error {
	lines := []string{}
	if h.logs != nil {
		lines = h.logs.Lines()
	}
	return c.JSON(fiber.Map{"logs": lines})
}

// Metrics serves the Prometheus exposition for g
func Metrics(g prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
