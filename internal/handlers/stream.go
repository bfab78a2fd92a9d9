package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/voice-bot/internal/pipeline"
	"github.com/codebuildervaibhav/voice-bot/internal/types"
)

const endOfMessage = "END"

// StreamHandler takes voice messages over a websocket. A text frame names
// the user, binary frames carry audio, and END submits what was buffered.
// One connection may carry any number of messages.
type StreamHandler struct {
	pipeline Submitter
	gate     *OwnerGate
	maxBytes int
	logger   *slog.Logger
	baseCtx  context.Context
}

// NewStreamHandler creates a new stream handler. ctx bounds every job
// started from a connection.
func NewStreamHandler(ctx context.Context, p Submitter, gate *OwnerGate, maxSizeMB int, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		pipeline: p,
		gate:     gate,
		maxBytes: maxSizeMB * 1024 * 1024,
		logger:   logger.With("component", "stream_handler"),
		baseCtx:  ctx,
	}
}

// Upgrade rejects plain HTTP requests on the websocket route
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle processes one websocket connection
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	var (
		buffer bytes.Buffer
		userID string
		hint   = "webm"
	)
	remote := c.RemoteAddr().String()
	h.logger.Debug("websocket connection established", "remote", remote)

	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read error", "remote", remote, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			msg := strings.TrimSpace(string(message))
			switch {
			case msg == endOfMessage:
				if !h.submit(c, userID, hint, buffer.Bytes()) {
					return
				}
				buffer.Reset()
			case strings.HasPrefix(msg, "format:"):
				hint = strings.TrimPrefix(msg, "format:")
			case msg != "" && len(msg) < 200:
				userID = msg
			}

		case websocket.BinaryMessage:
			if buffer.Len()+len(message) > h.maxBytes {
				h.writeError(c, "ERR_FILE_TOO_LARGE", "Voice message too large")
				return
			}
			buffer.Write(message)
		}
	}
}

// submit runs one buffered message and writes the reply. It returns false
// when the connection should be dropped.
func (h *StreamHandler) submit(c *websocket.Conn, userID, hint string, data []byte) bool {
	if userID == "" {
		return h.writeError(c, "ERR_NO_USER", "Send your user id before the audio")
	}
	if !h.gate.Allows(userID) {
		h.logger.Info("stream from non-owner ignored", "user_id", userID)
		return h.writeError(c, "forbidden", forbiddenMessage)
	}
	if len(data) == 0 {
		return h.writeError(c, "ERR_NO_AUDIO", "No audio received")
	}

	job := pipeline.NewJob(userID, types.SourceStream, bytes.Clone(data), hint)
	h.logger.Debug("stream message buffered", "job_id", job.ID, "bytes", len(data))

	out := h.pipeline.Submit(h.baseCtx, job)
	if out.OK() {
		if err := c.WriteMessage(websocket.BinaryMessage, out.Audio); err != nil {
			h.logger.Warn("websocket write failed", "job_id", job.ID, "error", err)
			return false
		}
		return true
	}

	body, _ := json.Marshal(errorBody(out))
	if err := c.WriteMessage(websocket.TextMessage, body); err != nil {
		return false
	}
	return true
}

func (h *StreamHandler) writeError(c *websocket.Conn, code, message string) bool {
	body, _ := json.Marshal(fiber.Map{"error": message, "code": code})
	return c.WriteMessage(websocket.TextMessage, body) == nil
}
