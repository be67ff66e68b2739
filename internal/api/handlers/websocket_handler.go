package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

const orgLocal = "org_id"

// WebSocketHandler streams the status of one analysis until it finishes.
type WebSocketHandler struct {
	engine  Engine
	maxWait time.Duration
}

func NewWebSocketHandler(engine Engine, maxWait time.Duration) *WebSocketHandler {
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	return &WebSocketHandler{
		engine:  engine,
		maxWait: maxWait,
	}
}

// Upgrade admits websocket handshakes only and carries the org id into the
// connection.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(orgLocal, orgID(c))
	return c.Next()
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	org, _ := c.Locals(orgLocal).(string)
	id := c.Params("id")
	logger.Info("WebSocket connection established", zap.String("request_id", id))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("request_id", id))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.maxWait)
	defer cancel()

	// Any read error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	req, err := h.engine.Request(ctx, org, id)
	if err != nil {
		h.sendError(c, "Analysis not found")
		return
	}
	if err := h.sendStatus(c, req); err != nil {
		return
	}

	if !req.Status.Terminal() {
		req, err = h.engine.Wait(ctx, org, id)
		if err != nil {
			logger.Debug("Status stream ended early", zap.String("request_id", id), zap.Error(err))
			h.sendError(c, "Status stream ended before the analysis finished")
			return
		}
		if err := h.sendStatus(c, req); err != nil {
			return
		}
	}

	if err := h.sendComplete(ctx, c, org, req); err != nil {
		logger.Error("Failed to send completion", zap.String("request_id", id), zap.Error(err))
	}
}

func (h *WebSocketHandler) sendStatus(c *websocket.Conn, req *models.AnalysisRequest) error {
	msg := map[string]interface{}{
		"type":    "status",
		"status":  req.Status,
		"request": req,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendComplete(ctx context.Context, c *websocket.Conn, org string, req *models.AnalysisRequest) error {
	msg := map[string]interface{}{
		"type":    "complete",
		"status":  req.Status,
		"request": req,
	}

	if req.Status == models.RequestCompleted && req.ResultID != "" {
		result, err := h.engine.Result(ctx, org, req.ResultID)
		if err != nil {
			return err
		}
		msg["result"] = result
	} else {
		msg["message"] = ManualFallback
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
