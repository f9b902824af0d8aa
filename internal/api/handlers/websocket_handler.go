package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/scamguard/backend/internal/analytics/metrics"
	appmetrics "github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/pkg/logger"
)

const defaultPushInterval = 30 * time.Second

// WebSocketHandler streams the dashboard overview to connected clients on an
// interval and whenever a client asks for a refresh.
type WebSocketHandler struct {
	metrics  *metrics.Engine
	interval time.Duration
}

func NewWebSocketHandler(m *metrics.Engine, interval time.Duration) *WebSocketHandler {
	if interval <= 0 {
		interval = defaultPushInterval
	}
	return &WebSocketHandler{
		metrics:  m,
		interval: interval,
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")
	appmetrics.WebSocketClients.Inc()

	defer func() {
		appmetrics.WebSocketClients.Dec()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	// Writes come from the ticker loop and the reader goroutine.
	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteJSON(v)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresh := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			var msg clientMessage
			if err := c.ReadJSON(&msg); err != nil {
				logger.Debug("WebSocket read ended", zap.Error(err))
				return
			}

			switch msg.Type {
			case "refresh":
				select {
				case refresh <- struct{}{}:
				default:
				}
			case "ping":
				_ = write(map[string]interface{}{"type": "pong"})
			default:
				_ = write(map[string]interface{}{
					"type":  "error",
					"error": "unknown message type",
				})
			}
		}
	}()

	if err := h.pushOverview(ctx, write); err != nil {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-refresh:
		}

		if err := h.pushOverview(ctx, write); err != nil {
			return
		}
	}
}

// pushOverview sends the current overview. Only write failures are returned;
// a failed computation is reported to the client and the stream continues.
func (h *WebSocketHandler) pushOverview(ctx context.Context, write func(interface{}) error) error {
	overview, err := h.metrics.DashboardOverview(ctx)
	if err != nil {
		logger.Error("Failed to compute dashboard overview", zap.Error(err))
		return write(map[string]interface{}{
			"type":  "error",
			"error": "Failed to compute dashboard overview",
		})
	}

	if err := write(map[string]interface{}{
		"type": "dashboard",
		"data": overview,
	}); err != nil {
		logger.Error("Failed to push dashboard update", zap.Error(err))
		return err
	}
	return nil
}
