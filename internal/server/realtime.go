package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/internal/datasync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventCounterChanged = "counter-change"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceConsole       = "fieldops-console"
	defaultHeartbeatInterval    = 15 * time.Second
)

type counterEventPayload struct {
	Counter   datasync.Counter `json:"counter"`
	Value     uint64           `json:"value"`
	Source    string           `json:"source"`
	Timestamp string           `json:"timestamp"`
}

type heartbeatEventPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// handleCounterStream pushes the current value of one counter, then every
// change, as server-sent events. Slow readers only see the latest value and
// a value is never sent twice.
func (h *httpHandler) handleCounterStream(c *gin.Context) {
	counter := resolveCounter(datasync.Counter(strings.TrimSpace(c.DefaultQuery("counter", string(datasync.CounterAll)))))
	ctx := c.Request.Context()
	hub := datasync.FromContext(ctx)

	updates, cleanup := hub.Subscribe(ctx, counter)
	defer cleanup()
	watcher := hub.Watch(counter)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(RealtimeEventCounterChanged, counterEvent(counter, watcher.Last()))
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Debug("counter stream opened", zap.String("counter", string(counter)))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-updates:
			if !ok {
				return false
			}
			if watcher.Changed() {
				c.SSEvent(RealtimeEventCounterChanged, counterEvent(counter, watcher.Last()))
			}
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{
				Source:    realtimeSourceConsole,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			return true
		}
	})
	h.logger.Debug("counter stream closed", zap.String("counter", string(counter)))
}

func counterEvent(counter datasync.Counter, value uint64) counterEventPayload {
	return counterEventPayload{
		Counter:   counter,
		Value:     value,
		Source:    realtimeSourceConsole,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
