package sqltools

import (
	"log/slog"
	"time"

	"github.com/malbeclabs/postgres-mcp/internal/metrics"
)

func recordCall(log *slog.Logger, toolName string, success bool, errMsg string, startTime time.Time) {
	duration := time.Since(startTime).Seconds()
	status := "success"
	if !success {
		status = "error"
		log.Debug("mcp/tool: call failed", "tool", toolName, "error", errMsg)
	}
	metrics.ToolCallsTotal.WithLabelValues(toolName, status).Inc()
	metrics.ToolCallDuration.WithLabelValues(toolName).Observe(duration)
}
