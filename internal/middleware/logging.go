// Package middleware holds the MCP receiving middlewares: cross-cutting
// concerns that wrap every inbound protocol request before it reaches a
// tool handler.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emberfell/hearthgate/pkg/logger"
)

// Logging tags every inbound request with a correlation id and logs how its
// handling went. The id rides the context so downstream log lines and error
// reports can be stitched back to one request.
func Logging(log *slog.Logger) mcp.Middleware {
	if log == nil {
		log = slog.Default()
	}

	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			start := time.Now()

			correlationID := uuid.NewString()
			ctx = logger.WithCorrelationID(ctx, correlationID)

			result, err := next(ctx, method, req)

			attrs := []any{
				slog.String("method", method),
				slog.Duration("duration", time.Since(start)),
				slog.String("correlation_id", correlationID),
			}
			if tool := toolName(req); tool != "" {
				attrs = append(attrs, slog.String("tool", tool))
			}

			if err != nil {
				log.Error("mcp request failed", append(attrs, slog.Any("error", err))...)
				return result, err
			}

			log.Info("handled mcp request", attrs...)

			return result, err
		}
	}
}

// toolName extracts the called tool from a tools/call request; empty for
// every other method.
func toolName(req mcp.Request) string {
	if req == nil {
		return ""
	}

	params, ok := req.GetParams().(*mcp.CallToolParams)
	if !ok || params == nil {
		return ""
	}

	return params.Name
}
