package middleware

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emberfell/hearthgate/pkg/metrics"
)

// methodCallTool is the protocol method carrying tool invocations.
const methodCallTool = "tools/call"

// Metrics measures execution time and status for tool calls, reporting them
// to Prometheus. A tool that answered with an error payload counts as an
// error even though the protocol exchange itself succeeded.
func Metrics() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method != methodCallTool {
				return next(ctx, method, req)
			}

			start := time.Now()
			result, err := next(ctx, method, req)

			status := "ok"
			if err != nil {
				status = "error"
			} else if callResult, ok := result.(*mcp.CallToolResult); ok && callResult.IsError {
				status = "error"
			}

			tool := toolName(req)
			if tool == "" {
				tool = "unknown"
			}

			metrics.RecordToolCall(tool, status, time.Since(start))

			return result, err
		}
	}
}
