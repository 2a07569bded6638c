// Package tools exposes the gateway's MCP tool catalog. Every handler runs
// the same gauntlet: validate the arguments, charge the caller's rate-limit
// budget, then drive the remote call under the retry policy. Classified
// failures become in-band tool errors; protocol errors are reserved for
// transport breakage.
package tools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/emberfell/hearthgate/internal/errors"
	"github.com/emberfell/hearthgate/internal/homeassistant"
	"github.com/emberfell/hearthgate/internal/ratelimit"
	"github.com/emberfell/hearthgate/pkg/config"
	"github.com/emberfell/hearthgate/pkg/metrics"
)

// defaultCaller keys the shared rate-limit budget. The gateway fronts a
// single agent, so all calls charge one bucket.
const defaultCaller = "default"

// Connector is the REST surface the tools drive.
type Connector interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.EntityState, error)
	ListStates(ctx context.Context) ([]homeassistant.EntityState, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	History(ctx context.Context, entityID string, hours int) ([][]homeassistant.EntityState, error)
}

// Negotiator creates resources the REST surface cannot.
type Negotiator interface {
	CreateResource(ctx context.Context, handler, name string) (*homeassistant.FlowOutcome, error)
}

// Service owns the tool catalog and the shared request gauntlet.
type Service struct {
	connector  Connector
	negotiator Negotiator
	limiter    ratelimit.Limiter
	rules      *ratelimit.Rules
	executor   *apperrors.Executor
	policy     apperrors.Policy
	errHandler *apperrors.Handler
	log        *slog.Logger
}

// NewService wires the tool catalog against its collaborators.
func NewService(
	cfg config.Config,
	log *slog.Logger,
	connector Connector,
	negotiator Negotiator,
	limiter ratelimit.Limiter,
) *Service {
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		connector:  connector,
		negotiator: negotiator,
		limiter:    limiter,
		rules:      ratelimit.NewRules(cfg.RateLimit),
		executor:   apperrors.NewExecutor(),
		policy:     apperrors.Policy{Attempts: cfg.Retry.Attempts, Delay: cfg.Retry.Delay},
		errHandler: apperrors.NewHandler(log, cfg.Sentry.Enabled()),
		log:        log,
	}
}

// Register declares the tool catalog on the MCP server.
func (s *Service) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_entity_state",
		Description: "Read the current state and attributes of one Home Assistant entity",
	}, s.handleGetEntityState)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_entities",
		Description: "List Home Assistant entities and their states, optionally filtered by domain",
	}, s.handleListEntities)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "call_service",
		Description: "Call a Home Assistant service, e.g. switch.turn_off for switch.garage",
	}, s.handleCallService)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "control_light",
		Description: "Turn a light on or off, or adjust its brightness and color temperature",
	}, s.handleControlLight)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_climate",
		Description: "Set the target temperature of a climate entity",
	}, s.handleSetClimate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "activate_scene",
		Description: "Activate a Home Assistant scene",
	}, s.handleActivateScene)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_history",
		Description: "Fetch the recorded state history of an entity over the last hours",
	}, s.handleGetHistory)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_todo_list",
		Description: "Create a new local todo list in Home Assistant",
	}, s.handleCreateTodoList)
}

// allow charges one call against the caller's budget for the tool. A denial
// comes back as a RateLimited error telling the caller when to retry.
func (s *Service) allow(ctx context.Context, tool string) error {
	limit, window := s.rules.ForTool(tool)
	key := s.rules.KeyForTool(defaultCaller, tool)

	result, err := s.limiter.Check(ctx, key, limit, window)
	if err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.RecordRateLimitDenied(key)

			var retryAfter time.Duration
			if result != nil {
				retryAfter = time.Until(result.ResetAt)
			}

			return apperrors.NewRateLimited(retryAfter)
		}

		return err
	}

	return nil
}

// call drives one remote operation under the retry policy, counting every
// attempt after the first.
func (s *Service) call(ctx context.Context, operation string, op func(context.Context) error) error {
	attempt := 0

	return s.executor.Do(ctx, s.policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.RecordRetryAttempt(operation)
		}

		return op(ctx)
	})
}

// fail reports a classified error in-band: the tool result carries the
// user-safe message and IsError, and the protocol call itself succeeds.
func (s *Service) fail(ctx context.Context, err error) (*mcp.CallToolResult, any, error) {
	userMessage, _ := s.errHandler.Handle(ctx, err)
	metrics.RecordError(string(apperrors.KindOf(err)), string(apperrors.SeverityOf(err)))

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: userMessage}},
		IsError: true,
	}, nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
