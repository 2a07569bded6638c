package ratelimit

import (
	"time"

	"github.com/emberfell/hearthgate/pkg/config"
)

// Rules resolves which limit applies to a given tool call.
type Rules struct {
	cfg config.RateLimitConfig
}

// NewRules constructs rate limiting rules from configuration settings.
func NewRules(cfg config.RateLimitConfig) *Rules {
	return &Rules{cfg: cfg}
}

// ForTool returns the limit and window for a tool, falling back to the
// global values when no per-tool override is configured.
func (r *Rules) ForTool(tool string) (int, time.Duration) {
	if rule, ok := r.cfg.Tools[tool]; ok && rule.MaxRequests > 0 && rule.Window > 0 {
		return rule.MaxRequests, rule.Window
	}

	return r.cfg.MaxRequests, r.cfg.Window
}

// Global returns the default limit and window.
func (r *Rules) Global() (int, time.Duration) {
	return r.cfg.MaxRequests, r.cfg.Window
}

// KeyForTool returns the accounting key for a call: tools on the global
// budget share the caller's bucket, tools with their own rule get a
// tool-scoped bucket so the override does not eat the shared budget.
func (r *Rules) KeyForTool(caller, tool string) string {
	if _, ok := r.cfg.Tools[tool]; ok {
		return caller + ":" + tool
	}

	return caller
}
