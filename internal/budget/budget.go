// Package budget enforces per-session spending and size limits before a
// prompt is sent to a provider. All checks are advisory by construction: a
// nil Violation means proceed, anything else carries the rule that tripped.
package budget

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy defines the limits for a chat session. Zero values mean
// unlimited.
type Policy struct {
	MaxPromptTokens  int      `json:"max_prompt_tokens" yaml:"max_prompt_tokens"`
	MaxHistoryTokens int      `json:"max_history_tokens" yaml:"max_history_tokens"`
	MaxCostUSD       float64  `json:"max_cost_usd" yaml:"max_cost_usd"`
	MaxTurns         int      `json:"max_turns" yaml:"max_turns"`
	AllowedModels    []string `json:"allowed_models" yaml:"allowed_models"`
}

// DefaultPolicy places no limits; notebooks opt in to caps explicitly.
var DefaultPolicy = Policy{}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

func (v *Violation) Error() string {
	return fmt.Sprintf("budget violation (%s): %s", v.Rule, v.Message)
}

// Guard enforces the policy.
type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	return &Guard{policy: p}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Usage is the session state a pre-flight check runs against.
type Usage struct {
	PromptTokens  int
	HistoryTokens int
	CostUSD       float64
	Turns         int
}

// Check verifies usage against every configured limit. The first breached
// rule wins.
func (g *Guard) Check(u Usage) *Violation {
	if g.policy.MaxPromptTokens > 0 && u.PromptTokens > g.policy.MaxPromptTokens {
		return &Violation{
			Rule:    "max_prompt_tokens",
			Message: fmt.Sprintf("prompt is %d tokens, limit is %d", u.PromptTokens, g.policy.MaxPromptTokens),
			Fatal:   true,
		}
	}
	if g.policy.MaxHistoryTokens > 0 && u.HistoryTokens > g.policy.MaxHistoryTokens {
		return &Violation{
			Rule:    "max_history_tokens",
			Message: fmt.Sprintf("history holds %d tokens, limit is %d", u.HistoryTokens, g.policy.MaxHistoryTokens),
			Fatal:   true,
		}
	}
	if g.policy.MaxCostUSD > 0 && u.CostUSD > g.policy.MaxCostUSD {
		return &Violation{
			Rule:    "max_cost_usd",
			Message: fmt.Sprintf("session cost $%.4f exceeds limit $%.4f", u.CostUSD, g.policy.MaxCostUSD),
			Fatal:   true,
		}
	}
	if g.policy.MaxTurns > 0 && u.Turns >= g.policy.MaxTurns {
		return &Violation{
			Rule:    "max_turns",
			Message: fmt.Sprintf("session reached %d turns, limit is %d", u.Turns, g.policy.MaxTurns),
			Fatal:   true,
		}
	}
	return nil
}

// CheckModel verifies a model name against the allow-list globs. An empty
// list allows everything.
func (g *Guard) CheckModel(model string) *Violation {
	if len(g.policy.AllowedModels) == 0 {
		return nil
	}
	for _, pattern := range g.policy.AllowedModels {
		match, err := doublestar.Match(pattern, model)
		if err == nil && match {
			return nil
		}
	}
	return &Violation{
		Rule:    "allowed_models",
		Message: "model not allowed: " + model,
		Fatal:   true,
	}
}
