package budget

import (
	"testing"
)

func TestGuard_Check(t *testing.T) {
	g := New(Policy{
		MaxPromptTokens:  1000,
		MaxHistoryTokens: 4000,
		MaxCostUSD:       0.50,
		MaxTurns:         5,
	})

	t.Run("Within", func(t *testing.T) {
		if v := g.Check(Usage{PromptTokens: 500, HistoryTokens: 2000, CostUSD: 0.10, Turns: 2}); v != nil {
			t.Errorf("Unexpected violation: %v", v.Message)
		}
	})

	t.Run("Prompt Tokens Exceeded", func(t *testing.T) {
		v := g.Check(Usage{PromptTokens: 1500})
		if v == nil {
			t.Fatal("Expected prompt token violation")
		}
		if v.Rule != "max_prompt_tokens" {
			t.Errorf("Rule = %q", v.Rule)
		}
	})

	t.Run("History Tokens Exceeded", func(t *testing.T) {
		if v := g.Check(Usage{HistoryTokens: 5000}); v == nil {
			t.Error("Expected history token violation")
		}
	})

	t.Run("Cost Exceeded", func(t *testing.T) {
		if v := g.Check(Usage{CostUSD: 0.51}); v == nil {
			t.Error("Expected cost violation")
		}
	})

	t.Run("Turn Limit Reached", func(t *testing.T) {
		if v := g.Check(Usage{Turns: 5}); v == nil {
			t.Error("Expected turn violation")
		}
	})
}

func TestGuard_ZeroMeansUnlimited(t *testing.T) {
	g := New(DefaultPolicy)
	if v := g.Check(Usage{PromptTokens: 1 << 20, HistoryTokens: 1 << 20, CostUSD: 1000, Turns: 1 << 10}); v != nil {
		t.Errorf("Unexpected violation with default policy: %v", v.Message)
	}
}

func TestGuard_CheckModel(t *testing.T) {
	g := New(Policy{
		AllowedModels: []string{"gpt-4o*", "llama*"},
	})

	t.Run("Allowed", func(t *testing.T) {
		if v := g.CheckModel("gpt-4o-mini"); v != nil {
			t.Errorf("Unexpected violation: %v", v.Message)
		}
		if v := g.CheckModel("llama3.2"); v != nil {
			t.Errorf("Unexpected violation: %v", v.Message)
		}
	})

	t.Run("Blocked", func(t *testing.T) {
		v := g.CheckModel("claude-3-5-sonnet")
		if v == nil {
			t.Fatal("Expected violation for unlisted model")
		}
		if v.Rule != "allowed_models" {
			t.Errorf("Rule = %q", v.Rule)
		}
	})

	t.Run("Empty List Allows All", func(t *testing.T) {
		gw := New(Policy{})
		if v := gw.CheckModel("anything"); v != nil {
			t.Error("Expected no violation with empty allow-list")
		}
	})
}

func TestViolationError(t *testing.T) {
	v := &Violation{Rule: "max_cost_usd", Message: "over"}
	if got := v.Error(); got != "budget violation (max_cost_usd): over" {
		t.Errorf("Error() = %q", got)
	}
}
