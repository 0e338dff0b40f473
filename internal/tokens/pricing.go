package tokens

import "strings"

// Pricing holds USD rates per 1000 tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// priceTable maps model name prefixes to rates. Longest prefix wins, so a
// dated model variant resolves to its family entry.
var priceTable = map[string]Pricing{
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"o1":            {InputPer1K: 0.015, OutputPer1K: 0.06},
	"claude-3-opus": {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"gemini-1.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":  {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-2.0-flash":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	// Local models cost nothing.
	"llama":   {},
	"mistral": {},
	"qwen":    {},
}

// Cost computes the USD cost of an exchange. Unknown models fail softly:
// they return a zero cost and ok=false so the caller can log a warning
// without interrupting the chat flow.
func Cost(tokensIn, tokensOut int, model string) (float64, bool) {
	p, ok := lookup(model)
	if !ok {
		return 0, false
	}
	return float64(tokensIn)/1000*p.InputPer1K + float64(tokensOut)/1000*p.OutputPer1K, true
}

func lookup(model string) (Pricing, bool) {
	model = strings.ToLower(model)
	var (
		best    Pricing
		bestLen = -1
	)
	for prefix, p := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}
