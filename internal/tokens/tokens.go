// Package tokens provides approximate token counting and cost lookup.
// Estimates use a characters-per-token heuristic, not a provider
// tokenizer; they are meant for budgeting and display, not billing.
package tokens

import "github.com/cellscribe/cellscribe/internal/chat"

// charsPerToken matches average English text tokenization.
const charsPerToken = 4

// Estimate returns the approximate token count for a text. It is
// deterministic and monotonic in the input length.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessages sums the estimate over the content of each message.
func EstimateMessages(messages []*chat.Message) int {
	total := 0
	for _, m := range messages {
		total += Estimate(m.Content)
	}
	return total
}
