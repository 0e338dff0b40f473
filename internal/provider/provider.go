// Package provider defines the LLM client capability consumed by the
// session orchestrator, plus concrete clients for OpenAI, Ollama, Gemini,
// and Anthropic, and a stub for tests.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Message is a single entry in the outgoing message list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the effective sampling parameters for one exchange. Pointer
// fields distinguish "unset" from an explicit zero.
type Params struct {
	Model            string   `json:"model"`
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	TopP             *float32 `json:"top_p,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

// Request is one synchronous exchange with a model.
type Request struct {
	Messages []Message
	Params   Params
}

// Completion is the model's reply with reported usage. TokensIn/TokensOut
// of zero mean the provider did not report usage.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
	Model     string
}

// Chunk is an incremental piece of a streamed reply.
type Chunk struct {
	Text string
}

// Client is the LLM client capability. Stream delivers incremental chunks
// through fn before returning the assembled completion; a non-nil error
// from fn aborts the stream.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request, fn func(Chunk) error) (*Completion, error)
	Name() string
}

// Kind classifies client failures so the orchestrator can report them
// without inspecting provider-specific error types.
type Kind string

const (
	KindAuth           Kind = "auth"
	KindRateLimit      Kind = "rate_limit"
	KindInvalidRequest Kind = "invalid_request"
	KindNetwork        Kind = "network"
	KindUnknown        Kind = "unknown"
)

// Error is a classified client failure.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, defaulting to unknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// classifyStatus maps an HTTP status to a failure kind.
func classifyStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status >= 400 && status < 500:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

// classify wraps an arbitrary client error, detecting network-level
// failures (timeouts, refused connections, cancelled contexts).
func classify(providerName string, err error) *Error {
	kind := KindUnknown

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindNetwork
	case errors.As(err, &netErr):
		kind = KindNetwork
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "no such host"):
		kind = KindNetwork
	}

	return &Error{Kind: kind, Provider: providerName, Err: err}
}
