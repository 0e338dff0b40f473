// Package chat defines the message and conversation model shared by the
// history manager, the storage backends, and the session orchestrator.
package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a raw role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAssistant:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Metadata carries usage accounting attached to a message after an
// exchange completes. Zero values mean "not recorded".
type Metadata struct {
	TokensIn  int           `yaml:"tokens_in,omitempty" json:"tokens_in,omitempty"`
	TokensOut int           `yaml:"tokens_out,omitempty" json:"tokens_out,omitempty"`
	CostUSD   float64       `yaml:"cost_usd,omitempty" json:"cost_usd,omitempty"`
	Latency   time.Duration `yaml:"latency,omitempty" json:"latency,omitempty"`
	Model     string        `yaml:"model,omitempty" json:"model,omitempty"`
	// Source tags where the message came from, e.g. "snippet" or "persona".
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

// IsZero reports whether no metadata has been recorded.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Message is a single turn entry. Content and role are fixed at creation;
// only the usage metadata may be enriched afterwards.
type Message struct {
	ID        string    `yaml:"id" json:"id"`
	Role      Role      `yaml:"role" json:"role"`
	Content   string    `yaml:"content" json:"content"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	Metadata  Metadata  `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// MessageOption customizes a new message.
type MessageOption func(*Message)

// WithMetadata sets the initial metadata.
func WithMetadata(meta Metadata) MessageOption {
	return func(m *Message) { m.Metadata = meta }
}

// WithTime overrides the creation timestamp.
func WithTime(t time.Time) MessageOption {
	return func(m *Message) { m.CreatedAt = t }
}

// WithID overrides the generated message id.
func WithID(id string) MessageOption {
	return func(m *Message) { m.ID = id }
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(role Role, content string, opts ...MessageOption) *Message {
	msg := &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(msg)
	}
	return msg
}

// EnrichUsage records usage data measured after the exchange completed.
// Existing non-usage fields are preserved.
func (m *Message) EnrichUsage(tokensIn, tokensOut int, costUSD float64, latency time.Duration, model string) {
	m.Metadata.TokensIn = tokensIn
	m.Metadata.TokensOut = tokensOut
	m.Metadata.CostUSD = costUSD
	m.Metadata.Latency = latency
	m.Metadata.Model = model
}

// Clone returns an independent copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
