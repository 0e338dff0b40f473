package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidOperation marks an illegal mutation of a conversation, such as
// rolling back past the start of history. It indicates caller misuse and is
// never converted into a soft failure.
var ErrInvalidOperation = errors.New("invalid operation")

// Conversation is an ordered sequence of messages with identity and
// bookkeeping metadata. Mutation is append-only except for the explicit
// Truncate and Clear operations.
type Conversation struct {
	ID        string            `yaml:"id" json:"id"`
	Name      string            `yaml:"name,omitempty" json:"name,omitempty"`
	Tags      []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time         `yaml:"updated_at" json:"updated_at"`
	Metadata  map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Messages  []*Message        `yaml:"messages" json:"messages"`
}

// NewConversation creates an empty conversation with a fresh id.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to the end of the conversation. A conversation holds
// at most one system message and it is always the leading one: appending a
// system message replaces the current leading system message (or inserts it
// at position zero) instead of growing the history.
func (c *Conversation) Append(msg *Message) {
	if msg.Role == RoleSystem {
		if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
			c.Messages[0] = msg
		} else {
			c.Messages = append([]*Message{msg}, c.Messages...)
		}
		c.touch()
		return
	}
	c.Messages = append(c.Messages, msg)
	c.touch()
}

// AppendContext appends a message in place regardless of role. Snippet
// context may carry the system role without displacing the leading
// persona message.
func (c *Conversation) AppendContext(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.touch()
}

// Truncate removes the last n non-system messages. It fails without
// modifying the conversation when n exceeds the number of removable
// messages.
func (c *Conversation) Truncate(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: cannot truncate %d messages", ErrInvalidOperation, n)
	}
	removable := len(c.Messages)
	if removable > 0 && c.Messages[0].Role == RoleSystem {
		removable--
	}
	if n > removable {
		return fmt.Errorf("%w: cannot truncate %d of %d removable messages", ErrInvalidOperation, n, removable)
	}
	c.Messages = c.Messages[:len(c.Messages)-n]
	c.touch()
	return nil
}

// Clear removes all messages. When keepSystem is set the leading system
// message survives.
func (c *Conversation) Clear(keepSystem bool) {
	if keepSystem && len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		c.Messages = c.Messages[:1]
	} else {
		c.Messages = nil
	}
	c.touch()
}

// SystemMessage returns the leading system message, if any.
func (c *Conversation) SystemMessage() *Message {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return c.Messages[0]
	}
	return nil
}

// TotalTokens folds the per-message token metadata, treating absent
// metadata as zero.
func (c *Conversation) TotalTokens() int {
	total := 0
	for _, m := range c.Messages {
		total += m.Metadata.TokensIn + m.Metadata.TokensOut
	}
	return total
}

// TotalCost folds the per-message cost metadata.
func (c *Conversation) TotalCost() float64 {
	total := 0.0
	for _, m := range c.Messages {
		total += m.Metadata.CostUSD
	}
	return total
}

// Turns counts completed user/assistant exchange pairs.
func (c *Conversation) Turns() int {
	assistant := 0
	for _, m := range c.Messages {
		if m.Role == RoleAssistant {
			assistant++
		}
	}
	return assistant
}

// Clone returns a deep copy. Storage backends and the history manager copy
// conversations at their boundaries so callers never share message slices.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = m.Clone()
	}
	return &cp
}

// SetMeta records an auxiliary metadata entry, e.g. the active persona name.
func (c *Conversation) SetMeta(key, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
	c.touch()
}

func (c *Conversation) touch() {
	c.UpdatedAt = time.Now()
}
