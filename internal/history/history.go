// Package history owns the active conversation. All mutation of live
// history flows through the Manager so the conversation invariants have a
// single choke point; persistence is delegated to the configured storage
// backend.
package history

import (
	"fmt"

	"github.com/cellscribe/cellscribe/internal/chat"
	"github.com/cellscribe/cellscribe/internal/observe"
	"github.com/cellscribe/cellscribe/internal/persona"
	"github.com/cellscribe/cellscribe/internal/store"
)

// State describes the manager's lifecycle position.
type State string

const (
	// StateEmpty means no conversation has been started or loaded.
	StateEmpty State = "empty"
	// StateActive means an in-memory conversation exists with unsaved
	// changes.
	StateActive State = "active"
	// StatePersisted means the conversation matches its stored copy.
	StatePersisted State = "persisted"
)

// MetaPersona is the conversation metadata key recording the active
// persona name.
const MetaPersona = "persona"

// Manager tracks the active conversation and its persistence state.
type Manager struct {
	store    store.Store
	obs      *observe.Observer
	conv     *chat.Conversation
	state    State
	autoSave bool
}

func NewManager(st store.Store, obs *observe.Observer) *Manager {
	if obs == nil {
		obs = observe.Nop()
	}
	return &Manager{store: st, obs: obs, state: StateEmpty}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return m.state
}

// Active returns the live conversation, or nil when none exists. Callers
// must not mutate it directly.
func (m *Manager) Active() *chat.Conversation {
	return m.conv
}

// Messages returns the live message sequence, empty when no conversation
// exists.
func (m *Manager) Messages() []*chat.Message {
	if m.conv == nil {
		return nil
	}
	return m.conv.Messages
}

// StartNew replaces the active conversation with a fresh one, optionally
// seeded with the persona's system message.
func (m *Manager) StartNew(p *persona.Config) *chat.Conversation {
	conv := chat.NewConversation()
	if p != nil {
		conv.Append(chat.NewMessage(chat.RoleSystem, p.SystemMessage,
			chat.WithMetadata(chat.Metadata{Source: "persona"})))
		conv.SetMeta(MetaPersona, p.Name)
		if p.Model != "" {
			conv.SetMeta("model", p.Model)
		}
	}
	m.conv = conv
	m.state = StateActive
	m.obs.Log().Debug().Str("conversation", conv.ID).Msg("started new conversation")
	return conv
}

// SetPersona applies a persona to the active conversation, replacing the
// leading system message. Starts a conversation when none exists.
func (m *Manager) SetPersona(p *persona.Config) {
	if m.conv == nil {
		m.StartNew(p)
		return
	}
	m.conv.Append(chat.NewMessage(chat.RoleSystem, p.SystemMessage,
		chat.WithMetadata(chat.Metadata{Source: "persona"})))
	m.conv.SetMeta(MetaPersona, p.Name)
	m.state = StateActive
}

// AddMessage appends a message to the active conversation, starting one
// implicitly when the manager is empty. Auto-save, when enabled, runs
// after the append; its failures are logged and swallowed so passive
// persistence never interrupts the chat flow.
func (m *Manager) AddMessage(role chat.Role, content string, meta chat.Metadata) *chat.Message {
	msg := chat.NewMessage(role, content, chat.WithMetadata(meta))
	m.append(msg)
	m.maybeAutoSave()
	return msg
}

// AddContext appends snippet context to the conversation. Unlike
// AddMessage it never replaces the leading persona message, so the
// content may carry the system role.
func (m *Manager) AddContext(role chat.Role, content string, meta chat.Metadata) *chat.Message {
	msg := chat.NewMessage(role, content, chat.WithMetadata(meta))
	if m.conv == nil {
		m.StartNew(nil)
	}
	m.conv.AppendContext(msg)
	m.state = StateActive
	m.maybeAutoSave()
	return msg
}

// AddTurn appends a completed user/assistant pair as one unit, triggering
// at most one auto-save.
func (m *Manager) AddTurn(user, assistant *chat.Message) {
	m.append(user)
	m.append(assistant)
	m.maybeAutoSave()
}

func (m *Manager) append(msg *chat.Message) {
	if m.conv == nil {
		m.StartNew(nil)
	}
	m.conv.Append(msg)
	m.state = StateActive
}

// Clear resets the conversation to its leading system message, or to
// nothing when keepPersona is false.
func (m *Manager) Clear(keepPersona bool) error {
	if m.conv == nil {
		return fmt.Errorf("%w: no active conversation", chat.ErrInvalidOperation)
	}
	m.conv.Clear(keepPersona)
	m.state = StateActive
	return nil
}

// Rollback removes the last n non-system messages. The conversation is
// left unchanged when n exceeds the removable range.
func (m *Manager) Rollback(n int) error {
	if m.conv == nil {
		return fmt.Errorf("%w: no active conversation", chat.ErrInvalidOperation)
	}
	if err := m.conv.Truncate(n); err != nil {
		return err
	}
	m.state = StateActive
	return nil
}

// Save persists the active conversation under the given name. An empty
// name keeps the existing binding or derives one from the timestamp and a
// short content slug. Storage errors propagate unchanged; an explicit save
// is a user action expecting explicit failure feedback.
func (m *Manager) Save(name string) (string, error) {
	if m.conv == nil {
		return "", fmt.Errorf("%w: no active conversation", chat.ErrInvalidOperation)
	}
	if name != "" {
		m.conv.Name = name
	} else if m.conv.Name == "" {
		m.conv.Name = deriveName(m.conv)
	}

	id, err := m.store.Save(m.conv)
	if err != nil {
		return "", err
	}
	m.state = StatePersisted
	m.obs.Log().Info().
		Str("conversation", id).
		Str("name", m.conv.Name).
		Int("messages", len(m.conv.Messages)).
		Msg("conversation saved")
	return id, nil
}

// Load replaces the active conversation with an editable copy of the
// stored one. Backend not-found/ambiguous errors surface unchanged.
func (m *Manager) Load(identifier string) (*chat.Conversation, error) {
	conv, err := m.store.Load(identifier)
	if err != nil {
		return nil, err
	}
	m.conv = conv
	m.state = StatePersisted
	m.obs.Log().Info().
		Str("conversation", conv.ID).
		Int("messages", len(conv.Messages)).
		Msg("conversation loaded")
	return conv, nil
}

// SetAutoSave toggles best-effort implicit persistence after each append.
func (m *Manager) SetAutoSave(enabled bool) {
	m.autoSave = enabled
}

// AutoSave reports whether implicit persistence is on.
func (m *Manager) AutoSave() bool {
	return m.autoSave
}

func (m *Manager) maybeAutoSave() {
	if !m.autoSave || m.conv == nil {
		return
	}
	if _, err := m.Save(""); err != nil {
		// Deliberate asymmetry: explicit saves raise, implicit saves are
		// best effort.
		m.obs.Log().Warn().Err(err).Str("conversation", m.conv.ID).Msg("auto-save failed")
		m.state = StateActive
	}
}

// deriveName builds "20060102-150405-slug" from the conversation start
// time and its first user message.
func deriveName(conv *chat.Conversation) string {
	slug := ""
	for _, msg := range conv.Messages {
		if msg.Role == chat.RoleUser {
			slug = store.Slug(firstWords(msg.Content, 4))
			break
		}
	}
	stamp := conv.CreatedAt.Format("20060102-150405")
	if slug == "" {
		return stamp
	}
	return stamp + "-" + slug
}

func firstWords(text string, n int) string {
	words := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' || text[i] == '\n' {
			words++
			if words == n {
				return text[:i]
			}
		}
	}
	return text
}
