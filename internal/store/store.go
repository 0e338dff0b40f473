// Package store persists conversations. Three backends share one
// capability set: an in-process map, human-readable markdown files, and an
// indexed SQLite database. All backends return content-equal conversations
// for save/load round trips.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cellscribe/cellscribe/internal/chat"
)

var (
	// ErrNotFound is returned when no stored conversation matches an
	// identifier.
	ErrNotFound = errors.New("conversation not found")
	// ErrAmbiguous is returned when a prefix identifier matches more than
	// one stored conversation.
	ErrAmbiguous = errors.New("identifier matches multiple conversations")
)

// WriteError wraps an I/O, permission, or constraint failure during save.
type WriteError struct {
	ID  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write conversation %s: %v", e.ID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// CorruptionError wraps an unparseable persisted document.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt conversation document %s: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Summary describes a stored conversation without its message bodies.
type Summary struct {
	ID          string
	Name        string
	Tags        []string
	Messages    int
	TotalTokens int
	UpdatedAt   time.Time
}

// Store is the common persistence capability set. Load accepts an exact id
// or a unique id prefix; an ambiguous prefix fails with ErrAmbiguous.
type Store interface {
	Save(conv *chat.Conversation) (string, error)
	Load(identifier string) (*chat.Conversation, error)
	List() ([]Summary, error)
	Delete(id string) (bool, error)
	Search(query string) ([]Summary, error)
	Close() error
}

// summarize builds the Summary for a conversation.
func summarize(c *chat.Conversation) Summary {
	return Summary{
		ID:          c.ID,
		Name:        c.Name,
		Tags:        append([]string(nil), c.Tags...),
		Messages:    len(c.Messages),
		TotalTokens: c.TotalTokens(),
		UpdatedAt:   c.UpdatedAt,
	}
}

// resolvePrefix picks the single id matching the identifier from a set of
// candidate ids. Exact matches win over prefix matches.
func resolvePrefix(identifier string, ids []string) (string, error) {
	var matches []string
	for _, id := range ids {
		if id == identifier {
			return id, nil
		}
		if len(identifier) > 0 && len(id) >= len(identifier) && id[:len(identifier)] == identifier {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, identifier)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguous, identifier)
	}
}
