package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cellscribe/cellscribe/internal/chat"
)

// MemoryStore keeps conversations in a process-lifetime map. Data is lost
// on exit; it exists for ephemeral sessions and tests.
type MemoryStore struct {
	conversations map[string]*chat.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*chat.Conversation)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(conv *chat.Conversation) (string, error) {
	if conv.ID == "" {
		return "", &WriteError{Err: fmt.Errorf("conversation has no id")}
	}
	s.conversations[conv.ID] = conv.Clone()
	return conv.ID, nil
}

func (s *MemoryStore) Load(identifier string) (*chat.Conversation, error) {
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	id, err := resolvePrefix(identifier, ids)
	if err != nil {
		return nil, err
	}
	return s.conversations[id].Clone(), nil
}

func (s *MemoryStore) List() ([]Summary, error) {
	summaries := make([]Summary, 0, len(s.conversations))
	for _, c := range s.conversations {
		summaries = append(summaries, summarize(c))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *MemoryStore) Delete(id string) (bool, error) {
	if _, ok := s.conversations[id]; !ok {
		return false, nil
	}
	delete(s.conversations, id)
	return true, nil
}

// Search performs a linear substring scan over names, tags, and message
// content. Fine for a process-lifetime store.
func (s *MemoryStore) Search(query string) ([]Summary, error) {
	query = strings.ToLower(query)
	var summaries []Summary
	for _, c := range s.conversations {
		if memoryMatches(c, query) {
			summaries = append(summaries, summarize(c))
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func memoryMatches(c *chat.Conversation, query string) bool {
	if strings.Contains(strings.ToLower(c.Name), query) {
		return true
	}
	for _, tag := range c.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	for _, m := range c.Messages {
		if strings.Contains(strings.ToLower(m.Content), query) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Close() error { return nil }
