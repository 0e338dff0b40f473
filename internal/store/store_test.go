package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cellscribe/cellscribe/internal/chat"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	md, err := NewMarkdownStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create markdown store: %v", err)
	}
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	return map[string]Store{
		"memory":   NewMemoryStore(),
		"markdown": md,
		"sqlite":   sq,
	}
}

func sampleConversation(name string) *chat.Conversation {
	conv := chat.NewConversation()
	conv.Name = name
	conv.Tags = []string{"demo", "test"}
	conv.SetMeta("persona", "default")
	conv.Append(chat.NewMessage(chat.RoleSystem, "You are helpful"))
	conv.Append(chat.NewMessage(chat.RoleUser, "What is the airspeed of an unladen swallow?",
		chat.WithMetadata(chat.Metadata{TokensIn: 11})))
	conv.Append(chat.NewMessage(chat.RoleAssistant, "African or European?",
		chat.WithMetadata(chat.Metadata{TokensOut: 5, CostUSD: 0.0001, Model: "gpt-4o", Latency: 120 * time.Millisecond})))
	return conv
}

// Every backend must produce content-equal conversations for a save/load
// round trip.
func TestRoundTripConformance(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()

			conv := sampleConversation("roundtrip")
			id, err := backend.Save(conv)
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if id != conv.ID {
				t.Errorf("Save returned id %q, want %q", id, conv.ID)
			}

			loaded, err := backend.Load(conv.ID)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if loaded.Name != conv.Name {
				t.Errorf("Name = %q, want %q", loaded.Name, conv.Name)
			}
			if len(loaded.Tags) != 2 {
				t.Errorf("Tags = %v, want 2 entries", loaded.Tags)
			}
			if loaded.Metadata["persona"] != "default" {
				t.Errorf("Metadata lost: %v", loaded.Metadata)
			}
			if len(loaded.Messages) != len(conv.Messages) {
				t.Fatalf("message count = %d, want %d", len(loaded.Messages), len(conv.Messages))
			}
			for i, want := range conv.Messages {
				got := loaded.Messages[i]
				if got.Role != want.Role || got.Content != want.Content {
					t.Errorf("message %d = %s %q, want %s %q", i, got.Role, got.Content, want.Role, want.Content)
				}
				if got.Metadata.TokensIn != want.Metadata.TokensIn ||
					got.Metadata.TokensOut != want.Metadata.TokensOut ||
					got.Metadata.CostUSD != want.Metadata.CostUSD ||
					got.Metadata.Model != want.Metadata.Model {
					t.Errorf("message %d metadata = %+v, want %+v", i, got.Metadata, want.Metadata)
				}
			}
		})
	}
}

func TestLoadByUniquePrefix(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()

			conv := sampleConversation("prefix")
			if _, err := backend.Save(conv); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := backend.Load(conv.ID[:8])
			if err != nil {
				t.Fatalf("prefix load failed: %v", err)
			}
			if loaded.ID != conv.ID {
				t.Errorf("loaded id = %q, want %q", loaded.ID, conv.ID)
			}
		})
	}
}

func TestLoadAmbiguousPrefix(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()

			a := sampleConversation("first")
			a.ID = "abc11111-1111-1111-1111-111111111111"
			b := sampleConversation("second")
			b.ID = "abc22222-2222-2222-2222-222222222222"
			for _, conv := range []*chat.Conversation{a, b} {
				if _, err := backend.Save(conv); err != nil {
					t.Fatalf("Save failed: %v", err)
				}
			}

			_, err := backend.Load("abc")
			if !errors.Is(err, ErrAmbiguous) {
				t.Fatalf("expected ErrAmbiguous, got %v", err)
			}
		})
	}
}

func TestLoadUnknownIdentifier(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()
			_, err := backend.Load("no-such-conversation")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()

			conv := sampleConversation("doomed")
			if _, err := backend.Save(conv); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			ok, err := backend.Delete(conv.ID)
			if err != nil || !ok {
				t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
			}
			if _, err := backend.Load(conv.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("conversation still loadable after delete: %v", err)
			}

			ok, err = backend.Delete(conv.ID)
			if err != nil || ok {
				t.Errorf("second Delete = (%v, %v), want (false, nil)", ok, err)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()

			hit := sampleConversation("searchable")
			miss := chat.NewConversation()
			miss.Name = "other"
			miss.Append(chat.NewMessage(chat.RoleUser, "nothing relevant here"))
			for _, conv := range []*chat.Conversation{hit, miss} {
				if _, err := backend.Save(conv); err != nil {
					t.Fatalf("Save failed: %v", err)
				}
			}

			results, err := backend.Search("swallow")
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if len(results) != 1 || results[0].ID != hit.ID {
				t.Fatalf("Search = %+v, want single hit %s", results, hit.ID)
			}
		})
	}
}

func TestList(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()

			for _, title := range []string{"one", "two"} {
				if _, err := backend.Save(sampleConversation(title)); err != nil {
					t.Fatalf("Save failed: %v", err)
				}
			}

			summaries, err := backend.List()
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(summaries) != 2 {
				t.Fatalf("List returned %d summaries, want 2", len(summaries))
			}
			for _, sm := range summaries {
				if sm.Messages != 3 {
					t.Errorf("summary %s: Messages = %d, want 3", sm.Name, sm.Messages)
				}
				if sm.TotalTokens != 16 {
					t.Errorf("summary %s: TotalTokens = %d, want 16", sm.Name, sm.TotalTokens)
				}
			}
		})
	}
}

func TestResaveDoesNotDuplicate(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()

			conv := sampleConversation("resave")
			if _, err := backend.Save(conv); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			conv.Append(chat.NewMessage(chat.RoleUser, "follow-up"))
			if _, err := backend.Save(conv); err != nil {
				t.Fatalf("second Save failed: %v", err)
			}

			summaries, err := backend.List()
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(summaries) != 1 {
				t.Fatalf("resave created %d entries, want 1", len(summaries))
			}
			if summaries[0].Messages != 4 {
				t.Errorf("resaved conversation has %d messages, want 4", summaries[0].Messages)
			}
		})
	}
}
