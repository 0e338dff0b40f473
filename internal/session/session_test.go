package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cellscribe/cellscribe/internal/budget"
	"github.com/cellscribe/cellscribe/internal/chat"
	"github.com/cellscribe/cellscribe/internal/history"
	"github.com/cellscribe/cellscribe/internal/observe"
	"github.com/cellscribe/cellscribe/internal/persona"
	"github.com/cellscribe/cellscribe/internal/provider"
	"github.com/cellscribe/cellscribe/internal/store"
)

func newFixture(t *testing.T, client provider.Client) *Orchestrator {
	t.Helper()

	personaDir := t.TempDir()
	snippetDir := t.TempDir()
	writeFile(t, filepath.Join(personaDir, "helpful.yaml"),
		"system_message: You are helpful\nmodel: gpt-4o\n")
	writeFile(t, filepath.Join(snippetDir, "context.md"),
		"Project uses Go 1.22.\n")

	hist := history.NewManager(store.NewMemoryStore(), observe.Nop())
	loader := persona.NewLoader(personaDir, snippetDir)
	return New(client, hist, loader, nil, observe.Nop())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestChatScenario(t *testing.T) {
	stub := provider.NewStubClient(provider.Completion{
		Text: "4", TokensIn: 5, TokensOut: 1, Model: "gpt-4o",
	})
	o := newFixture(t, stub)
	if err := o.SetPersona("helpful"); err != nil {
		t.Fatalf("SetPersona: %v", err)
	}

	res := o.Chat(context.Background(), "2+2?", Options{})
	if !res.Success {
		t.Fatalf("chat failed: %s", res.ErrorMessage)
	}
	if res.Text != "4" || res.TokensIn != 5 || res.TokensOut != 1 {
		t.Fatalf("result = %+v", res)
	}

	conv := o.History().Active()
	msgs := conv.Messages
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(msgs))
	}
	wantRoles := []chat.Role{chat.RoleSystem, chat.RoleUser, chat.RoleAssistant}
	wantContent := []string{"You are helpful", "2+2?", "4"}
	for i := range msgs {
		if msgs[i].Role != wantRoles[i] || msgs[i].Content != wantContent[i] {
			t.Errorf("messages[%d] = %s %q", i, msgs[i].Role, msgs[i].Content)
		}
	}
	if got := conv.TotalTokens(); got != 6 {
		t.Errorf("TotalTokens() = %d, want 6", got)
	}
}

func TestPerCallPersonaActivates(t *testing.T) {
	stub := provider.NewStubClient(provider.Completion{Text: "ok"})
	o := newFixture(t, stub)

	res := o.Chat(context.Background(), "hi", Options{Persona: "helpful"})
	if !res.Success {
		t.Fatalf("chat failed: %s", res.ErrorMessage)
	}
	if p := o.Persona(); p == nil || p.Name != "helpful" {
		t.Fatalf("Persona() = %+v, want helpful", p)
	}
	msgs := o.History().Messages()
	if len(msgs) == 0 || msgs[0].Role != chat.RoleSystem || msgs[0].Content != "You are helpful" {
		t.Fatalf("conversation not seeded with persona system message: %+v", msgs)
	}
	if stub.Requests[0].Params.Model != "gpt-4o" {
		t.Errorf("model = %q, want persona default gpt-4o", stub.Requests[0].Params.Model)
	}
}

func TestPerCallPersonaUnknownFailsInBand(t *testing.T) {
	stub := provider.NewStubClient(provider.Completion{Text: "ok"})
	o := newFixture(t, stub)

	res := o.Chat(context.Background(), "hi", Options{Persona: "nope"})
	if res.Success {
		t.Fatal("chat succeeded, want failure")
	}
	if res.ErrorKind != provider.KindInvalidRequest {
		t.Errorf("ErrorKind = %q, want invalid_request", res.ErrorKind)
	}
	if got := len(o.History().Messages()); got != 0 {
		t.Errorf("history mutated on unknown persona, %d messages", got)
	}
}

func TestFailedTurnIsAtomic(t *testing.T) {
	stub := provider.NewStubClient().FailWith(&provider.Error{
		Kind: provider.KindRateLimit, Provider: "stub", Err: errors.New("429"),
	})
	o := newFixture(t, stub)
	if err := o.SetPersona("helpful"); err != nil {
		t.Fatal(err)
	}
	before := len(o.History().Messages())

	res := o.Chat(context.Background(), "hello", Options{})
	if res.Success {
		t.Fatal("chat succeeded, want failure")
	}
	if res.ErrorKind != provider.KindRateLimit {
		t.Errorf("ErrorKind = %q, want rate_limit", res.ErrorKind)
	}
	if got := len(o.History().Messages()); got != before {
		t.Errorf("len(messages) = %d after failed turn, want %d", got, before)
	}
}

func TestFailedTurnPersistsPromptWhenAsked(t *testing.T) {
	stub := provider.NewStubClient().FailWith(&provider.Error{
		Kind: provider.KindNetwork, Provider: "stub", Err: errors.New("refused"),
	})
	o := newFixture(t, stub)

	res := o.Chat(context.Background(), "hello", Options{PersistPromptOnFailure: true})
	if res.Success {
		t.Fatal("chat succeeded, want failure")
	}
	msgs := o.History().Messages()
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("messages = %+v, want kept prompt only", msgs)
	}
}

func TestShowOnlyLeavesHistoryUntouched(t *testing.T) {
	stub := provider.NewStubClient(provider.Completion{Text: "sure"})
	o := newFixture(t, stub)
	if err := o.SetPersona("helpful"); err != nil {
		t.Fatal(err)
	}
	before := len(o.History().Messages())

	res := o.Chat(context.Background(), "quick question", Options{ShowOnly: true})
	if !res.Success || res.Text != "sure" {
		t.Fatalf("result = %+v", res)
	}
	if got := len(o.History().Messages()); got != before {
		t.Errorf("len(messages) = %d after show-only, want %d", got, before)
	}
	if len(stub.Requests) != 1 {
		t.Errorf("requests = %d, want 1", len(stub.Requests))
	}
}

func TestStreamingCancelDiscardsPartials(t *testing.T) {
	stub := provider.NewStubClient(provider.Completion{Text: "one two three"})
	o := newFixture(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	var received []string
	res := o.Chat(ctx, "count", Options{
		Stream: true,
		OnChunk: func(text string) {
			received = append(received, text)
			cancel()
		},
	})
	if res.Success {
		t.Fatal("chat succeeded despite cancellation")
	}
	if res.ErrorKind != provider.KindNetwork {
		t.Errorf("ErrorKind = %q, want network", res.ErrorKind)
	}
	if len(received) != 1 {
		t.Errorf("chunks delivered = %d, want 1", len(received))
	}
	if got := len(o.History().Messages()); got != 0 {
		t.Errorf("len(messages) = %d after cancelled stream, want 0", got)
	}
}

func TestStreamingDeliversChunksAndCommits(t *testing.T) {
	stub := provider.NewStubClient(provider.Completion{Text: "hello there"})
	o := newFixture(t, stub)

	var assembled string
	res := o.Chat(context.Background(), "hi", Options{
		Stream:  true,
		OnChunk: func(text string) { assembled += text },
	})
	if !res.Success {
		t.Fatalf("chat failed: %s", res.ErrorMessage)
	}
	if assembled != "hello there" {
		t.Errorf("assembled = %q", assembled)
	}
	if got := len(o.History().Messages()); got != 2 {
		t.Errorf("len(messages) = %d, want 2", got)
	}
}

func TestOverridePrecedence(t *testing.T) {
	stub := provider.NewStubClient()
	o := newFixture(t, stub)
	if err := o.SetPersona("helpful"); err != nil {
		t.Fatal(err)
	}

	// Persona layer.
	o.Chat(context.Background(), "a", Options{})
	if got := stub.Requests[0].Params.Model; got != "gpt-4o" {
		t.Errorf("persona layer model = %q, want gpt-4o", got)
	}

	// Session override beats persona.
	o.SetOverride("model", "gpt-4o-mini")
	o.SetOverride("temperature", "0.5")
	o.Chat(context.Background(), "b", Options{})
	p := stub.Requests[1].Params
	if p.Model != "gpt-4o-mini" {
		t.Errorf("override layer model = %q, want gpt-4o-mini", p.Model)
	}
	if p.Temperature == nil || *p.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", p.Temperature)
	}

	// Call option beats session override.
	o.Chat(context.Background(), "c", Options{Model: "llama3.2"})
	if got := stub.Requests[2].Params.Model; got != "llama3.2" {
		t.Errorf("call layer model = %q, want llama3.2", got)
	}

	// Removing the override falls back to the persona.
	o.RemoveOverride("model")
	o.Chat(context.Background(), "d", Options{})
	if got := stub.Requests[3].Params.Model; got != "gpt-4o" {
		t.Errorf("model after removal = %q, want gpt-4o", got)
	}
}

func TestOverridesMaskSecrets(t *testing.T) {
	o := newFixture(t, provider.NewStubClient())
	o.SetOverride("openai_api_key", "sk-1234567890abcdef")
	o.SetOverride("model", "gpt-4o")

	got := o.Overrides()
	if got["openai_api_key"] != "sk-1...cdef" {
		t.Errorf("masked key = %q", got["openai_api_key"])
	}
	if got["model"] != "gpt-4o" {
		t.Errorf("model = %q, want unmasked", got["model"])
	}
}

func TestBudgetViolationRefusesTurn(t *testing.T) {
	stub := provider.NewStubClient()
	hist := history.NewManager(store.NewMemoryStore(), observe.Nop())
	loader := persona.NewLoader(t.TempDir(), t.TempDir())
	guard := budget.New(budget.Policy{MaxPromptTokens: 1})
	o := New(stub, hist, loader, guard, observe.Nop())

	var violations []Event
	o.Bus().Subscribe(EventBudgetViolation, func(e Event) {
		violations = append(violations, e)
	})

	res := o.Chat(context.Background(), "this prompt is definitely longer than one token", Options{})
	if res.Success {
		t.Fatal("chat succeeded despite budget violation")
	}
	if res.ErrorKind != provider.KindInvalidRequest {
		t.Errorf("ErrorKind = %q, want invalid_request", res.ErrorKind)
	}
	if len(stub.Requests) != 0 {
		t.Errorf("client received %d requests, want 0", len(stub.Requests))
	}
	if len(violations) != 1 {
		t.Errorf("violation events = %d, want 1", len(violations))
	}
}

func TestEphemeralSnippetSentNotRecorded(t *testing.T) {
	stub := provider.NewStubClient()
	o := newFixture(t, stub)

	res := o.Chat(context.Background(), "what language?", Options{Snippets: []string{"context"}})
	if !res.Success {
		t.Fatalf("chat failed: %s", res.ErrorMessage)
	}

	req := stub.Requests[0]
	if len(req.Messages) != 2 {
		t.Fatalf("outgoing messages = %d, want snippet + prompt", len(req.Messages))
	}
	if req.Messages[0].Content != "Project uses Go 1.22." {
		t.Errorf("snippet content = %q", req.Messages[0].Content)
	}
	for _, m := range o.History().Messages() {
		if m.Metadata.Source == "snippet" {
			t.Error("ephemeral snippet was recorded in history")
		}
	}
}

func TestPersistentSnippetRecorded(t *testing.T) {
	stub := provider.NewStubClient()
	o := newFixture(t, stub)

	if err := o.AddSnippet("context", ""); err != nil {
		t.Fatalf("AddSnippet: %v", err)
	}
	msgs := o.History().Messages()
	if len(msgs) != 1 || msgs[0].Metadata.Source != "snippet" {
		t.Fatalf("messages = %+v, want one snippet message", msgs)
	}
	if msgs[0].Role != chat.RoleUser {
		t.Errorf("snippet role = %s, want user default", msgs[0].Role)
	}

	o.Chat(context.Background(), "question", Options{})
	if got := len(stub.Requests[0].Messages); got != 2 {
		t.Errorf("outgoing messages = %d, want snippet + prompt", got)
	}
}

func TestSystemSnippetKeepsPersona(t *testing.T) {
	o := newFixture(t, provider.NewStubClient())
	if err := o.SetPersona("helpful"); err != nil {
		t.Fatal(err)
	}

	if err := o.AddSnippet("context", chat.RoleSystem); err != nil {
		t.Fatalf("AddSnippet: %v", err)
	}
	msgs := o.History().Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want persona + snippet", len(msgs))
	}
	if msgs[0].Content != "You are helpful" {
		t.Errorf("leading system message displaced: %q", msgs[0].Content)
	}
	if msgs[1].Role != chat.RoleSystem || msgs[1].Metadata.Source != "snippet" {
		t.Errorf("messages[1] = %s %q", msgs[1].Role, msgs[1].Metadata.Source)
	}
}

func TestSnippetRejectsAssistantRole(t *testing.T) {
	o := newFixture(t, provider.NewStubClient())
	if err := o.AddSnippet("context", chat.RoleAssistant); !errors.Is(err, chat.ErrInvalidOperation) {
		t.Errorf("AddSnippet error = %v, want ErrInvalidOperation", err)
	}
}

func TestEphemeralSnippetRoleOption(t *testing.T) {
	stub := provider.NewStubClient()
	o := newFixture(t, stub)

	res := o.Chat(context.Background(), "q", Options{
		Snippets:    []string{"context"},
		SnippetRole: chat.RoleSystem,
	})
	if !res.Success {
		t.Fatalf("chat failed: %s", res.ErrorMessage)
	}
	if got := stub.Requests[0].Messages[0].Role; got != "system" {
		t.Errorf("snippet role = %q, want system", got)
	}
}

func TestClearOverrides(t *testing.T) {
	o := newFixture(t, provider.NewStubClient())
	o.SetOverride("model", "gpt-4o")
	o.SetOverride("temperature", "0.2")

	o.ClearOverrides()
	if got := len(o.Overrides()); got != 0 {
		t.Errorf("overrides after clear = %d, want 0", got)
	}
}

func TestUnknownSnippetFailsInBand(t *testing.T) {
	o := newFixture(t, provider.NewStubClient())
	res := o.Chat(context.Background(), "hi", Options{Snippets: []string{"missing"}})
	if res.Success {
		t.Fatal("chat succeeded with unknown snippet")
	}
	if res.ErrorKind != provider.KindInvalidRequest {
		t.Errorf("ErrorKind = %q, want invalid_request", res.ErrorKind)
	}
}

func TestTurnEventsPublished(t *testing.T) {
	o := newFixture(t, provider.NewStubClient(provider.Completion{Text: "hi"}))

	var types []EventType
	o.Bus().SubscribeAll(func(e Event) { types = append(types, e.Type) })

	o.Chat(context.Background(), "hello", Options{})
	want := []EventType{EventTurnStart, EventTurnComplete}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestEstimatedUsageFallback(t *testing.T) {
	// Stub default completion reports no usage; estimates fill in.
	o := newFixture(t, provider.NewStubClient(provider.Completion{Text: "four words of text", Model: "local"}))
	res := o.Chat(context.Background(), "some prompt here", Options{})
	if !res.Success {
		t.Fatalf("chat failed: %s", res.ErrorMessage)
	}
	if res.TokensIn == 0 || res.TokensOut == 0 {
		t.Errorf("estimated usage missing: %+v", res)
	}
}

func TestUnknownModelPricingWarns(t *testing.T) {
	stub := provider.NewStubClient(provider.Completion{
		Text: "hi", TokensIn: 3, TokensOut: 2, Model: "mystery-9000",
	})
	buf := &bytes.Buffer{}
	obs := observe.New(buf, false)
	hist := history.NewManager(store.NewMemoryStore(), obs)
	o := New(stub, hist, persona.NewLoader(t.TempDir(), t.TempDir()), nil, obs)

	res := o.Chat(context.Background(), "hello", Options{})
	if !res.Success {
		t.Fatalf("chat failed: %s", res.ErrorMessage)
	}
	if res.CostUSD != 0 {
		t.Errorf("CostUSD = %f, want 0 for unpriced model", res.CostUSD)
	}
	if !strings.Contains(buf.String(), "no pricing for model") {
		t.Errorf("expected pricing warning in log, got %q", buf.String())
	}
}
