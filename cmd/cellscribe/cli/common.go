package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cellscribe/cellscribe/internal/budget"
	"github.com/cellscribe/cellscribe/internal/credential"
	"github.com/cellscribe/cellscribe/internal/history"
	"github.com/cellscribe/cellscribe/internal/observe"
	"github.com/cellscribe/cellscribe/internal/persona"
	"github.com/cellscribe/cellscribe/internal/provider"
	"github.com/cellscribe/cellscribe/internal/session"
	"github.com/cellscribe/cellscribe/internal/store"
	"github.com/cellscribe/cellscribe/internal/ui"
)

// baseDir resolves the data directory, CELLSCRIBE_DIR overriding the
// default under the user's home.
func baseDir() string {
	if dir := os.Getenv("CELLSCRIBE_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cellscribe")
}

func newObserver() *observe.Observer {
	if jsonLogs {
		return observe.NewJSON(os.Stderr, verbose)
	}
	return observe.New(os.Stderr, verbose)
}

// openStore selects the conversation backend from the --store flag.
func openStore() (store.Store, error) {
	switch storeType {
	case "memory":
		return store.NewMemoryStore(), nil
	case "markdown":
		return store.NewMarkdownStore(filepath.Join(baseDir(), "conversations"))
	case "sqlite":
		return store.NewSQLiteStore(filepath.Join(baseDir(), "cellscribe.db"))
	default:
		return nil, fmt.Errorf("unknown store type %q (memory, markdown, sqlite)", storeType)
	}
}

// openIndex opens the sqlite store regardless of the conversation backend;
// it also holds configuration and credentials.
func openIndex() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(filepath.Join(baseDir(), "cellscribe.db"))
}

// getSecret reads a config value and decrypts it when stored encrypted.
func getSecret(idx *store.SQLiteStore, key string) string {
	value, err := idx.GetConfig(key)
	if err != nil || value == "" {
		return ""
	}
	mgr, err := credential.NewManager()
	if err != nil {
		return ""
	}
	plain, err := mgr.Decrypt(value)
	if err != nil {
		return ""
	}
	return plain
}

// newClient builds the LLM client for the --provider flag, pulling API
// keys from encrypted configuration with environment fallbacks.
func newClient(idx *store.SQLiteStore) (provider.Client, error) {
	switch providerType {
	case "openai":
		apiKey := getSecret(idx, "openai.api_key")
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		baseURL, _ := idx.GetConfig("openai.base_url")
		return provider.NewOpenAIClient(apiKey, baseURL, modelName)
	case "ollama":
		return provider.NewOllamaClient(modelName)
	case "gemini":
		apiKey := getSecret(idx, "gemini.api_key")
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		return provider.NewGeminiClient(apiKey, modelName)
	case "anthropic":
		apiKey := getSecret(idx, "anthropic.api_key")
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return provider.NewAnthropicClient(apiKey, modelName)
	case "stub":
		// Canned client for tests and dry runs.
		return provider.NewStubClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (openai, ollama, gemini, anthropic)", providerType)
	}
}

func personaLoader() *persona.Loader {
	pd := personaDir
	if pd == "" {
		pd = filepath.Join(baseDir(), "personas")
	}
	sd := snippetDir
	if sd == "" {
		sd = filepath.Join(baseDir(), "snippets")
	}
	return persona.NewLoader(pd, sd)
}

func sessionPolicy() budget.Policy {
	return budget.Policy{
		MaxPromptTokens:  maxPromptTokens,
		MaxHistoryTokens: maxHistoryTokens,
		MaxCostUSD:       maxCostUSD,
	}
}

// newOrchestrator wires the full session stack from the global flags.
func newOrchestrator(obs *observe.Observer, st store.Store, client provider.Client) *session.Orchestrator {
	hist := history.NewManager(st, obs)
	hist.SetAutoSave(autoSave)
	guard := budget.New(sessionPolicy())
	return session.New(client, hist, personaLoader(), guard, obs)
}

// attachUI routes session events to a UI implementation.
func attachUI(o *session.Orchestrator, u ui.UI) {
	bus := o.Bus()
	bus.Subscribe(session.EventTurnStart, func(e session.Event) {
		u.UpdateStatus("thinking")
	})
	bus.Subscribe(session.EventChunk, func(e session.Event) {
		if text, ok := e.Data["text"].(string); ok {
			u.StreamChunk(text)
		}
	})
	bus.Subscribe(session.EventTurnComplete, func(e session.Event) {
		u.UpdateStatus("ready")
	})
	bus.Subscribe(session.EventTurnFailed, func(e session.Event) {
		if msg, ok := e.Data["error"].(string); ok {
			u.Log("turn failed: " + msg)
		}
	})
}

func fatal(obs *observe.Observer, err error, msg string) {
	obs.Log().Error().Err(err).Msg(msg)
	os.Exit(1)
}
