package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose          bool
	jsonLogs         bool
	storeType        string
	providerType     string
	modelName        string
	personaDir       string
	snippetDir       string
	autoSave         bool
	maxPromptTokens  int
	maxHistoryTokens int
	maxCostUSD       float64
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "cellscribe",
	Short: "Conversation manager for LLM-assisted notebooks",
	Long: `Cellscribe keeps LLM conversations as first-class artifacts: personas seed
them, every turn records token and cost usage, and three storage backends
(in-memory, markdown files, sqlite with full-text search) persist them.`,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	pf.BoolVar(&jsonLogs, "json", false, "JSON log output")
	pf.StringVar(&storeType, "store", "sqlite", "Conversation backend (memory, markdown, sqlite)")
	pf.StringVarP(&providerType, "provider", "p", "ollama", "LLM provider (openai, ollama, gemini, anthropic)")
	pf.StringVarP(&modelName, "model", "m", "", "Model name (default depends on provider and persona)")
	pf.StringVar(&personaDir, "persona-dir", "", "Persona directory (default $CELLSCRIBE_DIR/personas)")
	pf.StringVar(&snippetDir, "snippet-dir", "", "Snippet directory (default $CELLSCRIBE_DIR/snippets)")
	pf.BoolVar(&autoSave, "auto-save", true, "Persist the conversation after each turn")
	pf.IntVar(&maxPromptTokens, "max-prompt-tokens", 0, "Refuse prompts above this estimated size (0 = unlimited)")
	pf.IntVar(&maxHistoryTokens, "max-history-tokens", 0, "Refuse turns once history exceeds this size (0 = unlimited)")
	pf.Float64Var(&maxCostUSD, "max-cost", 0, "Refuse turns once session cost exceeds this (0 = unlimited)")
}
