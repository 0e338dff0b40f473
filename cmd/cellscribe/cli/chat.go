package cli

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/cellscribe/cellscribe/internal/chat"
	"github.com/cellscribe/cellscribe/internal/session"
	"github.com/cellscribe/cellscribe/internal/store"
	"github.com/cellscribe/cellscribe/internal/ui"
	"github.com/cellscribe/cellscribe/internal/ui/tui"
)

var (
	chatPersona     string
	chatSnippets    []string
	chatContext     []string
	chatContextRole string
	chatContinue    string
	chatSaveAs      string
	showOnly        bool
	streamOutput    bool
	keepPrompt      bool
	interactive     bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a prompt to the model",
	Long: `Send a single prompt, or start an interactive session with -i.
Snippets given with --snippet are sent with this call only; --context
snippets become part of the conversation.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !interactive && len(args) == 0 {
			fmt.Fprintln(os.Stderr, "prompt required unless --interactive is set")
			os.Exit(1)
		}
		prompt := ""
		if len(args) > 0 {
			prompt = args[0]
		}
		runChat(prompt)
	},
}

func init() {
	RootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatPersona, "persona", "", "Persona to activate before the turn")
	chatCmd.Flags().StringArrayVar(&chatSnippets, "snippet", nil, "Snippet sent with this call only (repeatable)")
	chatCmd.Flags().StringArrayVar(&chatContext, "context", nil, "Snippet recorded as persistent context (repeatable)")
	chatCmd.Flags().StringVar(&chatContextRole, "context-role", "user", "Role for snippet context: user or system")
	chatCmd.Flags().StringVar(&chatContinue, "continue", "", "Continue a stored conversation (id, prefix, or name)")
	chatCmd.Flags().StringVar(&chatSaveAs, "save", "", "Save the conversation under this name after the turn")
	chatCmd.Flags().BoolVar(&showOnly, "show-only", false, "Send without recording the exchange in history")
	chatCmd.Flags().BoolVar(&streamOutput, "stream", false, "Stream the reply as it arrives")
	chatCmd.Flags().BoolVar(&keepPrompt, "keep-prompt", false, "Keep the prompt in history when the call fails")
	chatCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start the interactive chat REPL")
}

func runChat(prompt string) {
	obs := newObserver()
	defer obs.Close()

	st, err := openStore()
	if err != nil {
		fatal(obs, err, "failed to open store")
	}
	defer st.Close()

	idx, ok := st.(*store.SQLiteStore)
	if !ok {
		idx, err = openIndex()
		if err != nil {
			fatal(obs, err, "failed to open configuration index")
		}
		defer idx.Close()
	}

	client, err := newClient(idx)
	if err != nil {
		fatal(obs, err, "failed to initialize provider")
	}

	o := newOrchestrator(obs, st, client)

	if chatContinue != "" {
		if _, err := o.Load(chatContinue); err != nil {
			fatal(obs, err, "failed to load conversation")
		}
	}
	if chatPersona != "" {
		if err := o.SetPersona(chatPersona); err != nil {
			fatal(obs, err, "failed to load persona")
		}
	}
	for _, name := range chatContext {
		if err := o.AddSnippet(name, chat.Role(chatContextRole)); err != nil {
			fatal(obs, err, "failed to load snippet")
		}
	}

	if interactive {
		runInteractive(o)
		return
	}

	opts := session.Options{
		Model:                  modelName,
		Snippets:               chatSnippets,
		ShowOnly:               showOnly,
		Stream:                 streamOutput,
		PersistPromptOnFailure: keepPrompt,
	}
	if streamOutput {
		attachUI(o, ui.ConsoleUI{Out: os.Stdout})
	}

	res := o.Chat(context.Background(), prompt, opts)
	if !res.Success {
		obs.Log().Error().
			Str("kind", string(res.ErrorKind)).
			Msg(res.ErrorMessage)
		os.Exit(1)
	}
	if streamOutput {
		fmt.Println()
	} else {
		fmt.Println(res.Text)
	}

	if chatSaveAs != "" {
		if _, err := o.Save(chatSaveAs); err != nil {
			fatal(obs, err, "failed to save conversation")
		}
	}
}

func runInteractive(o *session.Orchestrator) {
	var program *tea.Program

	submit := func(prompt string) tea.Cmd {
		return func() tea.Msg {
			res := o.Chat(context.Background(), prompt, session.Options{Stream: true})
			return tui.TurnDoneMsg{Result: res}
		}
	}

	model := tui.NewModel("cellscribe", submit)
	program = tea.NewProgram(model)
	attachUI(o, tui.NewTUI(program))
	if _, err := program.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
