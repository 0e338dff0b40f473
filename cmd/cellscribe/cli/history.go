package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cellscribe/cellscribe/internal/history"
	"github.com/cellscribe/cellscribe/internal/observe"
	"github.com/cellscribe/cellscribe/internal/store"
)

var keepPersonaOnClear bool

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and edit a stored conversation",
}

var historyShowCmd = &cobra.Command{
	Use:   "show [identifier]",
	Short: "Print a conversation's messages with usage",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHistory(args[0], func(m *history.Manager, obs *observe.Observer) {
			conv := m.Active()
			fmt.Printf("%s  (%s)\n", conv.Name, conv.ID)
			for i, msg := range conv.Messages {
				fmt.Printf("[%d] %s: %s\n", i, msg.Role, msg.Content)
				if !msg.Metadata.IsZero() {
					fmt.Printf("    tokens in/out %d/%d  cost $%.4f  model %s\n",
						msg.Metadata.TokensIn, msg.Metadata.TokensOut,
						msg.Metadata.CostUSD, msg.Metadata.Model)
				}
			}
			fmt.Printf("total: %d messages, %d tokens, $%.4f\n",
				len(conv.Messages), conv.TotalTokens(), conv.TotalCost())
		})
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear [identifier]",
	Short: "Remove a conversation's messages",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHistory(args[0], func(m *history.Manager, obs *observe.Observer) {
			if err := m.Clear(keepPersonaOnClear); err != nil {
				fatal(obs, err, "failed to clear conversation")
			}
			if _, err := m.Save(""); err != nil {
				fatal(obs, err, "failed to save conversation")
			}
			fmt.Println("Conversation cleared.")
		})
	},
}

var historyRollbackCmd = &cobra.Command{
	Use:   "rollback [identifier] [n]",
	Short: "Remove the last n non-system messages",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "invalid count %q\n", args[1])
			os.Exit(1)
		}
		withHistory(args[0], func(m *history.Manager, obs *observe.Observer) {
			if err := m.Rollback(n); err != nil {
				fatal(obs, err, "rollback failed")
			}
			if _, err := m.Save(""); err != nil {
				fatal(obs, err, "failed to save conversation")
			}
			fmt.Printf("Removed %d message(s).\n", n)
		})
	},
}

var historySaveCmd = &cobra.Command{
	Use:   "save [identifier] [name]",
	Short: "Rename a stored conversation",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withHistory(args[0], func(m *history.Manager, obs *observe.Observer) {
			id, err := m.Save(args[1])
			if err != nil {
				fatal(obs, err, "failed to save conversation")
			}
			fmt.Printf("Saved as %q (%s).\n", args[1], id)
		})
	},
}

// withHistory loads the identified conversation into a manager, runs fn,
// and closes the store.
func withHistory(identifier string, fn func(*history.Manager, *observe.Observer)) {
	obs := newObserver()
	defer obs.Close()

	st, err := openStore()
	if err != nil {
		fatal(obs, err, "failed to open store")
	}
	defer st.Close()

	m := history.NewManager(st, obs)
	if _, err := m.Load(identifier); err != nil {
		if errors.Is(err, store.ErrAmbiguous) {
			fatal(obs, err, "identifier matches multiple conversations")
		}
		fatal(obs, err, "failed to load conversation")
	}
	fn(m, obs)
}

func init() {
	RootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyRollbackCmd)
	historyCmd.AddCommand(historySaveCmd)
	historyClearCmd.Flags().BoolVar(&keepPersonaOnClear, "keep-persona", true, "Keep the leading system message")
}
