package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cellscribe/cellscribe/internal/store"
)

var listTag string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations",
	Run: func(cmd *cobra.Command, args []string) {
		obs := newObserver()
		defer obs.Close()

		st, err := openStore()
		if err != nil {
			fatal(obs, err, "failed to open store")
		}
		defer st.Close()

		var summaries []store.Summary
		if listTag != "" {
			sq, ok := st.(*store.SQLiteStore)
			if !ok {
				fmt.Fprintln(os.Stderr, "--tag requires the sqlite store")
				os.Exit(1)
			}
			summaries, err = sq.ListByTag(listTag)
		} else {
			summaries, err = st.List()
		}
		if err != nil {
			fatal(obs, err, "failed to list conversations")
		}

		printSummaries(summaries)
	},
}

var sessionsSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search conversation content",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		obs := newObserver()
		defer obs.Close()

		st, err := openStore()
		if err != nil {
			fatal(obs, err, "failed to open store")
		}
		defer st.Close()

		summaries, err := st.Search(args[0])
		if err != nil {
			fatal(obs, err, "search failed")
		}
		printSummaries(summaries)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [identifier]",
	Short: "Delete a stored conversation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		obs := newObserver()
		defer obs.Close()

		st, err := openStore()
		if err != nil {
			fatal(obs, err, "failed to open store")
		}
		defer st.Close()

		// Resolve names and prefixes before deleting by exact id.
		conv, err := st.Load(args[0])
		if err != nil {
			fatal(obs, err, "failed to resolve conversation")
		}
		ok, err := st.Delete(conv.ID)
		if err != nil {
			fatal(obs, err, "delete failed")
		}
		if !ok {
			fmt.Println("Conversation not found.")
			os.Exit(1)
		}
		fmt.Println("Conversation deleted.")
	},
}

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate usage across all conversations",
	Run: func(cmd *cobra.Command, args []string) {
		obs := newObserver()
		defer obs.Close()

		idx, err := openIndex()
		if err != nil {
			fatal(obs, err, "failed to open store")
		}
		defer idx.Close()

		stats, err := idx.Stats()
		if err != nil {
			fatal(obs, err, "failed to read stats")
		}
		fmt.Printf("Conversations: %d\n", stats.Conversations)
		fmt.Printf("Messages:      %d\n", stats.Messages)
		fmt.Printf("Tokens:        %d\n", stats.TotalTokens)
		fmt.Printf("Cost:          $%.4f\n", stats.TotalCostUSD)
	},
}

func printSummaries(summaries []store.Summary) {
	if len(summaries) == 0 {
		fmt.Println("No conversations.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMSGS\tTOKENS\tUPDATED")
	for _, s := range summaries {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			id, s.Name, s.Messages, s.TotalTokens, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func init() {
	RootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsSearchCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsStatsCmd)
	sessionsListCmd.Flags().StringVar(&listTag, "tag", "", "Filter by tag (sqlite store only)")
}
