package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Browse available personas",
}

var personaListCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List personas matching a glob pattern",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		obs := newObserver()
		defer obs.Close()

		pattern := "**"
		if len(args) > 0 {
			pattern = args[0]
		}
		names, err := personaLoader().List(pattern)
		if err != nil {
			fatal(obs, err, "failed to list personas")
		}
		if len(names) == 0 {
			fmt.Println("No personas found.")
			return
		}
		for _, name := range names {
			fmt.Println(name)
		}
	},
}

var personaShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a persona's system message and defaults",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		obs := newObserver()
		defer obs.Close()

		cfg, err := personaLoader().Load(args[0])
		if err != nil {
			fatal(obs, err, "failed to load persona")
		}
		fmt.Printf("name: %s\n", cfg.Name)
		if cfg.Model != "" {
			fmt.Printf("model: %s\n", cfg.Model)
		}
		if cfg.Temperature != nil {
			fmt.Printf("temperature: %g\n", *cfg.Temperature)
		}
		if cfg.MaxTokens > 0 {
			fmt.Printf("max_tokens: %d\n", cfg.MaxTokens)
		}
		fmt.Printf("\n%s\n", cfg.SystemMessage)
	},
}

var snippetsCmd = &cobra.Command{
	Use:   "snippets [pattern]",
	Short: "List available context snippets",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		obs := newObserver()
		defer obs.Close()

		pattern := "**"
		if len(args) > 0 {
			pattern = args[0]
		}
		names, err := personaLoader().ListSnippets(pattern)
		if err != nil {
			fatal(obs, err, "failed to list snippets")
		}
		if len(names) == 0 {
			fmt.Println("No snippets found.")
			return
		}
		for _, name := range names {
			fmt.Println(name)
		}
	},
}

func init() {
	RootCmd.AddCommand(personaCmd)
	RootCmd.AddCommand(snippetsCmd)
	personaCmd.AddCommand(personaListCmd)
	personaCmd.AddCommand(personaShowCmd)
}
