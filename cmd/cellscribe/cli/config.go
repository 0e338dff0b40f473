package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cellscribe/cellscribe/internal/credential"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Configuration lives in the sqlite index. Keys that look like secrets
(api_key, token, ...) are encrypted at rest and masked on read.`,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key, value := args[0], args[1]

		idx, err := openIndex()
		if err != nil {
			fmt.Printf("Failed to open configuration: %v\n", err)
			os.Exit(1)
		}
		defer idx.Close()

		if credential.IsSensitiveKey(key) {
			mgr, err := credential.NewManager()
			if err != nil {
				fmt.Printf("Failed to init credential manager: %v\n", err)
				os.Exit(1)
			}
			value, err = mgr.Encrypt(value)
			if err != nil {
				fmt.Printf("Failed to encrypt value: %v\n", err)
				os.Exit(1)
			}
		}

		if err := idx.SetConfig(key, value); err != nil {
			fmt.Printf("Failed to set config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved: %s\n", key)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value (secrets are masked)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]

		idx, err := openIndex()
		if err != nil {
			fmt.Printf("Failed to open configuration: %v\n", err)
			os.Exit(1)
		}
		defer idx.Close()

		val, err := idx.GetConfig(key)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if val == "" {
			fmt.Println("(not set)")
			return
		}
		if credential.IsSensitiveKey(key) {
			plain := getSecret(idx, key)
			fmt.Println(credential.MaskSecret(plain))
			return
		}
		fmt.Println(val)
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}
