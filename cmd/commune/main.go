package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/commune/internal/auth"
	"github.com/mistakeknot/commune/internal/cli"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "commune",
		Short:        "Context broker for coordinating multiple agents",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(initKeysCmd())
	return root
}

func initKeysCmd() *cobra.Command {
	var operator, keysFile string
	cmd := &cobra.Command{
		Use:   "init-keys",
		Short: "Generate an operator API key and store it in the keys file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, operator)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operator: %s\nkeys file: %s\nkey: %s\n", operator, keysFile, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "dev", "operator identity the key acts as")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "path to the keys file (defaults to COMMUNE_KEYS_FILE or ./commune.keys.yaml)")
	return cmd
}
