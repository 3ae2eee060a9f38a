// Package commands implements the bookforge CLI with cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bookforge",
		Short: "bookforge - AI ebook authoring backend",
		Long: `bookforge drafts book outlines and chapters through OpenAI, Anthropic,
xAI, Google and DeepSeek, retrying transient failures and falling back
across providers.

Examples:
  bookforge generate "Write the opening of chapter one"
  bookforge brainstorm "urban beekeeping"
  bookforge keys set openai
  bookforge serve`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newGenerateCmd(),
		newBrainstormCmd(),
		newProvidersCmd(),
		newKeysCmd(),
		newCacheCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
