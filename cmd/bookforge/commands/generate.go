package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/bookforge/pkg/bookforge/orchestrator"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

func addProviderFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("provider", "p", string(providers.Auto), "provider id or auto")
	cmd.Flags().StringP("model", "m", providers.AutoModel, "model id or auto")
	cmd.Flags().String("api-key", "", "API key for an explicit provider (default: configured sources)")
	cmd.Flags().Bool("json", false, "print the result as JSON")
}

// promptFrom joins args, or reads stdin when the only arg is "-".
func promptFrom(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading prompt from stdin: %w", err)
		}
		return string(data), nil
	}
	return strings.Join(args, " "), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newGenerateCmd creates `bookforge generate`.
func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <prompt...>",
		Short: "Generate text with retry and provider fallback",
		Long: `Send a prompt through the orchestrator. With --provider auto the
providers are tried in order: openai, anthropic, xai, google, deepseek.
Use "-" to read the prompt from stdin.

Examples:
  bookforge generate "Outline a cozy mystery set in Lisbon"
  bookforge generate -p anthropic --max-tokens 800 "Draft chapter 2"
  cat notes.md | bookforge generate -`,
		Args: cobra.MinimumNArgs(1),
		RunE: runGenerate,
	}
	addProviderFlags(cmd)
	cmd.Flags().Int("max-tokens", 0, "completion token limit (default from config)")
	cmd.Flags().Float64("temperature", -1, "sampling temperature in [0, 1] (default from config)")
	cmd.Flags().Bool("no-cache", false, "bypass the response cache")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string) error {
	prompt, err := promptFrom(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	a, err := loadApp(cmd, appOptions{interactive: true})
	if err != nil {
		return err
	}
	defer a.Close()

	provider, _ := cmd.Flags().GetString("provider")
	model, _ := cmd.Flags().GetString("model")
	apiKey, _ := cmd.Flags().GetString("api-key")
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	temperature, _ := cmd.Flags().GetFloat64("temperature")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	asJSON, _ := cmd.Flags().GetBool("json")

	if !cmd.Flags().Changed("temperature") {
		temperature = a.cfg.Generation.DefaultTemperature
	}

	res, err := a.orch.Generate(cmd.Context(), orchestrator.Request{
		Provider:    providers.ID(provider),
		Model:       model,
		Prompt:      prompt,
		APIKey:      apiKey,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		NoCache:     noCache,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, res)
	}
	fmt.Fprintln(out, res.Content)
	source := "live"
	if res.Cached {
		source = "cached"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\n[%s / %s, %s]\n", providers.DisplayName(res.Provider), res.Model, source)
	return nil
}

// newBrainstormCmd creates `bookforge brainstorm`.
func newBrainstormCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brainstorm <topic...>",
		Short: "Suggest book titles and an outline for a topic",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBrainstorm,
	}
	addProviderFlags(cmd)
	return cmd
}

func runBrainstorm(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd, appOptions{interactive: true})
	if err != nil {
		return err
	}
	defer a.Close()

	provider, _ := cmd.Flags().GetString("provider")
	model, _ := cmd.Flags().GetString("model")
	apiKey, _ := cmd.Flags().GetString("api-key")
	asJSON, _ := cmd.Flags().GetBool("json")

	b, err := a.orch.Brainstorm(cmd.Context(), strings.Join(args, " "), providers.ID(provider), model, apiKey)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, b)
	}
	fmt.Fprintln(out, "Titles:")
	for i, t := range b.Titles {
		fmt.Fprintf(out, "  %d. %s\n", i+1, t)
	}
	if b.Outline != "" {
		fmt.Fprintln(out, "\nOutline:")
		fmt.Fprintln(out, b.Outline)
	}
	return nil
}
