package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/client"
	"github.com/Davincible/llmgate/internal/protocol"
)

var askCmd = &cobra.Command{
	Use:   "ask PROMPT...",
	Short: "Send one prompt through the fallback client",
	Long: `Send one prompt to a provider and print the reply. When the provider reports
an exhausted quota the next configured model is tried.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringP("provider", "p", "", "provider to use (default: the default route's provider)")
	askCmd.Flags().StringP("model", "m", "", "model to try first")
	askCmd.Flags().StringP("system", "s", "", "system prompt")
	askCmd.Flags().Bool("no-fallback", false, "do not try other models on quota errors")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, _ := cmd.Flags().GetString("provider")
	model, _ := cmd.Flags().GetString("model")
	system, _ := cmd.Flags().GetString("system")
	noFallback, _ := cmd.Flags().GetBool("no-fallback")

	if provider == "" {
		route, ok := cfg.Router.Route(protocol.TaskDefault)
		if !ok {
			return errors.New("no default route configured; pass --provider")
		}
		provider = route.Provider
		if model == "" {
			model = route.Model
		}
	}

	opts := []client.Option{client.WithLogger(logger)}
	if model != "" {
		opts = append(opts, client.WithModel(model))
	}
	if noFallback {
		opts = append(opts, client.WithFallback(false))
	}

	c, err := client.FromConfig(cfg, registry, provider, opts...)
	if err != nil {
		return err
	}

	var messages []protocol.Message
	if system != "" {
		messages = append(messages, protocol.Message{Role: protocol.RoleSystem, Content: system})
	}
	messages = append(messages, protocol.Message{Role: protocol.RoleUser, Content: strings.Join(args, " ")})

	result, err := c.Chat(cmd.Context(), messages)
	if err != nil {
		return errors.New(apierr.Message(err))
	}

	if result.UsedFallback {
		color.Yellow("%s was out of quota; answered by %s", result.OriginalModel, result.Model)
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Response.Text())

	return nil
}
