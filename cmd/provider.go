package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/router"
)

var providerCmd = &cobra.Command{
	Use:     "provider",
	Aliases: []string{"providers"},
	Short:   "Manage providers and their models",
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured providers",
	RunE:  runProviderList,
}

var providerAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a provider",
	Long: `Add a provider. Known provider names (openai, anthropic, gemini, openrouter,
groq, ...) get their default endpoint and models when none are given.`,
	Args: cobra.ExactArgs(1),
	RunE: runProviderAdd,
}

var providerRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a provider no route uses",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if err := newRouter().RemoveProvider(args[0]); err != nil {
			return err
		}
		color.Green("Provider %s removed", args[0])
		return nil
	},
}

var providerAddModelCmd = &cobra.Command{
	Use:   "add-model PROVIDER MODEL",
	Short: "Add a model to a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		if err := newRouter().AddModel(args[0], args[1]); err != nil {
			return err
		}
		color.Green("Model %s added to %s", args[1], args[0])
		return nil
	},
}

var providerRemoveModelCmd = &cobra.Command{
	Use:   "remove-model PROVIDER MODEL",
	Short: "Remove a model no route uses",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		if err := newRouter().RemoveModel(args[0], args[1]); err != nil {
			return err
		}
		color.Green("Model %s removed from %s", args[1], args[0])
		return nil
	},
}

var providerLoginCmd = &cobra.Command{
	Use:   "login PROVIDER",
	Short: "Store a provider API key in the credentials file",
	Args:  cobra.ExactArgs(1),
	RunE:  runProviderLogin,
}

var providerLogoutCmd = &cobra.Command{
	Use:   "logout PROVIDER",
	Short: "Remove a provider's stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		creds, err := credentials()
		if err != nil {
			return err
		}
		if err := creds.Delete(args[0]); err != nil {
			return err
		}
		color.Green("Credentials for %s removed", args[0])
		return nil
	},
}

var providerBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Configure providers from NAME_API_KEY environment variables",
	Long: `Add a provider for every NAME_API_KEY found in the environment or in the
.env file of the config directory, and fill the default and background routes
when they are unset.`,
	RunE: runProviderBootstrap,
}

func init() {
	providerAddCmd.Flags().String("key", "", "provider API key")
	providerAddCmd.Flags().String("base-url", "", "provider API base URL")
	providerAddCmd.Flags().StringSlice("models", nil, "models, most preferred first")
	providerAddCmd.Flags().String("transformer", "", "wire format (openai, anthropic, gemini, selfhosted)")
	providerAddCmd.Flags().Bool("disabled", false, "add the provider disabled")

	providerLoginCmd.Flags().String("key", "", "provider API key")
	providerLoginCmd.Flags().String("base-url", "", "provider API base URL")
	providerLoginCmd.Flags().String("model", "", "preferred model")
	_ = providerLoginCmd.MarkFlagRequired("key")

	providerCmd.AddCommand(providerListCmd)
	providerCmd.AddCommand(providerAddCmd)
	providerCmd.AddCommand(providerRemoveCmd)
	providerCmd.AddCommand(providerAddModelCmd)
	providerCmd.AddCommand(providerRemoveModelCmd)
	providerCmd.AddCommand(providerLoginCmd)
	providerCmd.AddCommand(providerLogoutCmd)
	providerCmd.AddCommand(providerBootstrapCmd)
}

func newRouter() *router.Router {
	return router.New(cfgMgr, registry, router.WithLogger(logger))
}

func credentials() (*config.EnvStore, error) {
	return config.NewEnvStore(filepath.Join(baseDir, envFilename))
}

func runProviderList(*cobra.Command, []string) error {
	providers := newRouter().Providers()
	if len(providers) == 0 {
		color.Yellow("No providers configured")
		return nil
	}

	for _, p := range providers {
		state := color.GreenString("enabled")
		if !p.IsEnabled() {
			state = color.YellowString("disabled")
		}
		fmt.Printf("%-15s %s  %s\n", p.Name, state, p.APIBase)
		fmt.Printf("  %-13s %s\n", "key:", maskString(p.APIKey))
		fmt.Printf("  %-13s %s\n", "models:", strings.Join(p.Models, ", "))
	}

	return nil
}

func runProviderAdd(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	baseURL, _ := cmd.Flags().GetString("base-url")
	models, _ := cmd.Flags().GetStringSlice("models")
	transformer, _ := cmd.Flags().GetString("transformer")
	disabled, _ := cmd.Flags().GetBool("disabled")

	p := config.ProviderConfig{
		Name:        args[0],
		APIBase:     baseURL,
		APIKey:      key,
		Models:      models,
		Transformer: transformer,
	}
	if disabled {
		p.SetEnabled(false)
	}

	if err := newRouter().AddProvider(p); err != nil {
		return err
	}

	color.Green("Provider %s added", args[0])

	return nil
}

func runProviderLogin(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	baseURL, _ := cmd.Flags().GetString("base-url")
	model, _ := cmd.Flags().GetString("model")

	creds, err := credentials()
	if err != nil {
		return err
	}

	if err := creds.Set(config.Credential{Provider: args[0], APIKey: key, BaseURL: baseURL, Model: model}); err != nil {
		return err
	}

	color.Green("Credentials for %s saved as %s", args[0], config.EnvVarPrefix(args[0])+"_API_KEY")
	fmt.Printf("Run '%s provider bootstrap' to apply them to the configuration\n", AppName)

	return nil
}

func runProviderBootstrap(*cobra.Command, []string) error {
	creds, err := credentials()
	if err != nil {
		return err
	}

	found := creds.List()
	if len(found) == 0 {
		color.Yellow("No NAME_API_KEY credentials found in the environment or %s", filepath.Join(baseDir, envFilename))
		return nil
	}

	rt := newRouter()
	if err := rt.Bootstrap(creds); err != nil {
		return err
	}

	color.Green("Bootstrapped %d credential(s) into %s", len(found), cfgMgr.GetPath())
	printRoutes(rt.Config().Router)

	return nil
}
