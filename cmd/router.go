package cmd

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/protocol"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Inspect and change task routes",
}

var routerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured routes",
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigExists(); err != nil {
			return err
		}
		printRoutes(newRouter().Config().Router)
		return nil
	},
}

var routerSetCmd = &cobra.Command{
	Use:   "set TASK PROVIDER,MODEL",
	Short: "Route a task type to a provider and model",
	Long: `Route a task type to a provider and model. TASK is one of default, ` +
		strings.Join(taskNames(), ", ") + `. An empty route clears the task.`,
	Args: cobra.ExactArgs(2),
	RunE: runRouterSet,
}

var routerTestCmd = &cobra.Command{
	Use:   "test [MESSAGE]",
	Short: "Show where a request would be routed",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRouterTest,
}

func init() {
	routerSetCmd.Flags().Int("threshold", -1, "also set the long-context token threshold")

	routerTestCmd.Flags().String("task", "", "task type of the request")
	routerTestCmd.Flags().Int("tokens", -1, "token count to route with instead of counting the message")

	routerCmd.AddCommand(routerShowCmd)
	routerCmd.AddCommand(routerSetCmd)
	routerCmd.AddCommand(routerTestCmd)
}

func taskNames() []string {
	names := make([]string, 0, len(protocol.TaskTypes))
	for _, task := range protocol.TaskTypes {
		names = append(names, string(task))
	}

	return names
}

func parseTask(s string) (protocol.TaskType, error) {
	task, ok := protocol.ParseTaskType(s)
	if !ok {
		return "", fmt.Errorf("unknown task type %q (want default, %s)", s, strings.Join(taskNames(), ", "))
	}

	return task, nil
}

func runRouterSet(cmd *cobra.Command, args []string) error {
	if err := ensureConfigExists(); err != nil {
		return err
	}

	task, err := parseTask(args[0])
	if err != nil {
		return err
	}

	entry, err := config.ParseRouteEntry(args[1])
	if err != nil {
		return err
	}

	rt := newRouter()

	if threshold, _ := cmd.Flags().GetInt("threshold"); threshold >= 0 {
		rc := rt.Config().Router
		if err := rc.SetRoute(task, entry); err != nil {
			return err
		}
		rc.LongContextThreshold = threshold
		if err := rt.SetRouter(rc); err != nil {
			return err
		}
	} else if err := rt.SetRoute(task, entry); err != nil {
		return err
	}

	color.Green("Route %s set to %q", cmp.Or(string(task), "default"), entry.String())

	return nil
}

func runRouterTest(cmd *cobra.Command, args []string) error {
	if err := ensureConfigExists(); err != nil {
		return err
	}

	taskFlag, _ := cmd.Flags().GetString("task")
	task, err := parseTask(taskFlag)
	if err != nil {
		return err
	}

	req := protocol.RoutingRequest{TaskType: task}
	if len(args) == 1 {
		req.Messages = []protocol.Message{{Role: protocol.RoleUser, Content: args[0]}}
	}
	if tokens, _ := cmd.Flags().GetInt("tokens"); tokens >= 0 {
		req.TokenCount = &tokens
	}

	result, err := newRouter().Route(req)
	if err != nil {
		return err
	}

	fmt.Printf("  %-15s: %s\n", "Provider", result.Provider)
	fmt.Printf("  %-15s: %s\n", "Model", result.Model)
	fmt.Printf("  %-15s: %s\n", "Endpoint", result.APIBaseURL)
	fmt.Printf("  %-15s: %s\n", "Transformer", result.Transformer)
	fmt.Printf("  %-15s: %s\n", "Reason", result.Reason)

	return nil
}
