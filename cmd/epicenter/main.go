package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/epicenterhq/epicenter/pkg/action"
	"github.com/epicenterhq/epicenter/pkg/log"
	"github.com/epicenterhq/epicenter/pkg/workspace"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "epicenter",
	Short: "Epicenter - local-first markdown workspace",
	Long: `Epicenter is a local-first reactive data layer: typed tables over a
replicated document, materialized into a directory of markdown files you
can edit with any tool. Edits on disk and actions through the CLI stay
continuously consistent.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Epicenter version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("project", ".", "Project directory")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(diagnosticsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
		Output:     os.Stderr,
	})
}

// openClients initializes the built-in workspaces under the project
// directory and builds the action registry over their exports.
func openClients() (map[string]*workspace.Client, *action.Registry, error) {
	project, _ := rootCmd.PersistentFlags().GetString("project")

	clients, err := workspace.New(workspace.Options{ProjectDir: project}, scratchWorkspace())
	if err != nil {
		return nil, nil, err
	}

	registry := action.NewRegistry()
	for id, client := range clients {
		registry.FromExports(id, client.Exports)
	}
	return clients, registry, nil
}

func closeClients(clients map[string]*workspace.Client) {
	for _, client := range clients {
		if err := client.Destroy(); err != nil {
			log.Logger.Error().Err(err).Str("workspace_id", client.ID).Msg("Failed to destroy workspace")
		}
	}
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <workspace> <action>",
	Short: "Invoke a workspace action",
	Long: `Invoke an action on a workspace and print the result envelope as JSON.
Input is passed as a JSON object via --input, or as repeated
--option key=value pairs. Exits 0 on success, 1 on error.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		input, err := parseInput(cmd)
		if err != nil {
			return err
		}

		clients, registry, err := openClients()
		if err != nil {
			return err
		}
		defer closeClients(clients)

		result := registry.Invoke(context.Background(), args[0], args[1], input)
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if result.Err != nil {
			os.Exit(1)
		}
		return nil
	},
}

func parseInput(cmd *cobra.Command) (map[string]any, error) {
	input := map[string]any{}
	if raw, _ := cmd.Flags().GetString("input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return nil, fmt.Errorf("invalid --input JSON: %w", err)
		}
	}
	options, _ := cmd.Flags().GetStringToString("option")
	for k, v := range options {
		input[k] = v
	}
	return input, nil
}

func init() {
	invokeCmd.Flags().String("input", "", "Action input as a JSON object")
	invokeCmd.Flags().StringToString("option", nil, "Action input as key=value pairs")
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List available actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		clients, registry, err := openClients()
		if err != nil {
			return err
		}
		defer closeClients(clients)

		for _, name := range registry.Names() {
			fmt.Println(name)
		}
		return nil
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics <workspace>",
	Short: "Show files currently failing to deserialize",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		clients, registry, err := openClients()
		if err != nil {
			return err
		}
		defer closeClients(clients)

		result := registry.Invoke(context.Background(), args[0], "diagnostics", nil)
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if result.Err != nil {
			os.Exit(1)
		}
		return nil
	},
}
