package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/fileserver/internal/capacity"
	"github.com/psantana5/fileserver/pkg/auth"
	"github.com/psantana5/fileserver/pkg/logging"
)

var (
	configEnvironment string
	configOutput      string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management and recommendations",
	Long:  `Commands for inspecting the effective configuration and generating recommended settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after merging defaults, the config file and
FILESERVER_* environment variables. Uses yaml unless -o json is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Admin.APIKey != "" {
			cfg.Admin.APIKey = "<redacted>"
		}
		if outputFormat == "table" {
			outputFormat = "yaml"
		}
		_, err = printStructured(cmd.OutOrStdout(), cfg)
		return err
	},
}

var configRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Generate recommended server configuration",
	Long: `Analyzes system hardware (CPU, RAM) and suggests server.max_connections
and stats.interval. Takes into account the deployment environment
(development, staging, production) to provide safe defaults.`,
	RunE: runConfigRecommend,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for the server log",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(logging.GenerateLogrotateConfig("server"))
	},
}

var configAPIKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Generate an admin API key",
	Long: `Generates a random admin API key and its bcrypt hash. Put the hash in
admin.api_key (or FILESERVER_ADMIN_API_KEY) and give the key to clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Printf("API key:  %s\n", key)
		fmt.Printf("Hash:     %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configRecommendCmd)
	configCmd.AddCommand(configLogrotateCmd)
	configCmd.AddCommand(configAPIKeyCmd)

	configRecommendCmd.Flags().StringVarP(&configEnvironment, "environment", "e", "development",
		"Deployment environment: development, staging, production")
	configRecommendCmd.Flags().StringVar(&configOutput, "format", "text",
		"Output format: text, json, yaml, bash")
}

func runConfigRecommend(cmd *cobra.Command, args []string) error {
	switch configEnvironment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("unknown environment %q", configEnvironment)
	}

	hw, err := capacity.Detect()
	if err != nil {
		return fmt.Errorf("failed to detect hardware: %w", err)
	}

	return outputRecommendation(capacity.Recommend(hw, configEnvironment), configOutput)
}

func outputRecommendation(rec capacity.Recommendation, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rec)

	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(rec)

	case "bash":
		fmt.Println("# File server configuration recommendations")
		fmt.Printf("export FILESERVER_SERVER_MAX_CONNECTIONS=%d\n", rec.MaxConnections)
		fmt.Printf("export FILESERVER_STATS_INTERVAL=%s\n", rec.StatsInterval)
		fmt.Println()
		fmt.Printf("# %s\n", rec.Rationale)
		return nil

	case "text", "":
		fmt.Println("Hardware Configuration:")
		fmt.Printf("  CPU: %s (%d threads)\n", rec.Hardware.CPUModel, rec.Hardware.CPUThreads)
		fmt.Printf("  RAM: %s (%s available)\n", capacity.FormatRAM(rec.Hardware.RAMBytes), capacity.FormatRAM(rec.Hardware.RAMAvailable))
		fmt.Printf("  Host Class: %s\n", rec.Hardware.Class)
		fmt.Printf("  OS: %s/%s\n", rec.Hardware.OS, rec.Hardware.Architecture)
		fmt.Println()

		fmt.Println("Recommended Server Configuration:")
		fmt.Printf("  server.max_connections: %d\n", rec.MaxConnections)
		fmt.Printf("  stats.interval: %s\n", rec.StatsInterval)
		fmt.Println()

		fmt.Println("Rationale:")
		fmt.Printf("  %s\n", rec.Rationale)
		fmt.Println()

		fmt.Println("Example command:")
		fmt.Printf("  fileserver serve --max-connections %d\n", rec.MaxConnections)
		return nil

	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
