package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"mcpbridge/internal/config"
	"mcpbridge/pkg/logging"
)

// configPath overrides the configuration directory. Empty selects the
// per-user default.
var configPath string

// debug enables verbose logging across the application.
var debug bool

// rootCmd is the entry point when the application is called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "mcpbridge",
	Short: "Capability gateway between AI agents and MCP servers",
	Long: `mcpbridge sits between AI agents and a fleet of MCP capability servers.
Each agent authenticates with its own credentials and sees only the tools,
resources and prompts it has been granted. Every access is checked, audited
and counted.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpbridge version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config directory and loads the configuration,
// honoring the --debug flag.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return config.Config{}, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	level := logging.ParseLogLevel(cfg.LogLevel)
	if debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "", "Configuration directory (default: ~/.config/mcpbridge)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
