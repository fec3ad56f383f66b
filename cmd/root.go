// Package cmd provides the command-line interface for proteus.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/app"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	schemaFile string
	version    = "dev" // Will be set by build flags
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "proteus",
	Version: version,
	Short:   "AgentX sub-agent serving dynamic SNMP tables",
	Long: `Proteus is an AgentX sub-agent. It registers MIB tables with a master agent,
answers get, get-next and get-bulk requests from its in-memory rows and runs
SET requests through the multi-phase test, commit, undo and cleanup protocol.`,
	Example: `# Start the sub-agent with default config
	proteus

	# Start with specific configuration file
	proteus serve --config /etc/proteus/config.yaml

	# Generate sample configuration
	proteus generate --output config.yaml

	# Walk the served tables in-process
	proteus walk 1.3.6.1.2.1.16.15`,
	RunE: runServer,
}

// serveCmd starts the sub-agent explicitly.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sub-agent",
	RunE:  runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer manager.Close()

	logger, err := newLogger(manager)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(manager, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Initialize(); err != nil {
		_ = application.Shutdown()
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

// newApplication builds and initializes an application for the one-shot
// commands (walk, set). The caller shuts it down.
func newApplication() (*app.Application, func(), error) {
	manager, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(manager)
	if err != nil {
		manager.Close()
		return nil, nil, err
	}

	application, err := app.NewApplication(manager, logger)
	if err != nil {
		manager.Close()
		return nil, nil, fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Initialize(); err != nil {
		_ = application.Shutdown()
		manager.Close()
		return nil, nil, fmt.Errorf("failed to initialize application: %w", err)
	}

	done := func() {
		if err := application.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
		manager.Close()
	}
	return application, done, nil
}

func newLogger(cfg config.Provider) (logging.Logger, error) {
	level, _ := cfg.GetString("logging.level", "info")
	format, _ := cfg.GetString("logging.format", "json")

	logger, _, err := logging.NewLogger(logging.Config{
		Level:  level,
		Format: format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func findConfig() string {
	if cfgFile != "" {
		return cfgFile
	}

	defaultPaths := []string{
		"config.yaml",
		"config.yml",
		"/etc/proteus/config.yaml",
		"/etc/proteus/config.yml",
	}
	for _, path := range defaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func loadConfig() (config.Manager, error) {
	configPath := findConfig()

	options := config.Options{
		SchemaPath: schemaFile,
		ConfigPath: configPath,
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "No configuration file found, using schema defaults")
	} else {
		fmt.Fprintf(os.Stderr, "Loading configuration from: %s\n", configPath)
	}

	manager, err := config.NewManager(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create config manager: %w", err)
	}

	return manager, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&schemaFile, "schema", "cmd/schemas/config.cue", "Configuration schema path")

	rootCmd.AddCommand(serveCmd)
}
