package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	outputFile string
	force      bool
)

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate sample configuration files",
	Long:  `Generate a sample configuration file for the proteus AgentX sub-agent.`,
	Example: `# Generate config to stdout
	proteus generate

	# Generate config to specific file
	proteus generate --output config.yaml

	# Overwrite existing file
	proteus generate --output config.yaml --force`,
	RunE: generateConfig,
}

const sampleConfig = `# Proteus AgentX Sub-Agent Configuration
# This is a sample configuration file with default values.
# Modify the values according to your environment and requirements.

app:
  name: "proteus"
  shutdown_timeout: "30s"
  stats_interval: "30s"
  prune_interval: "1m"
  tables:
    - "rmon2"

logging:
  level: "info"
  format: "json"

agentx:
  id: "1.3.6.1.4.1.8072.3.2.10"
  description: "proteus sub-agent"
  timeout: "5s"
  ping_interval: "15s"
  ping_retries: 3
  max_repetitions: 64

transaction:
  lock_wait: "50ms"
  max_pending: 64

retry:
  max_attempts: 3
  initial_delay: "10ms"
  max_delay: "200ms"
  backoff_multiplier: 2.0
  jitter: true

metrics:
  enabled: true
  listen_address: ":9090"
  metrics_path: "/metrics"
  health_path: "/health"
  ready_path: "/ready"
  update_interval: "30s"
  namespace: "proteus"

journal:
  enabled: false
  database_type: "sqlite3"
  connection_string: "./proteus_journal.db"
  max_connections: 4
  retention_days: 30
  batch_size: 100
  flush_interval: "5s"
  cleanup_interval: "24h"

seed:
  directory: "/etc/proteus/seeds"
  watch: true
  reload_delay: "500ms"
  extension: ".json"
`

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path (default: stdout)")
	generateCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing file")
}

func generateConfig(cmd *cobra.Command, args []string) error {
	if outputFile == "" {
		fmt.Fprint(cmd.OutOrStdout(), sampleConfig)
		return nil
	}

	if _, err := os.Stat(outputFile); err == nil && !force {
		return fmt.Errorf("file %s already exists, use --force to overwrite", outputFile)
	}

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(outputFile, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Printf("Configuration file generated: %s\n", outputFile)
	return nil
}
