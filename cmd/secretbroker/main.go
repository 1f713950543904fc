package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/secretbroker/cmd/secretbroker/commands"
	"github.com/systmms/secretbroker/internal/config"
	"github.com/systmms/secretbroker/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "secretbroker",
		Short: "Secrets broker - one policy-checked, audited door to your secret stores",
		Long: `secretbroker sits between your services and the secret backends (Vault,
AWS Secrets Manager, Google Secret Manager, Azure Key Vault) and gives them
a single authorized, cached, audited access path.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "secretbroker.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewServeCommand(cfg),
		commands.NewGetCommand(cfg),
		commands.NewPutCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewValidateCommand(cfg),
		commands.NewAuditCommand(cfg),
	)

	return rootCmd.Execute()
}
