package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/secretbroker/internal/config"
)

func NewPutCommand(cfg *config.Config) *cobra.Command {
	var (
		backendName string
		caller      string
	)

	cmd := &cobra.Command{
		Use:   "put <path> <key=value>...",
		Short: "Write a secret through the broker",
		Long: `Write fields as a new version of a secret. The write is authorized
against the policy rules and audited; the cached value for the path is
invalidated on success.

Examples:
  secretbroker put secret/db/main password=s3cr3t username=app

  # Write to a specific backend
  secretbroker put secret/db/main password=s3cr3t --backend vault-prod`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			fields, err := parseFieldArgs(args[1:])
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			version, err := rt.Broker.PutTo(cmd.Context(), caller, backendName, path, fields)
			if err != nil {
				return err
			}

			fmt.Printf("Wrote %s (version %d)\n", path, version)
			return nil
		},
	}

	cmd.Flags().StringVar(&backendName, "backend", "", "Backend instance to write to (default: configured default)")
	cmd.Flags().StringVar(&caller, "caller", localCaller(), "Caller identity checked against the policy rules")

	return cmd
}
