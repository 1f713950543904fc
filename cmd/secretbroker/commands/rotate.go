package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/secretbroker/internal/config"
)

func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		backendName string
		caller      string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "rotate <path>",
		Short: "Rotate a secret's material",
		Long: `Generate new material for a secret and write it as a new version. On
failure the previous version and any cached value stay valid; rotation is
never retried.

Examples:
  secretbroker rotate secret/db/main

  # Show the post-rotation value
  secretbroker rotate secret/db/main --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			value, err := rt.Broker.RotateOn(cmd.Context(), caller, backendName, path)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(value)
			}

			fmt.Printf("Rotated %s (version %d)\n", path, value.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&backendName, "backend", "", "Backend instance to rotate on (default: configured default)")
	cmd.Flags().StringVar(&caller, "caller", localCaller(), "Caller identity checked against the policy rules")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the post-rotation value as JSON")

	return cmd
}
