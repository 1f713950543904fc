package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/secretbroker/internal/config"
	brokererrors "github.com/systmms/secretbroker/internal/errors"
)

func NewGetCommand(cfg *config.Config) *cobra.Command {
	var (
		backendName string
		caller      string
		fieldName   string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a secret through the broker",
		Long: `Fetch a secret through the full broker pipeline: policy check, lease
cache, backend call, audit event. By default every field is printed as
key=value lines; --field prints a single raw value for scripting.

Examples:
  # Read a secret
  secretbroker get secret/db/main

  # Single field, raw, for scripts
  export DB_PASSWORD=$(secretbroker get secret/db/main --field password)

  # Full value with version and lease metadata
  secretbroker get secret/db/main --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			value, err := rt.Broker.GetFrom(cmd.Context(), caller, backendName, path)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(value)
			}

			if fieldName != "" {
				raw, ok := value.Fields[fieldName]
				if !ok {
					return brokererrors.UserError{
						Message:    fmt.Sprintf("Field '%s' not present in secret '%s'", fieldName, path),
						Suggestion: fmt.Sprintf("Available fields: %v", fieldNames(value.Fields)),
					}
				}
				fmt.Println(raw)
				return nil
			}

			for _, key := range fieldNames(value.Fields) {
				fmt.Printf("%s=%s\n", key, value.Fields[key])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backendName, "backend", "", "Backend instance to read from (default: configured default)")
	cmd.Flags().StringVar(&caller, "caller", localCaller(), "Caller identity checked against the policy rules")
	cmd.Flags().StringVar(&fieldName, "field", "", "Print only this field's raw value")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full secret value as JSON")

	return cmd
}
