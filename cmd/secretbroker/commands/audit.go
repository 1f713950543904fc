package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/secretbroker/internal/audit"
	"github.com/systmms/secretbroker/internal/config"
	brokererrors "github.com/systmms/secretbroker/internal/errors"
)

func NewAuditCommand(cfg *config.Config) *cobra.Command {
	var (
		last       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		Long: `Read the most recent audit events from the configured event store,
newest first.

Requires 'audit.store_dsn:' in the configuration; a file sink alone cannot
be queried.

Examples:
  secretbroker audit --last 20
  secretbroker audit --last 100 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return err
			}

			if cfg.Definition.Audit.StoreDSN == "" {
				return brokererrors.ConfigError{
					Field:      "audit.store_dsn",
					Message:    "no audit event store configured",
					Suggestion: "Set 'audit.store_dsn:' in your secretbroker.yaml to make events queryable",
				}
			}

			store, err := audit.NewStoreSink(cmd.Context(), cfg.Definition.Audit.StoreDSN)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			events, err := store.Recent(cmd.Context(), last)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}

			if len(events) == 0 {
				fmt.Println("No audit events recorded")
				return nil
			}

			for _, event := range events {
				line := fmt.Sprintf("%s  %-7s  %-6s  %s  caller=%s backend=%s",
					event.Time.Format(time.RFC3339),
					event.Outcome,
					event.Capability,
					event.Path,
					event.Caller,
					event.Backend,
				)
				if event.Reason != "" {
					line += " reason=" + event.Reason
				}
				if event.ErrorKind != "" {
					line += " error=" + event.ErrorKind
				}
				if event.CacheHit {
					line += " cache=hit"
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&last, "last", 20, "Number of most recent events to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print events as JSON")

	return cmd
}
