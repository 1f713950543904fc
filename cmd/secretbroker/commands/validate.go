package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/systmms/secretbroker/internal/backends"
	"github.com/systmms/secretbroker/internal/config"
	brokererrors "github.com/systmms/secretbroker/internal/errors"
	"github.com/systmms/secretbroker/internal/policy"
)

func NewValidateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration, policy rules, and backend connectivity",
		Long: `Verify that the broker can start: the configuration parses, the policy
rule file loads, an audit sink is configured, and every backend answers a
connectivity probe with the configured credentials.

No secret material is read or written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Logger.Info("Checking secretbroker configuration...")
			if err := cfg.Load(); err != nil {
				cfg.Logger.Error("Configuration error: %v", err)
				return err
			}
			cfg.Logger.Info("Configuration loaded (%d backends)", len(cfg.Definition.Backends))

			failures := 0

			gate, err := policy.LoadFile(cfg.Definition.PolicyFile)
			if err != nil {
				cfg.Logger.Error("Policy rules: %v", err)
				failures++
			} else {
				cfg.Logger.Info("Policy rules loaded (%d rules)", len(gate.Rules()))
			}

			if cfg.Definition.Audit.File == "" && cfg.Definition.Audit.StoreDSN == "" {
				cfg.Logger.Error("Audit: no sink configured")
				failures++
			} else {
				cfg.Logger.Info("Audit sink configured")
			}

			registry := backends.NewRegistry()
			for _, name := range backendNames(cfg) {
				bc, err := cfg.GetBackend(name)
				if err != nil {
					cfg.Logger.Error("Backend %s: %v", name, err)
					failures++
					continue
				}

				instance, err := registry.Create(name, bc.Type, bc.Config)
				if err != nil {
					cfg.Logger.Error("Backend %s (%s): %v", name, bc.Type, err)
					failures++
					continue
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), bc.Timeout())
				err = instance.Validate(ctx)
				cancel()
				_ = instance.Close()

				if err != nil {
					cfg.Logger.Error("Backend %s (%s): %v", name, bc.Type, err)
					failures++
					continue
				}
				cfg.Logger.Info("Backend %s (%s) reachable", name, bc.Type)
			}

			if failures > 0 {
				return brokererrors.UserError{
					Message:    "Validation failed",
					Suggestion: "Fix the failing checks above and run 'secretbroker validate' again",
				}
			}

			cfg.Logger.Info("All checks passed")
			return nil
		},
	}

	return cmd
}
