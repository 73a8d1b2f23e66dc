package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/auth"
	"github.com/petrel-labs/gridharvest/internal/config"
	"github.com/petrel-labs/gridharvest/internal/observability"
	"github.com/petrel-labs/gridharvest/internal/runner"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Performs one extraction run and writes the JSON snapshot",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so command-line values override
			// the config file and environment with the right precedence.
			if err := viper.BindPFlag("target.url", cmd.Flags().Lookup("url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("output.path", cmd.Flags().Lookup("output")); err != nil {
				return err
			}
			if err := viper.BindPFlag("session.file", cmd.Flags().Lookup("session-file")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-unmarshal now that flags are bound.
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			creds := loadCredentials(logger)

			runID := uuid.New().String()
			logger.Info("Starting extraction run.",
				zap.String("run_id", runID),
				zap.String("target", cfg.Target.URL),
				zap.String("output", cfg.Output.Path),
			)

			r := runner.New(cfg, creds, runID, logger)
			if err := r.Run(ctx); err != nil {
				var authErr *auth.AuthError
				if errors.As(err, &authErr) {
					logger.Error("Run aborted at authentication.", zap.Error(err))
				} else {
					logger.Error("Run failed.", zap.Error(err), zap.String("run_id", runID))
				}
				return err
			}

			fmt.Printf("Snapshot written to %s\n", cfg.Output.Path)
			return nil
		},
	}

	runCmd.Flags().String("url", "", "Target application URL. (Overrides config/env)")
	runCmd.Flags().StringP("output", "o", "", "Path for the JSON snapshot. (Overrides config/env)")
	runCmd.Flags().String("session-file", "", "Path of the persisted session state. (Overrides config/env)")
	runCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")

	return runCmd
}

// loadCredentials reads login credentials from the environment, optionally
// seeded from a .env file. The prefixed names win; the bare EMAIL/PASSWORD
// pair is accepted for compatibility with existing deployments.
func loadCredentials(logger *zap.Logger) auth.Credentials {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Debug("No .env file loaded.", zap.Error(err))
	}

	identifier := os.Getenv("GRIDHARVEST_EMAIL")
	if identifier == "" {
		identifier = os.Getenv("EMAIL")
	}
	secret := os.Getenv("GRIDHARVEST_PASSWORD")
	if secret == "" {
		secret = os.Getenv("PASSWORD")
	}

	if identifier == "" || secret == "" {
		logger.Warn("Credentials not fully set; a run needing interactive login will fail.")
	}
	return auth.Credentials{Identifier: identifier, Secret: secret}
}
