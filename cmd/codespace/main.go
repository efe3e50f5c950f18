package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"codespace/internal/app"
	"codespace/internal/config"
	"codespace/internal/database"
	"codespace/internal/execution"
	"codespace/internal/logging"
	pkgdatabase "codespace/pkg/database"
)

// configFileEnv names the config file when --config is not given.
const configFileEnv = config.EnvPrefix + "CONFIG_FILE"

// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "codespace",
		Short:         "Collaborative code editing sessions over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML or JSON config file (defaults to $"+configFileEnv+")")

	load := func() (*config.Config, zerolog.Logger, error) {
		path := configPath
		if path == "" {
			path = os.Getenv(configFileEnv)
		}
		cfg, err := config.LoadConfigWithPrecedence(path)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		return cfg, log, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newLanguagesCmd(load),
	)
	return rootCmd
}

type loader func() (*config.Config, zerolog.Logger, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

// serve runs the application until ctx is cancelled or the server fails.
func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	application, err := app.NewApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	runErr := application.Wait(ctx)
	if runErr == nil {
		log.Info().Msg("shutdown requested")
	}

	// Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown error: %w", err))
	}
	return runErr
}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQLite schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverSQLite {
				return fmt.Errorf("migrate needs the sqlite store driver, configured driver is %q", cfg.Store.Driver)
			}

			dbConfig := pkgdatabase.DefaultConfig()
			dbConfig.DatabasePath = cfg.Store.SQLitePath
			dbConfig.MigrationsPath = cfg.Store.MigrationsPath

			manager, err := database.NewManager(dbConfig, log)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer manager.Close()

			applied, err := manager.Migrate()
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if err := manager.VerifyConstraints(cmd.Context()); err != nil {
				return fmt.Errorf("schema check failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				_, err = fmt.Fprintln(out, "schema is up to date")
				return err
			}
			_, err = fmt.Fprintf(out, "applied %d migration(s): %s\n", len(applied), strings.Join(applied, ", "))
			return err
		},
	}
}

func newLanguagesCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the languages the executor accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}

			runner, err := execution.NewRunner(app.RunnerConfig(cfg.Execution), log)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY\tIMAGE")
			for _, lang := range runner.Describe() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", lang.Name, lang.Display, lang.Image)
			}
			return w.Flush()
		},
	}
}
