// Command billingd runs the campaign billing engine: the HTTP API, provider
// webhooks and the daily subscription sweeps.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/campaignbilling/pkg/config"
	"github.com/dmitrymomot/campaignbilling/pkg/httpserver"
	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/pkg/pg"
	"github.com/dmitrymomot/campaignbilling/svc/billing/pgstore"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "billingd",
		Short:         "Subscription billing for the campaigns product",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd(), plansCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (appConfig, error) {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the daily sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			api, err := a.api()
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return httpserver.New(cfg.HTTP, log).Run(ctx, api.Handler())
			})
			if cfg.SchedulerEnabled && !noScheduler {
				s, err := a.scheduler()
				if err != nil {
					return err
				}
				g.Go(func() error { return s.Run(ctx) })
			} else {
				log.InfoContext(ctx, "scheduler disabled on this instance")
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve HTTP only")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			pool, err := pg.Connect(cmd.Context(), cfg.DB)
			if err != nil {
				return err
			}
			defer pool.Close()
			return pg.Migrate(cmd.Context(), pool, pgstore.Migrations, pgstore.MigrationsDir, cfg.DB, log)
		},
	}
}

func sweepCmd() *cobra.Command {
	names := make([]string, 0, len(sweepSchedule))
	for _, st := range sweepSchedule {
		names = append(names, st.name)
	}
	return &cobra.Command{
		Use:       "sweep <" + strings.Join(names, "|") + "|all>",
		Short:     "Run a daily sweep once, outside the schedule",
		Args:      cobra.ExactArgs(1),
		ValidArgs: append(slices.Clone(names), "all"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			ctx := cmd.Context()

			run := names
			if args[0] != "all" {
				if !slices.Contains(names, args[0]) {
					return fmt.Errorf("unknown sweep %q, want one of %s", args[0], strings.Join(names, ", "))
				}
				run = args[:1]
			}

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.scheduler()
			if err != nil {
				return err
			}
			var errs []error
			for _, name := range run {
				if err := s.RunNow(ctx, name); err != nil {
					log.ErrorContext(ctx, "sweep failed", logger.Job(name), logger.Error(err))
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}
