package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridverify/certus/internal/archive"
	"github.com/gridverify/certus/internal/config"
	"github.com/gridverify/certus/internal/definition"
	"github.com/gridverify/certus/internal/fixture"
	"github.com/gridverify/certus/internal/httpapi"
	"github.com/gridverify/certus/internal/notify"
	"github.com/gridverify/certus/internal/run"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the harness control API",
		Long: `Run the test harness: the control API, the notification correlator
and the interaction archive, wired to the reference server's admin
interface for fixture provisioning.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, listenFlag string) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}

	logger := newLogger(cfg.LogLevel, opts.Verbose)

	store, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	defer store.Close()

	adminOpts := []fixture.Option{fixture.WithLogger(logger)}
	if cfg.Admin.Timeout != "" {
		d, err := time.ParseDuration(cfg.Admin.Timeout)
		if err != nil {
			return NewExitError(ExitCommandError,
				fmt.Sprintf("invalid admin timeout %q: %v", cfg.Admin.Timeout, err))
		}
		adminOpts = append(adminOpts, fixture.WithTimeout(d))
	}

	registry := definition.NewRegistry(cfg.Procedures.Dir)
	admin := fixture.NewAdminClient(
		cfg.Admin.BaseURL, cfg.Admin.Username, cfg.Admin.Password,
		adminOpts...,
	)
	machine := run.NewMachine(registry, admin,
		run.WithRecorder(store),
		run.WithLogger(logger),
	)
	correlator := notify.New(machine,
		notify.WithBuffer(cfg.Notify.Buffer),
		notify.WithDedupWindow(cfg.Notify.DedupWindow),
		notify.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() { _ = correlator.Run(ctx) }()

	handler := httpapi.NewHandler(machine, correlator, store, httpapi.WithLogger(logger))
	if err := httpapi.Serve(ctx, cfg.Listen, handler, logger); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	return nil
}
