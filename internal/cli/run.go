package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/statusapi"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/scheduler"
)

// NewRunCommand creates the run command, the long-lived sync process.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run delivers queued operations, listens for server events on the real-time
channel, pulls server changes on a schedule and, when enabled, serves the local
status API. It exits cleanly on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}
}

func runDaemon(parent context.Context, opts *RootOptions, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig(opts, true, stderr)
	if err != nil {
		return err
	}
	warnTokenExpiry(cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.NewScheduler(a.engine, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval(),
		SyncTimeout:  cfg.Sync.Interval(),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.StatusAPI.Enabled {
		api := statusapi.New(gctx, a.engine, sched).WithUpstreamTimeout(cfg.Server.RequestTimeout)
		g.Go(func() error {
			return api.ListenAndServe(gctx, cfg.StatusAPI.Addr)
		})
	}

	sched.Start(gctx)
	sched.TriggerSync(gctx)

	logging.Info("Sync engine running", map[string]interface{}{
		"partner_id": cfg.Identity.PartnerID,
		"device_id":  cfg.Identity.DeviceID,
		"strategy":   cfg.Sync.ConflictStrategy,
		"realtime":   a.realtime != nil,
		"status_api": cfg.StatusAPI.Enabled,
	})

	err = g.Wait()
	sched.Stop()

	if err != nil {
		return WrapExitError(ExitFailure, "sync engine exited", err)
	}
	logging.Info("Sync engine shut down", nil)
	return nil
}
