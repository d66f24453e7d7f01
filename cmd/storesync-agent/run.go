package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pdvdash/storesync/internal/config"
	"github.com/pdvdash/storesync/internal/control"
	"github.com/pdvdash/storesync/internal/instancelock"
	"github.com/pdvdash/storesync/internal/monitor"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const logRingSize = 500

func runCmd(load func() (*agent, error)) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop until interrupted",
		Long: `Run bootstraps marker tracking when needed and then delivers pending rows
until SIGINT or SIGTERM. With --once it runs a single cycle and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run one sync cycle and exit")
	return cmd
}

// lock takes the single-instance lock of the configured store.
func (a *agent) lock() (*instancelock.Lock, error) {
	l, err := instancelock.Acquire(a.cfg.LockDir(), a.cfg.Store.ID)
	if errors.Is(err, instancelock.ErrHeld) {
		return nil, errors.Wrapf(config.ErrInvalid, "%v", err)
	}
	return l, err
}

func (a *agent) run(ctx context.Context, once bool) error {
	l, err := a.lock()
	if err != nil {
		return err
	}
	defer l.Release()

	cutoff, err := a.cfg.CutoffDate()
	if err != nil {
		return err
	}
	signals := control.New()
	syncer, err := a.newSyncer(signals, cutoff)
	if err != nil {
		return err
	}
	registerMetrics()

	if once {
		res, err := syncer.SyncOnce(ctx)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"rows":     res.Rows,
			"deletes":  res.Deletes,
			"failures": res.Failures,
		}).Info("sync cycle finished")
		return nil
	}

	ring := monitor.NewRing(logRingSize)
	log.AddHook(ring)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncer.Run(ctx) })
	if addr := a.cfg.Monitor.Addr; addr != "" {
		srv := monitor.NewServer(signals, ring, nil)
		g.Go(func() error {
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				log.WithField("err", err).Warn("monitor unavailable")
			}
			return nil
		})
	}
	if path := a.cfg.Sync.PauseFile; path != "" {
		g.Go(func() error {
			if err := control.WatchPauseFile(ctx, path, signals); err != nil {
				log.WithFields(log.Fields{"file": path, "err": err}).Warn("pause file watcher stopped")
			}
			return nil
		})
	}
	log.WithFields(log.Fields{
		"store":  a.cfg.Store.ID,
		"tables": len(a.catalog.Tables),
		"driver": a.opts.Dialect.Name(),
	}).Info("storesync agent starting")
	return g.Wait()
}
