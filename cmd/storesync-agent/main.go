// Command storesync-agent runs next to a store's point-of-sale database and
// delivers new and changed rows to the central receiver.
package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pdvdash/storesync/internal/agentsync"
	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pdvdash/storesync/internal/config"
	"github.com/pdvdash/storesync/internal/control"
	"github.com/pdvdash/storesync/internal/metrics"
	"github.com/pdvdash/storesync/internal/source"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithField("err", err).Error("storesync-agent failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "storesync-agent",
		Short: "Deliver point-of-sale rows to the storesync receiver",
		Long: `storesync-agent tracks changed rows of the store database with a marker
column maintained by triggers, and delivers them in batches to the central
receiver. Rows are marked delivered only after the receiver acknowledged them.

Configuration is read from an INI file (--config, or storesync.ini in the
working directory or the user config directory). STORESYNC_<SECTION>_<KEY>
environment variables fill keys the file leaves out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the INI configuration file")

	load := func() (*agent, error) { return loadAgent(configPath) }
	root.AddCommand(
		runCmd(load),
		bootstrapCmd(load),
		resetCmd(load),
		statusCmd(load),
		printConfigCmd(load),
	)
	return root
}

// agent holds what every command derives from the configuration.
type agent struct {
	cfg     *config.Config
	catalog catalog.Catalog
	dsn     string
	opts    source.Options
}

func loadAgent(path string) (*agent, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.InitLog(cfg.Log)

	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	dsn, err := cfg.SourceDSN()
	if err != nil {
		return nil, errors.Wrapf(config.ErrInvalid, "%v", err)
	}
	opts, err := cfg.SourceOptions()
	if err != nil {
		return nil, errors.Wrapf(config.ErrInvalid, "%v", err)
	}
	return &agent{cfg: cfg, catalog: cat, dsn: dsn, opts: opts}, nil
}

func (a *agent) openStore(ctx context.Context) (*source.Store, error) {
	return source.Open(ctx, a.dsn, a.opts)
}

func (a *agent) openSource(ctx context.Context) (agentsync.Source, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (a *agent) newSyncer(signals *control.Signals, cutoff time.Time) (*agentsync.Syncer, error) {
	cfg := a.cfg
	client := agentsync.NewHTTPClient(cfg.API.URL, cfg.API.Token, &http.Client{Timeout: cfg.API.Timeout}, agentsync.ClientOptions{
		StoreID:    cfg.Store.ID,
		MaxRetries: cfg.API.Retries,
		Gzip:       cfg.API.Gzip,
	})
	return agentsync.NewSyncer(client, a.openSource, agentsync.SyncerOptions{
		Catalog:             a.catalog,
		StoreID:             cfg.Store.ID,
		BatchSize:           cfg.Sync.BatchSize,
		Cutoff:              cutoff,
		StateFile:           cfg.Sync.StateFile,
		MaxRejections:       cfg.Sync.MaxRejections,
		MaintenanceInterval: cfg.Sync.MaintenanceInterval,
		Timing: agentsync.Timing{
			ActivePause:  cfg.Sync.ActivePause,
			IdleInterval: cfg.Sync.IdleInterval,
			IdleJitter:   cfg.Sync.IdleJitter,
			ErrorBackoff: cfg.Sync.ErrorBackoff,
		},
		Signals: signals,
		Logger:  log.StandardLogger(),
	})
}

var registerMetrics = sync.OnceFunc(func() {
	prometheus.MustRegister(metrics.AgentCollectors()...)
})
