// Package agentsync drives delivery of pending source rows to the receiver.
// A Syncer bootstraps marker tracking on every catalog table, then runs
// cycles: deletions first, then one batch per table in catalog order.
// Markers are cleared only after the receiver acknowledged the exact rows.
package agentsync

import (
	"context"
	"strings"
	"time"

	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pdvdash/storesync/internal/control"
	"github.com/pdvdash/storesync/internal/metrics"
	"github.com/pdvdash/storesync/internal/source"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// StoreField is added to every record when a store id is configured.
const StoreField = "cnpj_loja"

// CutoffLayout is how the cutoff is persisted in the state file.
const CutoffLayout = "2006-01-02"

// Source is the marker store of one open source database connection.
type Source interface {
	EnsureColumn(ctx context.Context, t catalog.Table) (bool, error)
	EnsureTrigger(ctx context.Context, t catalog.Table) error
	NormalizeMarkers(ctx context.Context, t catalog.Table) (int64, error)
	SweepCutoff(ctx context.Context, fact catalog.Table, children []catalog.Table, cutoff time.Time) (int64, error)
	RetireDeleted(ctx context.Context, fact catalog.Table, children []catalog.Table) (int64, error)
	SelectBatch(ctx context.Context, t catalog.Table, q source.BatchQuery) (source.Batch, error)
	Clear(ctx context.Context, t catalog.Table, locators []string) (int64, error)
	Quarantine(ctx context.Context, t catalog.Table, locators []string) (int64, error)
	Release(ctx context.Context, t catalog.Table, locators []string) (int64, error)
	SelectDeleted(ctx context.Context, fact catalog.Table, q source.BatchQuery) ([]source.Deletion, error)
	ClearDeleted(ctx context.Context, fact catalog.Table, children []catalog.Table, d source.Deletion) error
	Close() error
}

// Opener connects to the source database. The Syncer opens one connection
// per cycle and closes it before sleeping.
type Opener func(ctx context.Context) (Source, error)

type SyncerOptions struct {
	Catalog   catalog.Catalog
	StoreID   string
	BatchSize int
	// Cutoff excludes older fact rows. Zero falls back to the cutoff stored
	// by a previous bootstrap, if any.
	Cutoff    time.Time
	StateFile string
	// MaxRejections is how many permanent rejections a single row may
	// collect before it is quarantined. Zero retries forever.
	MaxRejections       int
	MaintenanceInterval time.Duration
	Timing              Timing
	Signals             *control.Signals
	Logger              log.FieldLogger
	Now                 func() time.Time
}

type Syncer struct {
	client  RemoteClient
	open    Opener
	catalog catalog.Catalog
	storeID string
	batch   int
	cutoff  time.Time

	stateFile     string
	maxRejections int
	maintenance   time.Duration
	timing        Timing
	signals       *control.Signals
	logger        log.FieldLogger
	now           func() time.Time

	state  agentState
	loaded bool
	ready  bool
	// broken holds tables whose marker column or trigger could not be
	// installed, keyed by upper-cased name.
	broken map[string]error
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Rows        int
	Deletes     int
	Batches     int
	Failures    int
	Quarantined int
	// Interrupted is set when a pause or stop ended the cycle early.
	Interrupted bool
}

func NewSyncer(client RemoteClient, open Opener, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if open == nil {
		return nil, errors.New("source opener is required")
	}
	if err := opts.Catalog.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRejections < 0 {
		opts.MaxRejections = 0
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = time.Hour
	}
	if opts.Signals == nil {
		opts.Signals = control.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		client:        client,
		open:          open,
		catalog:       opts.Catalog,
		storeID:       strings.TrimSpace(opts.StoreID),
		batch:         opts.BatchSize,
		cutoff:        opts.Cutoff,
		stateFile:     strings.TrimSpace(opts.StateFile),
		maxRejections: opts.MaxRejections,
		maintenance:   opts.MaintenanceInterval,
		timing:        opts.Timing.withDefaults(),
		signals:       opts.Signals,
		logger:        opts.Logger,
		now:           opts.Now,
		broken:        map[string]error{},
	}, nil
}

// Signals returns the control signals observed by the loop.
func (s *Syncer) Signals() *control.Signals { return s.signals }

// Cutoff returns the effective cutoff, known after Bootstrap.
func (s *Syncer) Cutoff() time.Time { return s.cutoff }

// Broken returns the tables currently skipped for structural reasons.
func (s *Syncer) Broken() map[string]error {
	out := make(map[string]error, len(s.broken))
	for k, v := range s.broken {
		out[k] = v
	}
	return out
}

// FirstRun reports whether no bootstrap has ever completed.
func (s *Syncer) FirstRun() (bool, error) {
	if err := s.loadState(); err != nil {
		return false, err
	}
	return !s.state.bootstrapped(), nil
}

// Bootstrap prepares every catalog table for tracking: marker column,
// trigger, NULL marker cleanup and the cutoff sweep. On the first ever run
// it also retires soft-deleted history, which has nothing to announce.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	if s.cutoff.IsZero() && s.state.Cutoff != "" {
		cutoff, err := time.Parse(CutoffLayout, s.state.Cutoff)
		if err != nil {
			return errors.Wrap(err, "state file cutoff")
		}
		s.cutoff = cutoff
	}

	src, err := s.open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening source for bootstrap")
	}
	defer src.Close()

	for _, t := range s.catalog.Tables {
		if err := s.ensureStructure(ctx, src, t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if n, err := src.NormalizeMarkers(ctx, t); err != nil {
			return errors.Wrapf(err, "%s: normalizing markers", t.Name)
		} else if n > 0 {
			s.logger.WithFields(log.Fields{"table": t.Name, "rows": n}).Info("set missing markers to pending")
		}
	}
	if err := s.sweepCutoff(ctx, src); err != nil {
		return err
	}
	if !s.state.bootstrapped() {
		for _, fact := range s.facts() {
			n, err := src.RetireDeleted(ctx, fact, s.healthyChildren(fact))
			if err != nil {
				return err
			}
			if n > 0 {
				s.logger.WithFields(log.Fields{"table": fact.Name, "rows": n}).Info("retired soft-deleted history")
			}
		}
	}

	now := s.now()
	if !s.state.bootstrapped() {
		s.state.BootstrappedAt = now
	}
	if !s.cutoff.IsZero() {
		s.state.Cutoff = s.cutoff.Format(CutoffLayout)
	}
	s.state.LastMaintenance = now
	if err := writeStateFile(s.stateFile, s.state); err != nil {
		return errors.Wrap(err, "saving state")
	}
	s.ready = true
	s.logger.WithFields(log.Fields{
		"tables": len(s.catalog.Tables),
		"broken": len(s.broken),
		"cutoff": s.state.Cutoff,
	}).Info("bootstrap complete")
	return nil
}

// ensureStructure installs the marker column and trigger on t, recording
// the table as broken on failure.
func (s *Syncer) ensureStructure(ctx context.Context, src Source, t catalog.Table) error {
	key := strings.ToUpper(t.Name)
	added, err := src.EnsureColumn(ctx, t)
	if err == nil {
		err = src.EnsureTrigger(ctx, t)
	}
	if err != nil {
		if _, already := s.broken[key]; !already {
			metrics.StructuralFailuresTotal.WithLabelValues(t.Name).Inc()
		}
		s.broken[key] = err
		s.logger.WithFields(log.Fields{"table": t.Name, "err": err}).Warn("table cannot be tracked; skipping it")
		return err
	}
	if added {
		s.logger.WithField("table", t.Name).Info("added marker column")
	}
	if _, was := s.broken[key]; was {
		s.logger.WithField("table", t.Name).Info("table is trackable again")
		delete(s.broken, key)
	}
	return nil
}

// sweepCutoff clears fact rows older than the cutoff, and their children.
func (s *Syncer) sweepCutoff(ctx context.Context, src Source) error {
	if s.cutoff.IsZero() {
		return nil
	}
	for _, fact := range s.facts() {
		n, err := src.SweepCutoff(ctx, fact, s.healthyChildren(fact), s.cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.WithFields(log.Fields{"table": fact.Name, "rows": n, "cutoff": s.cutoff.Format(CutoffLayout)}).Info("cleared rows before cutoff")
		}
	}
	return nil
}

// maintain retries broken tables and re-runs the cutoff sweep when the
// maintenance interval has elapsed.
func (s *Syncer) maintain(ctx context.Context, src Source) error {
	if s.now().Sub(s.state.LastMaintenance) < s.maintenance {
		return nil
	}
	for _, t := range s.catalog.Tables {
		if !s.isBroken(t) {
			continue
		}
		if err := s.ensureStructure(ctx, src, t); err == nil {
			if _, err := src.NormalizeMarkers(ctx, t); err != nil {
				return errors.Wrapf(err, "%s: normalizing markers", t.Name)
			}
		}
	}
	if err := s.sweepCutoff(ctx, src); err != nil {
		return err
	}
	s.state.LastMaintenance = s.now()
	return writeStateFile(s.stateFile, s.state)
}

// SyncOnce runs one cycle: bootstrap if still needed, maintenance when due,
// deletion propagation, then at most one batch per table in catalog order.
// Per-table failures are logged and counted, not returned; the error result
// is reserved for failures that prevent the cycle from running at all.
func (s *Syncer) SyncOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	if !s.ready {
		if err := s.Bootstrap(ctx); err != nil {
			return res, err
		}
	}
	src, err := s.open(ctx)
	if err != nil {
		return res, errors.Wrap(err, "opening source")
	}
	defer src.Close()

	if err := s.maintain(ctx, src); err != nil {
		return res, errors.Wrap(err, "maintenance sweep")
	}

	s.propagateDeletions(ctx, src, &res)

	for _, t := range s.catalog.Tables {
		if s.halted(ctx) {
			res.Interrupted = true
			break
		}
		if s.isBroken(t) {
			continue
		}
		s.syncTable(ctx, src, t, &res)
	}
	return res, nil
}

func (s *Syncer) syncTable(ctx context.Context, src Source, t catalog.Table, res *CycleResult) {
	entry := s.logger.WithField("table", t.Name)
	q := source.BatchQuery{Size: s.batch, Cutoff: s.cutoff}
	if t.Role == catalog.Child {
		parent, ok := s.catalog.Lookup(t.Parent.Table)
		if !ok || s.isBroken(parent) {
			return
		}
		q.Parent = &parent
	}
	batch, err := src.SelectBatch(ctx, t, q)
	if err != nil {
		res.Failures++
		entry.WithField("err", err).Warn("reading batch failed; skipping table this cycle")
		return
	}
	if batch.Len() == 0 {
		return
	}
	if s.storeID != "" {
		for _, rec := range batch.Records {
			rec[StoreField] = s.storeID
		}
	}
	res.Batches++

	// A batch in flight always completes its send and clear, even if a stop
	// is requested meanwhile.
	pair := context.WithoutCancel(ctx)
	n, err := s.deliver(pair, src, t, batch, res)
	res.Rows += n
	if err != nil {
		res.Failures++
		if _, rerr := src.Release(pair, t, batch.Locators); rerr != nil {
			entry.WithField("err", rerr).Warn("releasing undelivered rows failed")
		}
		entry.WithFields(log.Fields{"rows": batch.Len(), "delivered": n, "endpoint": t.Endpoint, "err": err}).Warn("batch not delivered; will retry")
		return
	}
	entry.WithFields(log.Fields{"rows": n, "endpoint": t.Endpoint}).Info("batch delivered")
}

func (s *Syncer) halted(ctx context.Context) bool {
	return ctx.Err() != nil || s.signals.Paused()
}

func (s *Syncer) isBroken(t catalog.Table) bool {
	_, ok := s.broken[strings.ToUpper(t.Name)]
	return ok
}

func (s *Syncer) facts() []catalog.Table {
	var out []catalog.Table
	for _, t := range s.catalog.Tables {
		if t.Role == catalog.Fact && !s.isBroken(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Syncer) healthyChildren(fact catalog.Table) []catalog.Table {
	var out []catalog.Table
	for _, c := range s.catalog.Children(fact.Name) {
		if !s.isBroken(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	state, err := readStateFile(s.stateFile)
	if err != nil {
		return err
	}
	s.state = state
	s.loaded = true
	return nil
}
