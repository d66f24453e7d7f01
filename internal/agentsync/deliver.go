package agentsync

import (
	"context"

	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pdvdash/storesync/internal/metrics"
	"github.com/pdvdash/storesync/internal/source"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// deliver sends batch and clears exactly its rows once the receiver has
// acknowledged them. A permanent rejection of a multi-row batch is bisected
// so the rows the receiver accepts still go through; a single row that keeps
// being rejected is quarantined once it reaches the rejection ceiling.
func (s *Syncer) deliver(ctx context.Context, src Source, t catalog.Table, batch source.Batch, res *CycleResult) (int, error) {
	err := s.client.Send(ctx, t.Endpoint, batch.Records)
	if err == nil {
		if _, err := src.Clear(ctx, t, batch.Locators); err != nil {
			// Rows stay pending and are resent; the receiver upserts.
			metrics.BatchesTotal.WithLabelValues(t.Name, metrics.Failed).Inc()
			return 0, errors.Wrap(err, "clearing delivered rows")
		}
		metrics.BatchesTotal.WithLabelValues(t.Name, metrics.Delivered).Inc()
		metrics.RowsTotal.WithLabelValues(t.Name, metrics.Delivered).Add(float64(batch.Len()))
		if s.state.forget(t.Name, identities(batch)...) {
			s.persistState()
		}
		return batch.Len(), nil
	}

	if !IsPermanent(err) || s.maxRejections <= 0 {
		metrics.BatchesTotal.WithLabelValues(t.Name, metrics.Failed).Inc()
		return 0, err
	}
	metrics.BatchesTotal.WithLabelValues(t.Name, metrics.Rejected).Inc()

	if batch.Len() > 1 {
		mid := batch.Len() / 2
		left, leftErr := s.deliver(ctx, src, t, batch.Slice(0, mid), res)
		if leftErr != nil && !IsPermanent(leftErr) {
			return left, leftErr
		}
		right, rightErr := s.deliver(ctx, src, t, batch.Slice(mid, batch.Len()), res)
		if rightErr != nil {
			return left + right, rightErr
		}
		return left + right, leftErr
	}

	id := identities(batch)[0]
	count := s.state.reject(t.Name, id)
	entry := s.logger.WithFields(log.Fields{"table": t.Name, "id_original": id, "rejections": count, "err": err})
	metrics.RowsTotal.WithLabelValues(t.Name, metrics.Rejected).Inc()
	if count < s.maxRejections {
		entry.Warn("row rejected by receiver")
		s.persistState()
		return 0, err
	}
	if _, qerr := src.Quarantine(ctx, t, batch.Locators); qerr != nil {
		entry.WithField("quarantineErr", qerr).Error("quarantining rejected row failed")
		s.persistState()
		return 0, err
	}
	s.state.forget(t.Name, id)
	s.persistState()
	res.Quarantined++
	metrics.QuarantinedRowsTotal.WithLabelValues(t.Name).Inc()
	entry.Error("row quarantined after repeated rejection; update it or run reset to retry")
	return 0, err
}

func (s *Syncer) persistState() {
	if err := writeStateFile(s.stateFile, s.state); err != nil {
		s.logger.WithField("err", err).Warn("saving state failed")
	}
}

func identities(batch source.Batch) []string {
	out := make([]string, 0, batch.Len())
	for _, rec := range batch.Records {
		id, _ := rec[source.IdentityField].(string)
		out = append(out, id)
	}
	return out
}
