package agentsync

import (
	"context"

	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pdvdash/storesync/internal/metrics"
	"github.com/pdvdash/storesync/internal/source"
	log "github.com/sirupsen/logrus"
)

// propagateDeletions announces pending soft-deleted fact rows to the
// receiver, one delete call per row. The fact row and its pending children
// are cleared only after the receiver confirmed the delete; a row the
// receiver no longer has (404) counts as confirmed.
func (s *Syncer) propagateDeletions(ctx context.Context, src Source, res *CycleResult) {
	for _, fact := range s.facts() {
		if fact.Fact.DeletedColumn == "" {
			continue
		}
		if s.halted(ctx) {
			res.Interrupted = true
			return
		}
		entry := s.logger.WithField("table", fact.Name)
		children := s.healthyChildren(fact)
		dels, err := src.SelectDeleted(ctx, fact, source.BatchQuery{Size: s.batch, Cutoff: s.cutoff})
		if err != nil {
			res.Failures++
			entry.WithField("err", err).Warn("reading deletions failed")
			continue
		}
		pair := context.WithoutCancel(ctx)
		for i, d := range dels {
			if s.halted(ctx) {
				res.Interrupted = true
				s.releaseDeletions(pair, src, fact, dels[i:])
				return
			}
			if err := s.client.Delete(pair, fact.Fact.DeleteEndpoint, d.ID); err != nil {
				res.Failures++
				metrics.DeletesTotal.WithLabelValues(metrics.Failed).Inc()
				entry.WithFields(log.Fields{"id_original": d.ID, "err": err}).Warn("delete not delivered; will retry")
				s.releaseDeletions(pair, src, fact, dels[i:])
				break
			}
			if err := src.ClearDeleted(pair, fact, children, d); err != nil {
				res.Failures++
				entry.WithFields(log.Fields{"id_original": d.ID, "err": err}).Warn("clearing deleted row failed")
				s.releaseDeletions(pair, src, fact, dels[i:])
				break
			}
			res.Deletes++
			metrics.DeletesTotal.WithLabelValues(metrics.Delivered).Inc()
			entry.WithField("id_original", d.ID).Info("deletion delivered")
		}
	}
}

func (s *Syncer) releaseDeletions(ctx context.Context, src Source, fact catalog.Table, dels []source.Deletion) {
	locators := make([]string, len(dels))
	for i, d := range dels {
		locators[i] = d.Locator
	}
	if _, err := src.Release(ctx, fact, locators); err != nil {
		s.logger.WithFields(log.Fields{"table": fact.Name, "err": err}).Warn("releasing undelivered deletions failed")
	}
}
