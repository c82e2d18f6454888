package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/protocol"
)

// runHealthSnapshot writes a small health record as a concept of reserved
// type health_snapshot, then trims the administrative namespace's ring of
// snapshots down to HealthRingSize, keeping only the most recent ones
// (spec §4.9: "bounded ring of last 1,000").
func (r *Runner) runHealthSnapshot() {
	stats := r.router.Stats()
	health := r.router.Health()

	content := fmt.Sprintf("health_snapshot:%d", stats.UptimeSeconds)
	opts := protocol.DefaultLearnOptions()
	opts.GenerateEmbedding = false
	opts.ExtractAssociations = false
	opts.Namespace = AdminNamespace
	opts.Attributes = map[string]string{
		AttrKind:            KindHealthSnapshot,
		"status":            health.Status,
		"concept_count":     strconv.FormatUint(stats.ConceptCount, 10),
		"association_count": strconv.FormatUint(stats.AssociationCount, 10),
		"vector_count":      strconv.FormatUint(stats.VectorCount, 10),
		"pending_writes":    strconv.FormatUint(stats.PendingWrites, 10),
		"reconciler_health": strconv.FormatFloat(float64(stats.ReconcilerHealth), 'g', -1, 32),
	}

	ctx := context.Background()
	if _, err := r.router.LearnConcept(ctx, content, opts, nil); err != nil {
		r.log.Error().Err(err).Msg("health snapshot write failed")
		return
	}

	r.trimHealthRing()
}

func (r *Runner) trimHealthRing() {
	ringSize := r.opts.HealthRingSize
	if ringSize <= 0 {
		return
	}

	summaries := r.router.ListRecent(AdminNamespace, 0)
	var snapshots []concept.Summary
	for _, s := range summaries {
		if s.Type == concept.TypeHealthSnapshot {
			snapshots = append(snapshots, s)
		}
	}
	if len(snapshots) <= ringSize {
		return
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	for _, s := range snapshots[ringSize:] {
		if err := r.router.DeleteConcept(s.ID); err != nil {
			r.log.Warn().Err(err).Msg("trimming health ring: delete failed")
		}
	}
}
