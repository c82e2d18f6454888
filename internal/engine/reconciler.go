package engine

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/cortex/internal/metrics"
	"github.com/dreamware/cortex/internal/wal"
)

// reconciler periodically folds the write log into a new read view and
// swaps the engine's view pointer (spec §4.5). Its ticker interval is
// adaptive: a monitor tracks write-log depth and its exponentially
// smoothed derivative, and picks an interval in [min, max] that keeps
// depth within a target band, reacting faster when the log is filling and
// backing off when it is quiet. The shape is a plain ticker plus a
// stop channel and a mutex guarding the adaptive-interval state.
type reconciler struct {
	e *Engine

	min, max, base time.Duration

	mu       sync.Mutex
	interval time.Duration
	emaDepth float64
	emaDelta float64
	prevLen  int

	healthBits atomic.Uint32 // math.Float32bits of the current health score

	stopCh chan struct{}
	wg     sync.WaitGroup
}

const (
	reconcilerSmoothing = 0.3
	// reconcilerTargetBandFrac, as a fraction of WriteLogHighWaterMark, sets
	// the write-log depth the reconciler tries to keep the system near;
	// above it the interval shrinks toward min, below it the
	// interval grows toward max.
	reconcilerTargetBandFrac = 0.1
)

func newReconciler(e *Engine, min, max, base time.Duration) *reconciler {
	r := &reconciler{
		e:        e,
		min:      min,
		max:      max,
		base:     base,
		interval: base,
		stopCh:   make(chan struct{}),
	}
	r.setHealth(1)
	return r
}

func (r *reconciler) start() {
	r.wg.Add(1)
	go r.run()
}

func (r *reconciler) stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *reconciler) run() {
	defer r.wg.Done()
	timer := time.NewTimer(r.currentInterval())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			r.fold()
			timer.Reset(r.currentInterval())
		case <-r.stopCh:
			return
		}
	}
}

func (r *reconciler) currentInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// foldNow runs one reconciliation cycle synchronously, used by Flush to
// guarantee every pending write is folded before a snapshot is taken.
func (r *reconciler) foldNow() {
	r.fold()
}

func (r *reconciler) fold() {
	timer := metrics.NewTimer()
	defer timer.ObserveSeconds(metrics.ReconciliationDuration)

	recs := r.e.wlog.snapshotPending()
	if len(recs) > 0 {
		next := r.e.view.Load().clone()
		for _, rec := range recs {
			applyRecord(next, rec)
		}
		r.e.view.Store(next)
		r.e.wlog.releasePrefix(len(recs))
	}
	metrics.ReconciliationCyclesTotal.Inc()
	r.adapt(len(recs))
}

// applyRecord folds one WAL record into view in place. view must be a
// clone not yet published, never the live pointer (spec §4.5's "readers
// never observe an intermediate state").
func applyRecord(view *readView, rec wal.Record) {
	switch rec.Op {
	case wal.OpWriteConcept:
		view.concepts[rec.Concept.ID] = rec.Concept
	case wal.OpDeleteConcept:
		if c, ok := view.concepts[rec.ConceptID]; ok && !c.Metadata.SoftDeleted {
			clone := *c
			clone.Metadata.SoftDeleted = true
			view.concepts[rec.ConceptID] = &clone
		}
		view.removeConceptEdges(rec.ConceptID)
	case wal.OpWriteAssociation:
		key := keyOf(rec.Association)
		view.removeAssociation(key)
		view.addAssociation(rec.Association)
	case wal.OpDeleteAssociation:
		view.removeAssociation(edgeKey{Source: rec.AssocSource, Target: rec.AssocTarget, Type: rec.AssocType})
	case wal.OpUpdateField:
		if c, ok := view.concepts[rec.ConceptID]; ok {
			clone := *c
			applyFieldUpdate(&clone, rec.FieldName, rec.FieldValue)
			view.concepts[rec.ConceptID] = &clone
		}
	}
}

// adapt recomputes the reconciler's interval from the latest pending-write
// depth, exponentially smoothing both the depth and its derivative (spec
// §4.5: "a monitor tracks write-log depth and its exponentially smoothed
// derivative, and picks an interval in [1ms, 100ms] that keeps depth
// within a configured band").
func (r *reconciler) adapt(depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delta := float64(depth - r.prevLen)
	r.prevLen = depth
	r.emaDepth = reconcilerSmoothing*float64(depth) + (1-reconcilerSmoothing)*r.emaDepth
	r.emaDelta = reconcilerSmoothing*delta + (1-reconcilerSmoothing)*r.emaDelta

	band := reconcilerTargetBandFrac * float64(r.e.opts.WriteLogHighWaterMark)
	switch {
	case r.emaDelta > 0 || r.emaDepth > band:
		// Log is filling: react faster.
		r.interval = r.interval * 3 / 4
		if r.interval < r.min {
			r.interval = r.min
		}
	default:
		// Quiet: relax back toward the base interval, then max.
		r.interval = r.interval * 5 / 4
		if r.interval > r.max {
			r.interval = r.max
		}
	}

	health := 1 - r.emaDepth/float64(r.e.opts.WriteLogHighWaterMark)
	if health < 0 {
		health = 0
	}
	if health > 1 {
		health = 1
	}
	r.setHealthLocked(float32(health))
	metrics.ReconcilerHealth.Set(health)
	metrics.PendingWrites.Set(float64(depth))
}

func (r *reconciler) setHealth(v float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setHealthLocked(v)
}

func (r *reconciler) setHealthLocked(v float32) {
	r.healthBits.Store(math.Float32bits(v))
}

func (r *reconciler) health() float32 {
	return math.Float32frombits(r.healthBits.Load())
}
