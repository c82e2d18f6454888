// Package engine implements the single-shard façade described in spec
// §4.5 (write log / read view) and §4.6 (concurrent memory engine): the
// sole owner of concept and association lifecycle for one shard.
//
// An Engine wires together the write-ahead log (internal/wal), the
// on-disk snapshot (internal/snapshot), and the vector index
// (internal/vectorindex) behind a write-log/read-view split: writers
// append to the WAL and a short-lived overlay (writeLog), never touching
// the read view directly; a reconciler goroutine periodically folds the
// overlay into a new immutable read view and swaps a pointer. Readers
// never block on writers and never observe a torn state.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/logging"
	"github.com/dreamware/cortex/internal/metrics"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/snapshot"
	"github.com/dreamware/cortex/internal/vectorindex"
	"github.com/dreamware/cortex/internal/wal"
)

const snapshotFileName = "storage.dat"

// Options configures a new Engine. Zero-value fields take the defaults
// named alongside them in setDefaults.
type Options struct {
	// Embedder generates embeddings for learn_concept when the caller
	// doesn't supply one directly. Defaults to NoopEmbedder, under which
	// a GenerateEmbedding request silently produces no vector.
	Embedder EmbeddingClient

	// Extractor proposes associations for newly-learned concepts.
	// Defaults to a SimilarityExtractor bound to this engine.
	Extractor AssociationExtractor

	// ShardID is used only for log/metric labeling.
	ShardID int

	// Dimension is the store-wide embedding dimension. Zero takes the
	// dimension recorded in an existing snapshot, or else the length of the
	// first embedding written.
	Dimension int

	NamespaceDefault string

	// ReconcileIntervalMin/Max/Base bound the adaptive reconciler (§4.5).
	ReconcileIntervalMin  time.Duration
	ReconcileIntervalMax  time.Duration
	ReconcileIntervalBase time.Duration

	// WriteLogHighWaterMark is the pending-write count past which new
	// writes are refused with a retryable overload error (spec §5).
	WriteLogHighWaterMark int

	// SnapshotThreshold is the pending-write count that triggers an
	// automatic snapshot+truncate, also used by internal/jobs (§4.9).
	SnapshotThreshold int
}

func (o *Options) setDefaults() {
	if o.ReconcileIntervalMin <= 0 {
		o.ReconcileIntervalMin = time.Millisecond
	}
	if o.ReconcileIntervalMax <= 0 {
		o.ReconcileIntervalMax = 100 * time.Millisecond
	}
	if o.ReconcileIntervalBase <= 0 {
		o.ReconcileIntervalBase = 10 * time.Millisecond
	}
	if o.WriteLogHighWaterMark <= 0 {
		o.WriteLogHighWaterMark = 200_000
	}
	if o.SnapshotThreshold <= 0 {
		o.SnapshotThreshold = 50_000
	}
	if o.NamespaceDefault == "" {
		o.NamespaceDefault = "default"
	}
	if o.Embedder == nil {
		o.Embedder = NoopEmbedder{}
	}
}

// Engine is one shard's storage engine: WAL + read view + write-log
// overlay + vector index, plus the reconciler that folds one into the
// other. Safe for concurrent use by many goroutines.
type Engine struct {
	dir          string
	snapshotPath string
	opts         Options
	log          zerolog.Logger

	wal   *wal.Writer
	index *vectorindex.Index

	view atomic.Pointer[readView]
	wlog *writeLog
	pins *pinSet

	recon *reconciler

	// lastSnapshotSeq is the WAL sequence absorbed by the most recent
	// on-disk snapshot; Flush and the snapshot job use it to know what a
	// WAL truncate can safely discard.
	lastSnapshotSeq atomic.Uint64

	// flushMu serializes Flush/snapshot-writing calls; folding into the
	// read view is unaffected and keeps running concurrently.
	flushMu sync.Mutex

	startedAt time.Time
	closed    atomic.Bool
}

// Open opens or creates a shard's engine at dir, recovering from the most
// recent snapshot plus any WAL records written since (spec §4.2's crash
// recovery contract). dir is created if absent.
func Open(dir string, opts Options) (*Engine, error) {
	opts.setDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: creating store dir: %w", err)
	}

	w, err := wal.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: opening wal: %w", err)
	}

	snapshotPath := filepath.Join(dir, snapshotFileName)
	concepts, associations, dimension, lastSeq, err := loadSnapshot(snapshotPath, opts.Dimension)
	if err != nil {
		w.Close() //nolint:errcheck
		return nil, fmt.Errorf("engine: loading snapshot: %w", err)
	}
	if opts.Dimension == 0 {
		opts.Dimension = dimension
	}

	rv := newReadView(concepts, associations)

	existingVectors := make(map[concept.Identifier][]float32, len(concepts))
	for _, c := range concepts {
		if len(c.Embedding) > 0 && !c.Metadata.SoftDeleted {
			existingVectors[c.ID] = c.Embedding
		}
	}
	idx, err := vectorindex.LoadOrBuild(dir, opts.Dimension, existingVectors)
	if err != nil {
		w.Close() //nolint:errcheck
		return nil, fmt.Errorf("engine: loading vector index: %w", err)
	}
	if !indexMatchesVectors(idx, existingVectors) {
		idx = vectorindex.BuildFromVectors(opts.Dimension, existingVectors)
	}

	// Replay any WAL records written after the snapshot's checkpoint; the
	// snapshot only absorbs records up to lastSeq, so anything beyond
	// that must be folded in before the engine is usable.
	tail, err := w.ReplayFrom(lastSeq + 1)
	if err != nil {
		w.Close() //nolint:errcheck
		return nil, fmt.Errorf("engine: replaying wal tail: %w", err)
	}

	log := logging.WithShard(logging.WithComponent("engine"), opts.ShardID)

	e := &Engine{
		dir:          dir,
		snapshotPath: snapshotPath,
		opts:         opts,
		log:          log,
		wal:          w,
		index:        idx,
		wlog:         newWriteLog(),
		pins:         newPinSet(),
		startedAt:    time.Now(),
	}
	e.view.Store(rv)
	e.lastSnapshotSeq.Store(lastSeq)
	if opts.Extractor == nil {
		opts.Extractor = SimilarityExtractor{engine: e}
		e.opts.Extractor = opts.Extractor
	}

	for _, rec := range tail {
		e.wlog.apply(rec)
	}
	e.recon = newReconciler(e, opts.ReconcileIntervalMin, opts.ReconcileIntervalMax, opts.ReconcileIntervalBase)
	e.recon.start()

	log.Info().Int("concepts", len(concepts)).Int("associations", len(associations)).Uint64("resumed_from_seq", lastSeq).Msg("engine opened")
	return e, nil
}

func loadSnapshot(path string, dimension int) ([]*concept.Concept, []*concept.Association, int, uint64, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := snapshot.Build(path, nil, nil, uint32(dimension), 0); err != nil {
			return nil, nil, 0, 0, fmt.Errorf("building empty snapshot: %w", err)
		}
	}

	sf, err := snapshot.Open(path)
	if err != nil {
		return nil, nil, 0, 0, fmt.Errorf("opening snapshot (wal replay from scratch would be required if no valid snapshot exists): %w", err)
	}
	defer sf.Close()

	var concepts []*concept.Concept
	if err := sf.Concepts(func(c *concept.Concept) error {
		concepts = append(concepts, c)
		return nil
	}); err != nil {
		return nil, nil, 0, 0, err
	}

	var associations []*concept.Association
	if err := sf.Associations(func(a *concept.Association) error {
		associations = append(associations, a)
		return nil
	}); err != nil {
		return nil, nil, 0, 0, err
	}

	dim := int(sf.Dimension())
	if dim == 0 {
		dim = dimension
	}
	return concepts, associations, dim, sf.LastSeq(), nil
}

// indexMatchesVectors checks the C4/C3 consistency invariant named in spec
// §4.4: every identifier in the index must also be embedded in the
// snapshot, and vice versa. A mismatch means the index files are stale
// relative to the snapshot (e.g. the process crashed between an Insert
// and the next Save) and must be rebuilt.
func indexMatchesVectors(idx *vectorindex.Index, vectors map[concept.Identifier][]float32) bool {
	ids := idx.IDs()
	if len(ids) != len(vectors) {
		return false
	}
	for _, id := range ids {
		if _, ok := vectors[id]; !ok {
			return false
		}
	}
	return true
}

// Close stops the reconciler and releases the WAL lockfile. It does not
// flush; call Flush first if pending writes must be durable in the
// snapshot before shutdown.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.recon.stop()
	return e.wal.Close()
}

// Stats reports the point-in-time counters named in spec §4.6.
func (e *Engine) Stats() protocol.Stats {
	rv := e.view.Load()
	pending := e.wlog.len()
	return protocol.Stats{
		ConceptCount:     uint64(rv.conceptCount()),
		AssociationCount: uint64(rv.associationCount()),
		VectorCount:      uint64(len(e.index.IDs())),
		PendingWrites:    uint64(pending),
		UptimeSeconds:    uint64(time.Since(e.startedAt).Seconds()),
		ReconcilerHealth: e.recon.health(),
	}
}

// Health returns the coarser health-check payload (spec §6).
func (e *Engine) Health() protocol.HealthStatus {
	stats := e.Stats()
	status := "ok"
	if stats.ReconcilerHealth < 0.5 {
		status = "degraded"
	}
	return protocol.HealthStatus{
		Status:           status,
		ReconcilerHealth: stats.ReconcilerHealth,
		PendingWrites:    stats.PendingWrites,
		UptimeSeconds:    stats.UptimeSeconds,
	}
}

// Flush forces reconciliation, a snapshot write, a WAL truncate, and an
// index save, in that order, returning only once all four have succeeded
// (spec §4.6). Concurrent Flush calls are serialized.
func (e *Engine) Flush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.recon.foldNow()

	rv := e.view.Load()
	concepts := rv.allConcepts()
	associations := rv.allAssociations()
	seq := e.wal.NextSeq() - 1

	timer := metrics.NewTimer()
	err := snapshot.Build(e.snapshotPath, concepts, associations, uint32(e.opts.Dimension), seq)
	if err != nil {
		metrics.SnapshotWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("engine: flush: writing snapshot: %w", err)
	}
	metrics.SnapshotWritesTotal.WithLabelValues("ok").Inc()
	timer.ObserveSeconds(metrics.ReconciliationDuration)
	e.lastSnapshotSeq.Store(seq)

	if err := e.wal.Truncate(seq + 1); err != nil {
		return fmt.Errorf("engine: flush: truncating wal: %w", err)
	}
	if err := e.index.Save(e.dir); err != nil {
		return fmt.Errorf("engine: flush: saving vector index: %w", err)
	}
	e.log.Info().Uint64("absorbed_seq", seq).Int("concepts", len(concepts)).Msg("flush complete")
	return nil
}

// shouldSnapshot reports whether pending writes have crossed
// SnapshotThreshold, used by internal/jobs to trigger Flush automatically
// (spec §4.9).
func (e *Engine) shouldSnapshot() bool {
	return e.wlog.len() >= e.opts.SnapshotThreshold
}

// ShouldSnapshot exports shouldSnapshot for internal/jobs' snapshot job.
func (e *Engine) ShouldSnapshot() bool {
	return e.shouldSnapshot()
}

func currentTime() time.Time { return time.Now().UTC() }
