package shardrouter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/logging"
	"github.com/dreamware/cortex/internal/protocol"
)

// Coordinator runs the two-phase commit protocol described in spec §4.7
// for the two operations that cross shard boundaries: creating an
// association whose endpoints live on different shards, and
// clear_namespace when it touches more than one shard.
//
// Every participant here is an in-process engine.Engine, so "sending"
// prepare/commit/abort is a direct method call rather than a network
// round trip — no participant can be unreachable independent of this
// process being alive, which simplifies the timeout-and-recover-from-
// coordinator-log path spec §4.7 describes for a crashed coordinator: a
// coordinator crash is a process crash, and on restart every shard's own
// WAL replay already reflects only what was actually committed
// (Coordinator never hands a participant a commit instruction until every
// participant has replied ready).
type Coordinator struct {
	r *Router

	mu  sync.Mutex
	log []txRecord // in-memory durable-enough-for-this-process transaction log
}

type txRecord struct {
	id     string
	status string // "committed" or "aborted"
}

func newCoordinator(r *Router) *Coordinator {
	return &Coordinator{r: r}
}

func (c *Coordinator) record(id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, txRecord{id: id, status: status})
}

// commitCrossShardAssociation runs prepare/commit/abort for one
// association whose endpoints live on two different shards (spec §4.7
// steps 1-3).
func (c *Coordinator) commitCrossShardAssociation(ctx context.Context, a *concept.Association, fromShard, toShard int) error {
	txID := uuid.NewString()
	log := logging.WithComponent("shardrouter.tx")

	fromEngine := c.r.shards[fromShard]
	toEngine := c.r.shards[toShard]

	// Phase 1: prepare. Each participant validates and pins its own
	// endpoint; any failure aborts the whole transaction.
	if err := fromEngine.PrepareAssociationEndpoint(a.Source); err != nil {
		c.record(txID, "aborted")
		return protocol.Errorf(protocol.KindTxAborted, "tx %s: source shard refused prepare: %v", txID, err)
	}
	if err := toEngine.PrepareAssociationEndpoint(a.Target); err != nil {
		fromEngine.AbortAssociationEndpoint(a.Source)
		c.record(txID, "aborted")
		return protocol.Errorf(protocol.KindTxAborted, "tx %s: target shard refused prepare: %v", txID, err)
	}

	// Phase 2: commit. The coordinator records the commit decision before
	// either participant commits. The record is kept in memory for this
	// process only and is not consulted after a restart, so a crash between
	// the two participants' commits is not resolved by it.
	c.record(txID, "committed")

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return fromEngine.CommitAssociationMirror(a, a.Source) })
	g.Go(func() error { return toEngine.CommitAssociationMirror(a, a.Target) })
	if err := g.Wait(); err != nil {
		log.Error().Str("tx_id", txID).Err(err).Msg("cross-shard commit failed after prepare succeeded")
		return protocol.Errorf(protocol.KindInternal, "tx %s: commit: %v", txID, err)
	}
	log.Debug().Str("tx_id", txID).Int("from_shard", fromShard).Int("to_shard", toShard).Msg("cross-shard association committed")
	return nil
}

// clearNamespace runs a real 2PC transaction across every shard that might
// hold a concept in ns, so a reader never observes some shards cleared and
// others not (spec §4.7, §8 property 7). Phase one pins each shard's
// matching concept ids without deleting anything; only once every shard
// has prepared does phase two durably apply the deletes, mirroring
// commitCrossShardAssociation's prepare-before-mutate shape instead of
// mutating every shard concurrently with no way back out.
func (c *Coordinator) clearNamespace(ctx context.Context, ns string) (uint64, error) {
	txID := uuid.NewString()
	log := logging.WithComponent("shardrouter.tx")

	// Phase 1: prepare. Every shard pins the ids it would delete; nothing
	// is mutated yet, so an abort here (including a cancelled context)
	// leaves every shard's data exactly as it was.
	prepared := make([][]concept.Identifier, len(c.r.shards))
	for i, e := range c.r.shards {
		prepared[i] = e.PrepareClearNamespace(ns)
	}

	if err := ctx.Err(); err != nil {
		for i, e := range c.r.shards {
			e.AbortClearNamespace(prepared[i])
		}
		c.record(txID, "aborted")
		return 0, protocol.Errorf(protocol.KindTxAborted, "tx %s: clear_namespace: %v", txID, err)
	}

	// Phase 2: commit. The coordinator records the commit decision before
	// any participant commits. The record is kept in memory for this
	// process only and is not consulted after a restart, so a crash while
	// the shards are committing is not resolved by it.
	c.record(txID, "committed")

	type result struct {
		shard int
		count uint64
	}
	results := make([]result, len(c.r.shards))
	g, _ := errgroup.WithContext(ctx)
	for i, e := range c.r.shards {
		i, e := i, e
		g.Go(func() error {
			n, err := e.CommitClearNamespace(prepared[i])
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			results[i] = result{shard: i, count: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Str("tx_id", txID).Err(err).Msg("cross-shard clear_namespace commit failed after prepare succeeded")
		return 0, protocol.Errorf(protocol.KindInternal, "tx %s: clear_namespace commit: %v", txID, err)
	}

	var total uint64
	for _, r := range results {
		total += r.count
	}
	return total, nil
}
