// Package server implements the TCP server (C8): a fixed-size worker pool
// accepting binary-protocol connections, a second listener speaking the NL
// control grammar (§12), and the graceful-shutdown drain described in
// spec §4.8. Dispatch is the single place request variants are routed
// through the shard router (C7) and turned into wire results, shared by
// both listeners so the NL surface and the binary protocol can never drift
// apart on semantics.
package server

import (
	"context"
	"time"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/engine"
	"github.com/dreamware/cortex/internal/jobs"
	"github.com/dreamware/cortex/internal/metrics"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/shardrouter"
	"github.com/dreamware/cortex/internal/vectorindex"
)

func matchesToWire(matches []vectorindex.Match) []protocol.Match {
	out := make([]protocol.Match, len(matches))
	for i, m := range matches {
		out[i] = protocol.Match{ID: m.ID, Similarity: m.Similarity}
	}
	return out
}

// dispatch routes one decoded request body through the router and returns
// exactly one of (Result, nil) or (nil, *protocol.Error), matching the
// wire's Ok/Err discriminator (spec §4.1). runner may be nil (jobs
// disabled entirely), in which case autonomy stats report zero gaps.
func dispatch(ctx context.Context, r *shardrouter.Router, embedder engine.EmbeddingClient, runner *jobs.Runner, body protocol.Body) (protocol.Result, *protocol.Error) {
	timer := metrics.NewTimer()
	op := opName(body)
	result, perr := dispatchBody(ctx, r, embedder, runner, body)
	outcome := "ok"
	if perr != nil {
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	timer.ObserveSeconds(metrics.OperationDuration.WithLabelValues(op))
	return result, perr
}

func dispatchBody(ctx context.Context, r *shardrouter.Router, embedder engine.EmbeddingClient, runner *jobs.Runner, body protocol.Body) (protocol.Result, *protocol.Error) {
	switch req := body.(type) {
	case protocol.LearnConcept:
		id, err := r.LearnConcept(ctx, req.Content, req.Options, req.Embedding)
		if err != nil {
			return nil, asError(err)
		}
		return protocol.LearnResult{ID: id}, nil

	case protocol.QueryConcept:
		c, err := r.QueryConcept(req.ID)
		if err != nil {
			return nil, asError(err)
		}
		return protocol.ConceptResult{Concept: conceptToView(c)}, nil

	case protocol.DeleteConcept:
		if err := r.DeleteConcept(req.ID); err != nil {
			return nil, asError(err)
		}
		return protocol.DeleteResult{}, nil

	case protocol.ListRecent:
		summaries := r.ListRecent(req.Namespace, int(req.Limit))
		return protocol.ListRecentResult{Concepts: summariesToViews(summaries)}, nil

	case protocol.ClearNamespace:
		n, err := r.ClearNamespace(ctx, req.Namespace)
		if err != nil {
			return nil, asError(err)
		}
		return protocol.ClearNamespaceResult{Removed: n}, nil

	case protocol.GetStats:
		return protocol.StatsResult{Stats: r.Stats()}, nil

	case protocol.Flush:
		if err := r.Flush(); err != nil {
			return nil, protocol.Errorf(protocol.KindInternal, "flush: %v", err)
		}
		return protocol.FlushResult{}, nil

	case protocol.HealthCheck:
		return protocol.HealthCheckResult{Health: r.Health()}, nil

	case protocol.VectorSearch:
		query := req.QueryVector
		if len(query) == 0 {
			if req.QueryText == "" {
				return nil, protocol.Errorf(protocol.KindInvalidArgument, "vector_search requires QueryVector or QueryText")
			}
			v, err := embedder.Embed(ctx, "", req.QueryText)
			if err != nil {
				return nil, protocol.Errorf(protocol.KindEmbeddingUnavailable, "embedding service: %v", err)
			}
			query = v
		}
		matches, err := r.VectorSearch(ctx, query, int(req.K), int(req.EfSearch), req.Namespace)
		if err != nil {
			return nil, asError(err)
		}
		return protocol.VectorSearchResult{Matches: matchesToWire(matches)}, nil

	case protocol.Subscribe, protocol.Unsubscribe, protocol.ListSubscriptions,
		protocol.CreateGoal, protocol.ListGoals, protocol.CancelGoal,
		protocol.ProvideFeedback, protocol.GetAutonomyStats:
		return dispatchAutonomy(ctx, r, runner, body)

	default:
		return nil, protocol.Errorf(protocol.KindInvalidArgument, "unrecognized request type")
	}
}

func asError(err error) *protocol.Error {
	if perr, ok := err.(*protocol.Error); ok {
		return perr
	}
	return protocol.Errorf(protocol.KindInternal, "%v", err)
}

func conceptToView(c *concept.Concept) protocol.ConceptView {
	return protocol.ConceptView{
		ID:           c.ID,
		Content:      c.Content,
		Embedding:    c.Embedding,
		Namespace:    c.Metadata.Namespace,
		Creator:      c.Metadata.Creator,
		Type:         string(c.Metadata.Type),
		Tags:         c.Metadata.Tags,
		Attributes:   c.Metadata.Attributes,
		CreatedAt:    c.CreatedAt.Unix(),
		LastAccessAt: c.LastAccessAt.Unix(),
		AccessCount:  c.AccessCount,
		Strength:     c.Strength,
		Confidence:   c.Confidence,
		SoftDeleted:  c.Metadata.SoftDeleted,
	}
}

func summaryToView(s concept.Summary) protocol.ConceptView {
	return protocol.ConceptView{
		ID:           s.ID,
		Namespace:    s.Namespace,
		Type:         string(s.Type),
		CreatedAt:    s.CreatedAt.Unix(),
		LastAccessAt: s.LastAccessAt.Unix(),
		Strength:     s.Strength,
	}
}

func summariesToViews(ss []concept.Summary) []protocol.ConceptView {
	views := make([]protocol.ConceptView, len(ss))
	for i, s := range ss {
		views[i] = summaryToView(s)
	}
	return views
}

func opName(body protocol.Body) string {
	switch body.(type) {
	case protocol.LearnConcept:
		return "learn_concept"
	case protocol.QueryConcept:
		return "query_concept"
	case protocol.DeleteConcept:
		return "delete_concept"
	case protocol.ListRecent:
		return "list_recent"
	case protocol.ClearNamespace:
		return "clear_namespace"
	case protocol.GetStats:
		return "get_stats"
	case protocol.Flush:
		return "flush"
	case protocol.HealthCheck:
		return "health_check"
	case protocol.VectorSearch:
		return "vector_search"
	case protocol.Subscribe:
		return "subscribe"
	case protocol.Unsubscribe:
		return "unsubscribe"
	case protocol.ListSubscriptions:
		return "list_subscriptions"
	case protocol.CreateGoal:
		return "create_goal"
	case protocol.ListGoals:
		return "list_goals"
	case protocol.CancelGoal:
		return "cancel_goal"
	case protocol.ProvideFeedback:
		return "provide_feedback"
	case protocol.GetAutonomyStats:
		return "get_autonomy_stats"
	default:
		return "unknown"
	}
}

// requestDeadline bounds a single request's effective execution time (spec
// §5: "every request carries an effective deadline"). The server applies it
// uniformly rather than accepting a per-request override from the wire,
// since neither the binary protocol nor the NL grammar carries one.
const requestDeadline = 30 * time.Second

func withRequestDeadline(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, requestDeadline)
}
