package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/jobs"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/shardrouter"
)

// adminLearnOptions builds the LearnOptions used for every administrative
// concept: no embedding, no association extraction, fixed namespace, typed
// per kind. The namespace and attribute keys are shared with internal/jobs
// so the goal evaluator and subscription fanout jobs read back exactly
// what this file writes.
func adminLearnOptions(kind string, attrs map[string]string) protocol.LearnOptions {
	o := protocol.DefaultLearnOptions()
	o.GenerateEmbedding = false
	o.ExtractAssociations = false
	o.Namespace = jobs.AdminNamespace
	attrsCopy := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		attrsCopy[k] = v
	}
	attrsCopy[jobs.AttrKind] = kind
	o.Attributes = attrsCopy
	return o
}

func dispatchAutonomy(ctx context.Context, r *shardrouter.Router, runner *jobs.Runner, body protocol.Body) (protocol.Result, *protocol.Error) {
	switch req := body.(type) {
	case protocol.Subscribe:
		content := fmt.Sprintf("subscription:%s:%s", req.Namespace, uuid.NewString())
		opts := adminLearnOptions(jobs.KindSubscription, map[string]string{
			jobs.AttrNamespace:    req.Namespace,
			jobs.AttrFilterType:   req.FilterType,
			jobs.AttrCallbackAddr: req.CallbackAddr,
		})
		id, err := r.LearnConcept(ctx, content, opts, nil)
		if err != nil {
			return nil, asError(err)
		}
		return protocol.SubscribeResult{ID: id}, nil

	case protocol.Unsubscribe:
		if err := r.DeleteConcept(req.ID); err != nil {
			return nil, asError(err)
		}
		return protocol.UnsubscribeResult{}, nil

	case protocol.ListSubscriptions:
		ids := listAdminIDs(r, jobs.KindSubscription)
		return protocol.ListSubscriptionsResult{IDs: ids}, nil

	case protocol.CreateGoal:
		content := fmt.Sprintf("goal:%s:%s", req.Name, uuid.NewString())
		opts := adminLearnOptions(jobs.KindGoal, map[string]string{
			jobs.AttrName:      req.Name,
			jobs.AttrCondition: req.Condition,
			jobs.AttrAction:    req.Action,
		})
		id, err := r.LearnConcept(ctx, content, opts, nil)
		if err != nil {
			return nil, asError(err)
		}
		return protocol.CreateGoalResult{ID: id}, nil

	case protocol.ListGoals:
		ids := listAdminIDs(r, jobs.KindGoal)
		return protocol.ListGoalsResult{IDs: ids}, nil

	case protocol.CancelGoal:
		if err := r.DeleteConcept(req.ID); err != nil {
			return nil, asError(err)
		}
		return protocol.CancelGoalResult{}, nil

	case protocol.ProvideFeedback:
		if err := r.ProvideFeedback(req.ConceptID, req.Positive); err != nil {
			return nil, asError(err)
		}
		return protocol.ProvideFeedbackResult{}, nil

	case protocol.GetAutonomyStats:
		return protocol.GetAutonomyStatsResult{Autonomy: autonomyStats(r, runner)}, nil

	default:
		return nil, protocol.Errorf(protocol.KindInvalidArgument, "unrecognized autonomy request type")
	}
}

// reservedTypeFor maps the wire-level "kind" string to the concept package's
// reserved Type constant.
func reservedTypeFor(kind string) concept.Type {
	switch kind {
	case jobs.KindSubscription:
		return concept.TypeSubscription
	case jobs.KindGoal:
		return concept.TypeGoal
	default:
		return ""
	}
}

// listAdminIDs scans the administrative namespace's recent concepts for the
// given kind. The administrative namespace is small (one record per active
// subscription/goal), so an unbounded list_recent call is cheap.
func listAdminIDs(r *shardrouter.Router, kind string) [][16]byte {
	want := reservedTypeFor(kind)
	summaries := r.ListRecent(jobs.AdminNamespace, 0)
	var ids [][16]byte
	for _, s := range summaries {
		if s.Type == want {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func autonomyStats(r *shardrouter.Router, runner *jobs.Runner) protocol.AutonomyStats {
	summaries := r.ListRecent(jobs.AdminNamespace, 0)
	var subs, goals uint32
	for _, s := range summaries {
		switch s.Type {
		case concept.TypeSubscription:
			subs++
		case concept.TypeGoal:
			goals++
		}
	}
	stats := protocol.AutonomyStats{
		ActiveSubscriptions: subs,
		ActiveGoals:         goals,
	}
	if runner != nil {
		stats.GapsDetected = uint32(runner.GapsDetected())
		stats.JobsEnabled = runner.Enabled()
	}
	return stats
}
