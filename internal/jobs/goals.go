package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/protocol"
)

// runGoalEvaluator evaluates each active goal's condition against current
// stats and, on fire, performs its action (spec §4.9). A goal fires at
// most once and nothing re-arms a fired goal; CancelGoal deletes it, and a
// new CreateGoal adds a fresh one.
func (r *Runner) runGoalEvaluator() {
	stats := r.router.Stats()
	for _, g := range r.listGoals() {
		r.goalMu.Lock()
		fired := r.goalFired[g.id]
		r.goalMu.Unlock()
		if fired {
			continue
		}

		ok, err := evaluateCondition(g.condition, stats)
		if err != nil {
			r.log.Warn().Str("goal", g.id).Str("condition", g.condition).Err(err).Msg("goal condition unparseable")
			continue
		}
		if !ok {
			continue
		}

		r.goalMu.Lock()
		r.goalFired[g.id] = true
		r.goalMu.Unlock()

		r.performGoalAction(g)
	}
}

type goalRecord struct {
	id        string
	name      string
	condition string
	action    string
}

func (r *Runner) listGoals() []goalRecord {
	summaries := r.router.ListRecent(AdminNamespace, 0)
	var out []goalRecord
	for _, s := range summaries {
		if s.Type != concept.TypeGoal {
			continue
		}
		c, err := r.router.QueryConcept(s.ID)
		if err != nil {
			continue
		}
		out = append(out, goalRecord{
			id:        s.ID.String(),
			name:      c.Metadata.Attributes[AttrName],
			condition: c.Metadata.Attributes[AttrCondition],
			action:    c.Metadata.Attributes[AttrAction],
		})
	}
	return out
}

// evaluateCondition parses "<stat> <op> <value>" (e.g. "concept_count >
// 1000000") and compares it against stats. Recognized stats mirror
// protocol.Stats' fields.
func evaluateCondition(condition string, stats protocol.Stats) (bool, error) {
	fields := strings.Fields(condition)
	if len(fields) != 3 {
		return false, fmt.Errorf("jobs: condition %q must be \"<stat> <op> <value>\"", condition)
	}
	stat, op, rawValue := fields[0], fields[1], fields[2]

	value, err := strconv.ParseFloat(rawValue, 64)
	if err != nil {
		return false, err
	}

	var actual float64
	switch stat {
	case "concept_count":
		actual = float64(stats.ConceptCount)
	case "association_count":
		actual = float64(stats.AssociationCount)
	case "vector_count":
		actual = float64(stats.VectorCount)
	case "pending_writes":
		actual = float64(stats.PendingWrites)
	case "uptime_seconds":
		actual = float64(stats.UptimeSeconds)
	case "reconciler_health":
		actual = float64(stats.ReconcilerHealth)
	default:
		return false, fmt.Errorf("jobs: unknown stat %q", stat)
	}

	switch op {
	case "<":
		return actual < value, nil
	case "<=":
		return actual <= value, nil
	case ">":
		return actual > value, nil
	case ">=":
		return actual >= value, nil
	case "==":
		return actual == value, nil
	default:
		return false, fmt.Errorf("jobs: unknown comparison operator %q", op)
	}
}

func (r *Runner) performGoalAction(g goalRecord) {
	action := strings.TrimSpace(g.action)
	switch {
	case strings.HasPrefix(action, "notify:"):
		msg := strings.TrimSpace(strings.TrimPrefix(action, "notify:"))
		r.log.Info().Str("goal", g.id).Str("name", g.name).Str("message", msg).Msg("goal fired: notify")

	case strings.HasPrefix(action, "learn:"):
		content := strings.TrimSpace(strings.TrimPrefix(action, "learn:"))
		opts := protocol.DefaultLearnOptions()
		if _, err := r.router.LearnConcept(context.Background(), content, opts, nil); err != nil {
			r.log.Error().Str("goal", g.id).Err(err).Msg("goal action learn failed")
		}

	default:
		r.log.Warn().Str("goal", g.id).Str("action", action).Msg("goal fired with unrecognized action")
	}
}
