package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/protocol"
)

// parseNL translates one line of the control-surface grammar (§12) into the
// same request Body types the binary protocol decodes, so dispatch never
// has to know which listener a request arrived on. Grammar:
//
//	LEARN <text>
//	QUERY <id>
//	DELETE <id>
//	SEARCH <text> [k]
//	SUBSCRIBE TO <namespace>
//	SET GOAL: <name> WHEN <stat> <op> <value> THEN <action>
//	STATS
//	HEALTH
func parseNL(line string) (protocol.Body, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty command")
	}

	upper := strings.ToUpper(line)
	switch {
	case upper == "STATS":
		return protocol.GetStats{}, nil

	case upper == "HEALTH":
		return protocol.HealthCheck{}, nil

	case strings.HasPrefix(upper, "LEARN "):
		text := strings.TrimSpace(line[len("LEARN "):])
		if text == "" {
			return nil, fmt.Errorf("LEARN requires text")
		}
		return protocol.LearnConcept{Content: text, Options: protocol.DefaultLearnOptions()}, nil

	case strings.HasPrefix(upper, "QUERY "):
		id, err := parseID(strings.TrimSpace(line[len("QUERY "):]))
		if err != nil {
			return nil, err
		}
		return protocol.QueryConcept{ID: id}, nil

	case strings.HasPrefix(upper, "DELETE "):
		id, err := parseID(strings.TrimSpace(line[len("DELETE "):]))
		if err != nil {
			return nil, err
		}
		return protocol.DeleteConcept{ID: id}, nil

	case strings.HasPrefix(upper, "SEARCH "):
		rest := strings.TrimSpace(line[len("SEARCH "):])
		text, k := rest, 10
		if idx := strings.LastIndex(rest, " "); idx >= 0 {
			if n, err := strconv.Atoi(rest[idx+1:]); err == nil {
				text = strings.TrimSpace(rest[:idx])
				k = n
			}
		}
		if text == "" {
			return nil, fmt.Errorf("SEARCH requires text")
		}
		return protocol.VectorSearch{QueryText: text, K: uint32(k), EfSearch: uint32(k * 4)}, nil

	case strings.HasPrefix(upper, "SUBSCRIBE TO "):
		ns := strings.TrimSpace(line[len("SUBSCRIBE TO "):])
		if ns == "" {
			return nil, fmt.Errorf("SUBSCRIBE TO requires a namespace")
		}
		return protocol.Subscribe{Namespace: ns}, nil

	case strings.HasPrefix(upper, "SET GOAL:"):
		return parseSetGoal(line[len("SET GOAL:"):])

	default:
		return nil, fmt.Errorf("unrecognized command: %q", line)
	}
}

// parseSetGoal parses "<name> WHEN <stat> <op> <value> THEN <action>" (the
// part of SET GOAL: after the colon). The condition and action are carried
// through verbatim as strings; the goal evaluator job owns interpreting
// them (internal/jobs/goals.go).
func parseSetGoal(rest string) (protocol.Body, error) {
	rest = strings.TrimSpace(rest)
	whenIdx := strings.Index(strings.ToUpper(rest), " WHEN ")
	if whenIdx < 0 {
		return nil, fmt.Errorf("SET GOAL requires WHEN <condition> THEN <action>")
	}
	name := strings.TrimSpace(rest[:whenIdx])
	tail := rest[whenIdx+len(" WHEN "):]

	thenIdx := strings.Index(strings.ToUpper(tail), " THEN ")
	if thenIdx < 0 {
		return nil, fmt.Errorf("SET GOAL requires THEN <action>")
	}
	condition := strings.TrimSpace(tail[:thenIdx])
	action := strings.TrimSpace(tail[thenIdx+len(" THEN "):])

	if name == "" || condition == "" || action == "" {
		return nil, fmt.Errorf("SET GOAL requires a name, condition, and action")
	}
	return protocol.CreateGoal{Name: name, Condition: condition, Action: action}, nil
}

func parseID(s string) (id [16]byte, err error) {
	cid, err := concept.ParseIdentifier(s)
	if err != nil {
		return id, err
	}
	return cid, nil
}

// formatNLResult renders a dispatch Result as a single human-readable line
// for the control surface. Multi-value results (list_recent, vector_search)
// render one summary line with counts rather than the full payload; the
// binary protocol remains the way to fetch full structured results.
func formatNLResult(result protocol.Result) string {
	switch r := result.(type) {
	case protocol.LearnResult:
		return "OK " + concept.Identifier(r.ID).String()
	case protocol.ConceptResult:
		return fmt.Sprintf("OK %s %q strength=%.3f confidence=%.3f",
			concept.Identifier(r.Concept.ID).String(), r.Concept.Content, r.Concept.Strength, r.Concept.Confidence)
	case protocol.DeleteResult:
		return "OK deleted"
	case protocol.ListRecentResult:
		return fmt.Sprintf("OK %d concepts", len(r.Concepts))
	case protocol.ClearNamespaceResult:
		return fmt.Sprintf("OK removed %d", r.Removed)
	case protocol.StatsResult:
		s := r.Stats
		return fmt.Sprintf("OK concepts=%d associations=%d vectors=%d pending=%d reconciler_health=%.3f",
			s.ConceptCount, s.AssociationCount, s.VectorCount, s.PendingWrites, s.ReconcilerHealth)
	case protocol.FlushResult:
		return "OK flushed"
	case protocol.HealthCheckResult:
		return fmt.Sprintf("OK %s pending=%d uptime=%ds", r.Health.Status, r.Health.PendingWrites, r.Health.UptimeSeconds)
	case protocol.VectorSearchResult:
		return fmt.Sprintf("OK %d matches", len(r.Matches))
	case protocol.SubscribeResult:
		return "OK " + concept.Identifier(r.ID).String()
	case protocol.UnsubscribeResult:
		return "OK unsubscribed"
	case protocol.ListSubscriptionsResult:
		return fmt.Sprintf("OK %d subscriptions", len(r.IDs))
	case protocol.CreateGoalResult:
		return "OK " + concept.Identifier(r.ID).String()
	case protocol.ListGoalsResult:
		return fmt.Sprintf("OK %d goals", len(r.IDs))
	case protocol.CancelGoalResult:
		return "OK cancelled"
	case protocol.ProvideFeedbackResult:
		return "OK feedback recorded"
	case protocol.GetAutonomyStatsResult:
		a := r.Autonomy
		return fmt.Sprintf("OK subscriptions=%d goals=%d gaps=%d jobs_enabled=%t",
			a.ActiveSubscriptions, a.ActiveGoals, a.GapsDetected, a.JobsEnabled)
	default:
		return "OK"
	}
}

func formatNLError(err *protocol.Error) string {
	return fmt.Sprintf("ERR %s %s", err.Kind, err.Message)
}
