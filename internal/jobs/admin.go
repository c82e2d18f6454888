// Package jobs implements the background task set (C9): reconciliation
// itself runs on its own ticker inside internal/engine, so this package owns
// the rest of spec §4.9's periodic work — snapshot+truncate, knowledge
// decay, health-snapshot emission, subscription fanout, goal evaluation,
// and gap detection — each independently intervaled and disableable, with
// one master kill switch for benchmarking.
//
// Each job is a ticker loop with a stop channel and a WaitGroup the
// shutdown path joins, generalized to several such loops sharing one
// Runner.
package jobs

// Administrative concepts (subscriptions, goals, health snapshots) are
// stored as ordinary concepts in a reserved namespace with a "kind"
// attribute, so the server's control surface and this package's jobs agree
// on one on-disk representation without a separate metadata store.
const (
	AdminNamespace = "__autonomy__"

	AttrKind         = "kind"
	AttrName         = "name"
	AttrCondition    = "condition"
	AttrAction       = "action"
	AttrFilterType   = "filter_type"
	AttrNamespace    = "namespace"
	AttrCallbackAddr = "callback_addr"

	KindSubscription   = "subscription"
	KindGoal           = "goal"
	KindHealthSnapshot = "health_snapshot"
)
