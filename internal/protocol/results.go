package protocol

// ConceptView is the wire representation of a concept returned by
// learn/query operations. It mirrors concept.Concept but stays
// self-contained so the protocol package has no dependency on the engine's
// internal representation beyond concept.Identifier-shaped byte arrays.
type ConceptView struct {
	Attributes   map[string]string
	ID           [16]byte
	Content      string
	Embedding    []float32
	Namespace    string
	Creator      string
	Type         string
	Tags         []string
	CreatedAt    int64 // unix seconds
	LastAccessAt int64
	AccessCount  uint64
	Strength     float32
	Confidence   float32
	SoftDeleted  bool
}

type Match struct {
	ID         [16]byte
	Similarity float32
}

type Stats struct {
	ConceptCount     uint64
	AssociationCount uint64
	VectorCount      uint64
	PendingWrites    uint64
	UptimeSeconds    uint64
	ReconcilerHealth float32
}

type HealthStatus struct {
	Status        string
	ReconcilerHealth float32
	PendingWrites uint64
	UptimeSeconds uint64
}

type AutonomyStats struct {
	ActiveSubscriptions uint32
	ActiveGoals         uint32
	GapsDetected        uint32
	JobsEnabled         bool
}

// Response is the envelope every server frame encodes: either exactly one
// of Err (set) or Result (set), matching spec §4.1's Ok/Err discriminator.
type Response struct {
	Err    *Error
	Result Result
	ReqID  uint64
}

// Result is implemented by every concrete response payload.
type Result interface {
	op() opCode
}

type LearnResult struct{ ID [16]byte }

func (LearnResult) op() opCode { return opLearnConcept }

type ConceptResult struct{ Concept ConceptView }

func (ConceptResult) op() opCode { return opQueryConcept }

type DeleteResult struct{}

func (DeleteResult) op() opCode { return opDeleteConcept }

type ListRecentResult struct{ Concepts []ConceptView }

func (ListRecentResult) op() opCode { return opListRecent }

type ClearNamespaceResult struct{ Removed uint64 }

func (ClearNamespaceResult) op() opCode { return opClearNamespace }

type StatsResult struct{ Stats Stats }

func (StatsResult) op() opCode { return opGetStats }

type FlushResult struct{}

func (FlushResult) op() opCode { return opFlush }

type HealthCheckResult struct{ Health HealthStatus }

func (HealthCheckResult) op() opCode { return opHealthCheck }

type VectorSearchResult struct{ Matches []Match }

func (VectorSearchResult) op() opCode { return opVectorSearch }

type SubscribeResult struct{ ID [16]byte }

func (SubscribeResult) op() opCode { return opSubscribe }

type UnsubscribeResult struct{}

func (UnsubscribeResult) op() opCode { return opUnsubscribe }

type ListSubscriptionsResult struct{ IDs [][16]byte }

func (ListSubscriptionsResult) op() opCode { return opListSubscriptions }

type CreateGoalResult struct{ ID [16]byte }

func (CreateGoalResult) op() opCode { return opCreateGoal }

type ListGoalsResult struct{ IDs [][16]byte }

func (ListGoalsResult) op() opCode { return opListGoals }

type CancelGoalResult struct{}

func (CancelGoalResult) op() opCode { return opCancelGoal }

type ProvideFeedbackResult struct{}

func (ProvideFeedbackResult) op() opCode { return opProvideFeedback }

type GetAutonomyStatsResult struct{ Autonomy AutonomyStats }

func (GetAutonomyStatsResult) op() opCode { return opGetAutonomyStats }
