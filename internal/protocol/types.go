package protocol

// opCode tags which concrete Request/Response variant a payload carries,
// implementing the "sum-typed value whose variant selects the operation"
// framing described in spec §4.1.
type opCode uint8

const (
	opLearnConcept opCode = iota + 1
	opQueryConcept
	opDeleteConcept
	opListRecent
	opClearNamespace
	opGetStats
	opFlush
	opHealthCheck
	opVectorSearch
	opSubscribe
	opUnsubscribe
	opListSubscriptions
	opCreateGoal
	opListGoals
	opCancelGoal
	opProvideFeedback
	opGetAutonomyStats
)

// LearnOptions controls learn_concept/learn_batch behavior (spec §4.1, §4.6).
type LearnOptions struct {
	Attributes               map[string]string
	Namespace                string
	Creator                  string
	Tags                     []string
	MinAssociationConfidence float32
	Strength                 float32
	Confidence               float32
	MaxAssociationsPerConcept uint32
	GenerateEmbedding        bool
	ExtractAssociations      bool
}

// DefaultLearnOptions matches spec §4.1's stated defaults.
func DefaultLearnOptions() LearnOptions {
	return LearnOptions{
		GenerateEmbedding:   true,
		ExtractAssociations: true,
		Strength:            1.0,
		Confidence:          1.0,
	}
}

func (o LearnOptions) encode(w *writer) {
	w.boolean(o.GenerateEmbedding)
	w.boolean(o.ExtractAssociations)
	w.f32(o.MinAssociationConfidence)
	w.u32(o.MaxAssociationsPerConcept)
	w.f32(o.Strength)
	w.f32(o.Confidence)
	w.str(o.Namespace)
	w.str(o.Creator)
	w.strSlice(o.Tags)
	w.strMap(o.Attributes)
}

func decodeLearnOptions(r *reader) (LearnOptions, error) {
	var o LearnOptions
	var err error
	if o.GenerateEmbedding, err = r.boolean(); err != nil {
		return o, err
	}
	if o.ExtractAssociations, err = r.boolean(); err != nil {
		return o, err
	}
	if o.MinAssociationConfidence, err = r.f32(); err != nil {
		return o, err
	}
	if o.MaxAssociationsPerConcept, err = r.u32(); err != nil {
		return o, err
	}
	if o.Strength, err = r.f32(); err != nil {
		return o, err
	}
	if o.Confidence, err = r.f32(); err != nil {
		return o, err
	}
	if o.Namespace, err = r.str(); err != nil {
		return o, err
	}
	if o.Creator, err = r.str(); err != nil {
		return o, err
	}
	if o.Tags, err = r.strSlice(); err != nil {
		return o, err
	}
	if o.Attributes, err = r.strMap(); err != nil {
		return o, err
	}
	return o, nil
}

// Request is the envelope every client frame decodes into: a correlation
// ID the server echoes back (unused for pipelining, since spec §4.8 forbids
// it, but useful for client-side request/response matching in tests and the
// NL translation layer) plus the operation-specific Body.
type Request struct {
	Body Body
	ReqID uint64
}

// Body is implemented by every concrete request variant.
type Body interface {
	op() opCode
}

type LearnConcept struct {
	Content string
	Options LearnOptions
	// Embedding, if non-nil, is supplied directly by the caller instead of
	// being generated; used by tests and by batch ingestion pipelines that
	// already computed embeddings upstream.
	Embedding []float32
}

func (LearnConcept) op() opCode { return opLearnConcept }

type QueryConcept struct{ ID [16]byte }

func (QueryConcept) op() opCode { return opQueryConcept }

type DeleteConcept struct{ ID [16]byte }

func (DeleteConcept) op() opCode { return opDeleteConcept }

type ListRecent struct {
	Namespace string
	Limit     uint32
}

func (ListRecent) op() opCode { return opListRecent }

type ClearNamespace struct{ Namespace string }

func (ClearNamespace) op() opCode { return opClearNamespace }

type GetStats struct{}

func (GetStats) op() opCode { return opGetStats }

type Flush struct{}

func (Flush) op() opCode { return opFlush }

type HealthCheck struct{}

func (HealthCheck) op() opCode { return opHealthCheck }

type VectorSearch struct {
	QueryText   string // used when QueryVector is empty
	Namespace   string
	QueryVector []float32
	K           uint32
	EfSearch    uint32
}

func (VectorSearch) op() opCode { return opVectorSearch }

type Subscribe struct {
	Namespace   string
	FilterType  string
	CallbackAddr string
}

func (Subscribe) op() opCode { return opSubscribe }

type Unsubscribe struct{ ID [16]byte }

func (Unsubscribe) op() opCode { return opUnsubscribe }

type ListSubscriptions struct{}

func (ListSubscriptions) op() opCode { return opListSubscriptions }

type CreateGoal struct {
	Name      string
	Condition string
	Action    string
}

func (CreateGoal) op() opCode { return opCreateGoal }

type ListGoals struct{}

func (ListGoals) op() opCode { return opListGoals }

type CancelGoal struct{ ID [16]byte }

func (CancelGoal) op() opCode { return opCancelGoal }

type ProvideFeedback struct {
	ConceptID [16]byte
	Positive  bool
	Comment   string
}

func (ProvideFeedback) op() opCode { return opProvideFeedback }

type GetAutonomyStats struct{}

func (GetAutonomyStats) op() opCode { return opGetAutonomyStats }
