package protocol

import (
	"fmt"
	"io"
)

func (c ConceptView) encode(w *writer) {
	w.id16(c.ID)
	w.str(c.Content)
	w.f32Slice(c.Embedding)
	w.str(c.Namespace)
	w.str(c.Creator)
	w.str(c.Type)
	w.strSlice(c.Tags)
	w.strMap(c.Attributes)
	w.u64(uint64(c.CreatedAt))
	w.u64(uint64(c.LastAccessAt))
	w.u64(c.AccessCount)
	w.f32(c.Strength)
	w.f32(c.Confidence)
	w.boolean(c.SoftDeleted)
}

func decodeConceptView(r *reader) (ConceptView, error) {
	var c ConceptView
	var err error
	if c.ID, err = r.id16(); err != nil {
		return c, err
	}
	if c.Content, err = r.str(); err != nil {
		return c, err
	}
	if c.Embedding, err = r.f32Slice(); err != nil {
		return c, err
	}
	if c.Namespace, err = r.str(); err != nil {
		return c, err
	}
	if c.Creator, err = r.str(); err != nil {
		return c, err
	}
	if c.Type, err = r.str(); err != nil {
		return c, err
	}
	if c.Tags, err = r.strSlice(); err != nil {
		return c, err
	}
	if c.Attributes, err = r.strMap(); err != nil {
		return c, err
	}
	created, err := r.u64()
	if err != nil {
		return c, err
	}
	c.CreatedAt = int64(created)
	last, err := r.u64()
	if err != nil {
		return c, err
	}
	c.LastAccessAt = int64(last)
	if c.AccessCount, err = r.u64(); err != nil {
		return c, err
	}
	if c.Strength, err = r.f32(); err != nil {
		return c, err
	}
	if c.Confidence, err = r.f32(); err != nil {
		return c, err
	}
	if c.SoftDeleted, err = r.boolean(); err != nil {
		return c, err
	}
	return c, nil
}

func (m Match) encode(w *writer) {
	w.id16(m.ID)
	w.f32(m.Similarity)
}

func decodeMatch(r *reader) (Match, error) {
	var m Match
	var err error
	if m.ID, err = r.id16(); err != nil {
		return m, err
	}
	if m.Similarity, err = r.f32(); err != nil {
		return m, err
	}
	return m, nil
}

func (s Stats) encode(w *writer) {
	w.u64(s.ConceptCount)
	w.u64(s.AssociationCount)
	w.u64(s.VectorCount)
	w.u64(s.PendingWrites)
	w.u64(s.UptimeSeconds)
	w.f32(s.ReconcilerHealth)
}

func decodeStats(r *reader) (Stats, error) {
	var s Stats
	var err error
	if s.ConceptCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.AssociationCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.VectorCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.PendingWrites, err = r.u64(); err != nil {
		return s, err
	}
	if s.UptimeSeconds, err = r.u64(); err != nil {
		return s, err
	}
	if s.ReconcilerHealth, err = r.f32(); err != nil {
		return s, err
	}
	return s, nil
}

func (h HealthStatus) encode(w *writer) {
	w.str(h.Status)
	w.f32(h.ReconcilerHealth)
	w.u64(h.PendingWrites)
	w.u64(h.UptimeSeconds)
}

func decodeHealthStatus(r *reader) (HealthStatus, error) {
	var h HealthStatus
	var err error
	if h.Status, err = r.str(); err != nil {
		return h, err
	}
	if h.ReconcilerHealth, err = r.f32(); err != nil {
		return h, err
	}
	if h.PendingWrites, err = r.u64(); err != nil {
		return h, err
	}
	if h.UptimeSeconds, err = r.u64(); err != nil {
		return h, err
	}
	return h, nil
}

func (a AutonomyStats) encode(w *writer) {
	w.u32(a.ActiveSubscriptions)
	w.u32(a.ActiveGoals)
	w.u32(a.GapsDetected)
	w.boolean(a.JobsEnabled)
}

func decodeAutonomyStats(r *reader) (AutonomyStats, error) {
	var a AutonomyStats
	var err error
	if a.ActiveSubscriptions, err = r.u32(); err != nil {
		return a, err
	}
	if a.ActiveGoals, err = r.u32(); err != nil {
		return a, err
	}
	if a.GapsDetected, err = r.u32(); err != nil {
		return a, err
	}
	if a.JobsEnabled, err = r.boolean(); err != nil {
		return a, err
	}
	return a, nil
}

func idSliceEncode(w *writer, ids [][16]byte) {
	w.u32(uint32(len(ids)))
	for _, id := range ids {
		w.id16(id)
	}
}

func idSliceDecode(r *reader) ([][16]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([][16]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := r.id16()
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// EncodeRequest serializes a Request to the on-wire payload (without the
// 4-byte frame length prefix; see WriteRequest for the framed form).
func EncodeRequest(req Request) ([]byte, error) {
	w := &writer{}
	w.u8(0x00) // binary-protocol marker, see IsBinaryFrame
	w.u8(uint8(req.Body.op()))
	w.u64(req.ReqID)
	switch b := req.Body.(type) {
	case LearnConcept:
		w.str(b.Content)
		b.Options.encode(w)
		w.f32Slice(b.Embedding)
	case QueryConcept:
		w.id16(b.ID)
	case DeleteConcept:
		w.id16(b.ID)
	case ListRecent:
		w.str(b.Namespace)
		w.u32(b.Limit)
	case ClearNamespace:
		w.str(b.Namespace)
	case GetStats, Flush, HealthCheck, ListSubscriptions, ListGoals, GetAutonomyStats:
		// no fields
	case VectorSearch:
		w.str(b.QueryText)
		w.str(b.Namespace)
		w.f32Slice(b.QueryVector)
		w.u32(b.K)
		w.u32(b.EfSearch)
	case Subscribe:
		w.str(b.Namespace)
		w.str(b.FilterType)
		w.str(b.CallbackAddr)
	case Unsubscribe:
		w.id16(b.ID)
	case CreateGoal:
		w.str(b.Name)
		w.str(b.Condition)
		w.str(b.Action)
	case CancelGoal:
		w.id16(b.ID)
	case ProvideFeedback:
		w.id16(b.ConceptID)
		w.boolean(b.Positive)
		w.str(b.Comment)
	default:
		return nil, fmt.Errorf("protocol: unknown request body type %T", b)
	}
	return w.bytes(), nil
}

// DecodeRequest parses a payload produced by EncodeRequest.
func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) < 2 {
		return Request{}, Errorf(KindFramingError, "request payload too short")
	}
	if !IsBinaryFrame(payload[0]) {
		return Request{}, Errorf(KindFramingError, "not a binary-protocol frame")
	}
	r := newReader(payload[1:])
	opByte, err := r.u8()
	if err != nil {
		return Request{}, Errorf(KindFramingError, "%v", err)
	}
	op := opCode(opByte)
	reqID, err := r.u64()
	if err != nil {
		return Request{}, Errorf(KindFramingError, "%v", err)
	}
	var body Body
	switch op {
	case opLearnConcept:
		content, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		opts, err := decodeLearnOptions(r)
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		emb, err := r.f32Slice()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = LearnConcept{Content: content, Options: opts, Embedding: emb}
	case opQueryConcept:
		id, err := r.id16()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = QueryConcept{ID: id}
	case opDeleteConcept:
		id, err := r.id16()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = DeleteConcept{ID: id}
	case opListRecent:
		ns, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		limit, err := r.u32()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = ListRecent{Namespace: ns, Limit: limit}
	case opClearNamespace:
		ns, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = ClearNamespace{Namespace: ns}
	case opGetStats:
		body = GetStats{}
	case opFlush:
		body = Flush{}
	case opHealthCheck:
		body = HealthCheck{}
	case opListSubscriptions:
		body = ListSubscriptions{}
	case opListGoals:
		body = ListGoals{}
	case opGetAutonomyStats:
		body = GetAutonomyStats{}
	case opVectorSearch:
		text, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		ns, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		vec, err := r.f32Slice()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		k, err := r.u32()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		ef, err := r.u32()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = VectorSearch{QueryText: text, Namespace: ns, QueryVector: vec, K: k, EfSearch: ef}
	case opSubscribe:
		ns, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		ft, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		cb, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = Subscribe{Namespace: ns, FilterType: ft, CallbackAddr: cb}
	case opUnsubscribe:
		id, err := r.id16()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = Unsubscribe{ID: id}
	case opCreateGoal:
		name, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		cond, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		action, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = CreateGoal{Name: name, Condition: cond, Action: action}
	case opCancelGoal:
		id, err := r.id16()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = CancelGoal{ID: id}
	case opProvideFeedback:
		id, err := r.id16()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		pos, err := r.boolean()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		comment, err := r.str()
		if err != nil {
			return Request{}, Errorf(KindFramingError, "%v", err)
		}
		body = ProvideFeedback{ConceptID: id, Positive: pos, Comment: comment}
	default:
		return Request{}, Errorf(KindFramingError, "unknown opcode %d", opByte)
	}
	if err := r.done(); err != nil {
		return Request{}, Errorf(KindFramingError, "%v", err)
	}
	return Request{ReqID: reqID, Body: body}, nil
}

// EncodeResponse serializes a Response to its on-wire payload.
func EncodeResponse(resp Response) ([]byte, error) {
	w := &writer{}
	w.u8(0x00)
	w.u64(resp.ReqID)
	if resp.Err != nil {
		w.u8(0) // Err discriminator
		w.u8(uint8(resp.Err.Kind))
		w.str(resp.Err.Message)
		return w.bytes(), nil
	}
	w.u8(1) // Ok discriminator
	w.u8(uint8(resp.Result.op()))
	switch r := resp.Result.(type) {
	case LearnResult:
		w.id16(r.ID)
	case ConceptResult:
		r.Concept.encode(w)
	case DeleteResult:
	case ListRecentResult:
		w.u32(uint32(len(r.Concepts)))
		for _, c := range r.Concepts {
			c.encode(w)
		}
	case ClearNamespaceResult:
		w.u64(r.Removed)
	case StatsResult:
		r.Stats.encode(w)
	case FlushResult:
	case HealthCheckResult:
		r.Health.encode(w)
	case VectorSearchResult:
		w.u32(uint32(len(r.Matches)))
		for _, m := range r.Matches {
			m.encode(w)
		}
	case SubscribeResult:
		w.id16(r.ID)
	case UnsubscribeResult:
	case ListSubscriptionsResult:
		idSliceEncode(w, r.IDs)
	case CreateGoalResult:
		w.id16(r.ID)
	case ListGoalsResult:
		idSliceEncode(w, r.IDs)
	case CancelGoalResult:
	case ProvideFeedbackResult:
	case GetAutonomyStatsResult:
		r.Autonomy.encode(w)
	default:
		return nil, fmt.Errorf("protocol: unknown result type %T", r)
	}
	return w.bytes(), nil
}

// DecodeResponse parses a payload produced by EncodeResponse.
func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) < 2 {
		return Response{}, Errorf(KindFramingError, "response payload too short")
	}
	r := newReader(payload[1:])
	reqID, err := r.u64()
	if err != nil {
		return Response{}, Errorf(KindFramingError, "%v", err)
	}
	disc, err := r.u8()
	if err != nil {
		return Response{}, Errorf(KindFramingError, "%v", err)
	}
	if disc == 0 {
		kindByte, err := r.u8()
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		msg, err := r.str()
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		return Response{ReqID: reqID, Err: &Error{Kind: ErrorKind(kindByte), Message: msg}}, nil
	}
	opByte, err := r.u8()
	if err != nil {
		return Response{}, Errorf(KindFramingError, "%v", err)
	}
	var result Result
	switch opCode(opByte) {
	case opLearnConcept:
		id, err := r.id16()
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = LearnResult{ID: id}
	case opQueryConcept:
		cv, err := decodeConceptView(r)
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = ConceptResult{Concept: cv}
	case opDeleteConcept:
		result = DeleteResult{}
	case opListRecent:
		n, err := r.u32()
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		cs := make([]ConceptView, 0, n)
		for i := uint32(0); i < n; i++ {
			cv, err := decodeConceptView(r)
			if err != nil {
				return Response{}, Errorf(KindFramingError, "%v", err)
			}
			cs = append(cs, cv)
		}
		result = ListRecentResult{Concepts: cs}
	case opClearNamespace:
		removed, err := r.u64()
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = ClearNamespaceResult{Removed: removed}
	case opGetStats:
		s, err := decodeStats(r)
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = StatsResult{Stats: s}
	case opFlush:
		result = FlushResult{}
	case opHealthCheck:
		h, err := decodeHealthStatus(r)
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = HealthCheckResult{Health: h}
	case opVectorSearch:
		n, err := r.u32()
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		ms := make([]Match, 0, n)
		for i := uint32(0); i < n; i++ {
			m, err := decodeMatch(r)
			if err != nil {
				return Response{}, Errorf(KindFramingError, "%v", err)
			}
			ms = append(ms, m)
		}
		result = VectorSearchResult{Matches: ms}
	case opSubscribe:
		id, err := r.id16()
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = SubscribeResult{ID: id}
	case opUnsubscribe:
		result = UnsubscribeResult{}
	case opListSubscriptions:
		ids, err := idSliceDecode(r)
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = ListSubscriptionsResult{IDs: ids}
	case opCreateGoal:
		id, err := r.id16()
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = CreateGoalResult{ID: id}
	case opListGoals:
		ids, err := idSliceDecode(r)
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = ListGoalsResult{IDs: ids}
	case opCancelGoal:
		result = CancelGoalResult{}
	case opProvideFeedback:
		result = ProvideFeedbackResult{}
	case opGetAutonomyStats:
		a, err := decodeAutonomyStats(r)
		if err != nil {
			return Response{}, Errorf(KindFramingError, "%v", err)
		}
		result = GetAutonomyStatsResult{Autonomy: a}
	default:
		return Response{}, Errorf(KindFramingError, "unknown opcode %d", opByte)
	}
	if err := r.done(); err != nil {
		return Response{}, Errorf(KindFramingError, "%v", err)
	}
	return Response{ReqID: reqID, Result: result}, nil
}

// WriteRequest frames and writes a request to w.
func WriteRequest(w io.Writer, req Request) error {
	payload, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads and decodes one framed request from r.
func ReadRequest(r io.Reader) (Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(payload)
}

// WriteResponse frames and writes a response to w.
func WriteResponse(w io.Writer, resp Response) error {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads and decodes one framed response from r.
func ReadResponse(r io.Reader) (Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(payload)
}
