package protocol

import "fmt"

// ErrorKind is the closed set of error kinds surfaced to clients (spec §7).
type ErrorKind uint8

const (
	KindNotFound ErrorKind = iota + 1
	KindInvalidArgument
	KindDimensionMismatch
	KindNamespaceRequired
	KindNamespaceConflict
	KindEmbeddingUnavailable
	KindOverload
	KindTimeout
	KindTxAborted
	KindFramingError
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindNotFound:             "not_found",
	KindInvalidArgument:      "invalid_argument",
	KindDimensionMismatch:    "dimension_mismatch",
	KindNamespaceRequired:    "namespace_required",
	KindNamespaceConflict:    "namespace_conflict",
	KindEmbeddingUnavailable: "embedding_unavailable",
	KindOverload:             "overload",
	KindTimeout:              "timeout",
	KindTxAborted:            "tx_aborted",
	KindFramingError:         "framing_error",
	KindInternal:             "internal",
}

// String renders the kind using the lowercase snake_case names from spec §7.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the typed error returned across the C6/C7/C8 boundary and
// serialized onto the wire as an Err response (spec §4.1, §7).
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	pe, ok := err.(*Error)
	return ok && pe.Kind == kind
}
