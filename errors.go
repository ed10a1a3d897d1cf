package electro

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures reported by the extraction and ingestion flow
type ErrorKind string

const (
	KindAuthentication   ErrorKind = "authentication"
	KindDataRetrieval    ErrorKind = "data_retrieval"
	KindInsufficientData ErrorKind = "insufficient_data"
	KindSchemaCreation   ErrorKind = "schema_creation"
	KindPersistence      ErrorKind = "persistence"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindNotFound         ErrorKind = "not_found"
	KindInternal         ErrorKind = "internal"
)

// Sentinels for errors.Is, matched by kind only
var (
	ErrAuthentication   = &Error{Kind: KindAuthentication}
	ErrDataRetrieval    = &Error{Kind: KindDataRetrieval}
	ErrInsufficientData = &Error{Kind: KindInsufficientData}
	ErrSchemaCreation   = &Error{Kind: KindSchemaCreation}
	ErrPersistence      = &Error{Kind: KindPersistence}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInternal         = &Error{Kind: KindInternal}
)

// Error is the structured failure value returned across the extraction boundary.
// It carries enough context (device url/alias, table, statement) for the caller to act on.
type Error struct {
	Kind    ErrorKind
	Message string

	URL   string // device url, when the failure concerns a device
	Alias string // device alias derived from the url
	Table string // target table, when the failure concerns persistence

	// Count is the number of readings received, set for KindInsufficientData
	Count int

	// Statement is the rendered CREATE TABLE text for manual application,
	// set for KindSchemaCreation and KindPersistence
	Statement string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Alias != "" {
		fmt.Fprintf(&b, " [%s]", e.Alias)
	} else if e.URL != "" {
		fmt.Fprintf(&b, " [%s]", e.URL)
	}
	if e.Table != "" {
		fmt.Fprintf(&b, " (table %s)", e.Table)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err if it is (or wraps) an *Error, and KindInternal otherwise
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newInsufficientDataError(count int) *Error {
	return &Error{
		Kind:    KindInsufficientData,
		Message: fmt.Sprintf("not enough data in the specified range, received only %d rows; the device may not have data for this period", count),
		Count:   count,
	}
}
