package uow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrorCode categorizes unit-of-work errors.
type ErrorCode string

const (
	// ErrCodeIdentityConflict indicates two live records claim the same identity.
	ErrCodeIdentityConflict ErrorCode = "IDENTITY_CONFLICT"

	// ErrCodeInvalidStateTransition indicates an illegal add/delete/mutate sequence.
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"

	// ErrCodeDependencyCycle indicates a row-level foreign-key cycle that
	// ordering cannot break.
	ErrCodeDependencyCycle ErrorCode = "UNRESOLVABLE_DEPENDENCY_CYCLE"

	// ErrCodeStaleRow indicates an UPDATE or DELETE matched no row.
	ErrCodeStaleRow ErrorCode = "STALE_ROW"

	// ErrCodeForeignRecord indicates a record owned by another open session.
	ErrCodeForeignRecord ErrorCode = "FOREIGN_RECORD"

	// ErrCodePoolTimeout indicates no pooled connection became free in time.
	ErrCodePoolTimeout ErrorCode = "POOL_TIMEOUT"

	// ErrCodeStatementExecution wraps a failure reported by the connection.
	ErrCodeStatementExecution ErrorCode = "STATEMENT_EXECUTION"

	// ErrCodeSessionClosed indicates use of a closed session.
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"

	// ErrCodePendingRollback indicates a previous flush failed and the
	// session must be rolled back or closed before further use.
	ErrCodePendingRollback ErrorCode = "PENDING_ROLLBACK"
)

// Error is the error type returned by sessions and the flush engine.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Entity and Key identify the affected record, when there is one.
	Entity string
	Key    string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause (driver error, pool error, failed flush).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Entity != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Entity)
		if e.Key != "" {
			sb.WriteString("[")
			sb.WriteString(e.Key)
			sb.WriteString("]")
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code, true
	}
	return "", false
}

func hasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsIdentityConflict reports whether err is an identity conflict.
func IsIdentityConflict(err error) bool { return hasCode(err, ErrCodeIdentityConflict) }

// IsInvalidStateTransition reports whether err is an invalid state transition.
func IsInvalidStateTransition(err error) bool { return hasCode(err, ErrCodeInvalidStateTransition) }

// IsDependencyCycle reports whether err is an unresolvable dependency cycle.
func IsDependencyCycle(err error) bool { return hasCode(err, ErrCodeDependencyCycle) }

// IsStaleRow reports whether err is a stale-row error.
func IsStaleRow(err error) bool { return hasCode(err, ErrCodeStaleRow) }

// IsForeignRecord reports whether err is a cross-session record error.
func IsForeignRecord(err error) bool { return hasCode(err, ErrCodeForeignRecord) }

// IsPoolTimeout reports whether err is a connection checkout timeout.
func IsPoolTimeout(err error) bool { return hasCode(err, ErrCodePoolTimeout) }

// IsStatementExecution reports whether err is a connection-reported failure.
func IsStatementExecution(err error) bool { return hasCode(err, ErrCodeStatementExecution) }

// IsSessionClosed reports whether err is a use of a closed session.
func IsSessionClosed(err error) bool { return hasCode(err, ErrCodeSessionClosed) }

// IsPendingRollback reports whether err means the session needs a rollback.
func IsPendingRollback(err error) bool { return hasCode(err, ErrCodePendingRollback) }

func recordError(code ErrorCode, r *Record, msg string) *Error {
	e := &Error{Code: code, Message: msg, Entity: r.entity.Name}
	if id, ok := r.Identity(); ok {
		e.Key = id.Key
	}
	return e
}

func newIdentityConflict(id Identity) *Error {
	return &Error{
		Code:    ErrCodeIdentityConflict,
		Message: "identity is already held by another record in this session",
		Entity:  id.Entity,
		Key:     id.Key,
	}
}

func newInvalidTransition(r *Record, msg string) *Error {
	e := recordError(ErrCodeInvalidStateTransition, r, msg)
	e.Details = map[string]string{"state": r.state.String()}
	return e
}

func newStaleRow(op string, r *Record, key Key) *Error {
	e := recordError(ErrCodeStaleRow, r, fmt.Sprintf("%s matched no row", op))
	if enc, err := encodeKey(key); err == nil {
		e.Key = enc
	}
	e.Details = map[string]string{"operation": op}
	return e
}

func newForeignRecord(r *Record) *Error {
	e := recordError(ErrCodeForeignRecord, r, "record is attached to another open session")
	if r.session != nil {
		e.Details = map[string]string{"owner": r.session.id}
	}
	return e
}

func newCycleError(entity string, stuck []*Record) *Error {
	keys := make([]string, 0, len(stuck))
	for _, r := range stuck {
		if id, ok := r.Identity(); ok {
			keys = append(keys, id.String())
		} else {
			keys = append(keys, r.entity.Name+"[?]")
		}
	}
	return &Error{
		Code:    ErrCodeDependencyCycle,
		Message: fmt.Sprintf("rows %s reference each other and cannot be ordered", strings.Join(keys, ", ")),
		Entity:  entity,
		Details: map[string]string{"rows": strconv.Itoa(len(stuck))},
	}
}

func newStatementError(op string, r *Record, err error) *Error {
	e := &Error{Code: ErrCodeStatementExecution, Message: op + " failed", Err: err}
	if r != nil {
		e.Entity = r.entity.Name
		if id, ok := r.Identity(); ok {
			e.Key = id.Key
		}
	}
	return e
}

func newPoolTimeout(err error) *Error {
	return &Error{Code: ErrCodePoolTimeout, Message: "could not acquire a connection", Err: err}
}

var errSessionClosed = &Error{Code: ErrCodeSessionClosed, Message: "session is closed"}

func newPendingRollback(cause error) *Error {
	return &Error{
		Code:    ErrCodePendingRollback,
		Message: "a previous flush failed; roll back or close the session",
		Err:     cause,
	}
}
