package uow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed")
	err := &Error{
		Code:    ErrCodeStatementExecution,
		Message: "insert failed",
		Entity:  "user",
		Key:     "4",
		Err:     cause,
	}
	assert.Equal(t, "STATEMENT_EXECUTION: insert failed (user[4]): UNIQUE constraint failed", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "SESSION_CLOSED: session is closed", errSessionClosed.Error())
}

func TestCodeOf_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", newPoolTimeout(errors.New("slow")))
	code, ok := CodeOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, ErrCodePoolTimeout, code)
	assert.True(t, IsPoolTimeout(wrapped))
	assert.False(t, IsStaleRow(wrapped))

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)
	assert.False(t, IsSessionClosed(nil))
}

func TestPendingRollback_KeepsCause(t *testing.T) {
	id, err := NewIdentity("user", Key{1})
	assert.NoError(t, err)
	cause := newIdentityConflict(id)
	err = newPendingRollback(cause)

	assert.True(t, IsPendingRollback(err))
	code, _ := CodeOf(err)
	assert.Equal(t, ErrCodePendingRollback, code, "the outermost code wins")

	var inner *Error
	assert.True(t, errors.As(errors.Unwrap(err), &inner))
	assert.Equal(t, ErrCodeIdentityConflict, inner.Code)
}

func TestErrorConstructors_DescribeRecord(t *testing.T) {
	s := testSchema(t)
	r := mustRecord(t, s, "membership", map[string]any{"user_id": 1, "group_name": "admins"})

	err := newStaleRow("delete", r, Key{1, "admins"})
	assert.Equal(t, `STALE_ROW: delete matched no row (membership[1,"admins"])`, err.Error())
	assert.Equal(t, "delete", err.Details["operation"])

	err = newInvalidTransition(r, "record is not persistent")
	assert.Equal(t, "transient", err.Details["state"])

	err = newCycleError("node", []*Record{mustRecord(t, s, "node", nil)})
	assert.Equal(t, "UNRESOLVABLE_DEPENDENCY_CYCLE: rows node[?] reference each other and cannot be ordered (node)", err.Error())
}
