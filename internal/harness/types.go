package harness

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/uow/internal/uow"
)

// TraceEvent is one database interaction of a session: a transaction
// boundary or an executed statement.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Session string `json:"session"`

	// Op is "begin", "commit", "rollback" or a statement kind
	// ("insert", "exec", "query").
	Op   string `json:"op"`
	SQL  string `json:"sql,omitempty"`
	Args []any  `json:"args,omitempty"`

	// Rows is the affected row count of writes and the row count of reads.
	Rows int64 `json:"rows,omitempty"`

	Error string `json:"error,omitempty"`
}

// String renders the event on one line. Driver error text is left out so
// the rendering does not depend on the driver build.
func (e TraceEvent) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%03d %s %s", e.Seq, e.Session, e.Op)
	if e.SQL == "" {
		if e.Error != "" {
			sb.WriteString(" failed")
		}
		return sb.String()
	}
	sb.WriteString(" ")
	sb.WriteString(e.SQL)
	if len(e.Args) > 0 {
		sb.WriteString(" [")
		for i, a := range e.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(formatValue(a))
		}
		sb.WriteString("]")
	}
	if e.Error != "" {
		sb.WriteString(" failed")
	} else {
		fmt.Fprintf(&sb, " rows=%d", e.Rows)
	}
	return sb.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(x)
	case []byte:
		return "x'" + hex.EncodeToString(x) + "'"
	default:
		return fmt.Sprint(x)
	}
}

// Result is the outcome of running a scenario.
type Result struct {
	Name string `json:"name"`

	// Pass is true when every step and assertion held.
	Pass bool `json:"pass"`

	// Trace lists every database interaction in order.
	Trace []TraceEvent `json:"trace"`

	// Reports holds the report of every explicit flush step.
	Reports []uow.FlushReport `json:"reports,omitempty"`

	// Failures describes what did not hold. Empty when Pass is true.
	Failures []string `json:"failures,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult(name string) *Result {
	return &Result{Name: name, Pass: true, Trace: []TraceEvent{}}
}

// AddFailure records a failure and marks the result as failed.
func (r *Result) AddFailure(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Count returns how many trace events have the given op.
func (r *Result) Count(op string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Op == op {
			n++
		}
	}
	return n
}

// Format renders the trace followed by any failures, one per line.
func (r *Result) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", r.Name)
	for _, ev := range r.Trace {
		sb.WriteString(ev.String())
		sb.WriteString("\n")
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&sb, "FAIL %s\n", f)
	}
	return sb.String()
}
