package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of session operations run against a
// fresh database, with assertions on the resulting rows.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Schema is the directory holding the CUE entity definitions.
	// Relative paths are resolved against the scenario file's directory.
	Schema string `yaml:"schema"`

	// Driver overrides the default database driver ("sqlite3").
	Driver string `yaml:"driver,omitempty"`

	// Session overrides the session options of every session the
	// scenario opens.
	Session Settings `yaml:"session,omitempty"`

	// Steps run in order against one session at a time.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the database after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Settings overrides session options; nil fields keep the default.
type Settings struct {
	Autoflush      *bool `yaml:"autoflush,omitempty"`
	ExpireOnCommit *bool `yaml:"expire_on_commit,omitempty"`
	InsertBatching *bool `yaml:"insert_batching,omitempty"`
}

// Step is one session operation. Which fields apply depends on Op.
type Step struct {
	// Op names the operation, one of the Op* constants.
	Op string `yaml:"op"`

	// Ref names the record the step creates, loads or acts on.
	Ref string `yaml:"ref,omitempty"`

	// Entity is the mapped type (add, get, query, expect by key).
	Entity string `yaml:"entity,omitempty"`

	// Values are attribute values to assign (add, set) or to check (expect).
	Values map[string]any `yaml:"values,omitempty"`

	// Links maps foreign-key names to refs of parent records (add).
	Links map[string]string `yaml:"links,omitempty"`

	// Key is a primary key (get, expect by key).
	Key []any `yaml:"key,omitempty"`

	// FK and To name the foreign key and the parent ref (link).
	// An empty To removes the link.
	FK string `yaml:"fk,omitempty"`
	To string `yaml:"to,omitempty"`

	// Where and Args filter a query.
	Where string `yaml:"where,omitempty"`
	Args  []any  `yaml:"args,omitempty"`

	// SQL is a raw statement (execute), with Args as its parameters.
	SQL string `yaml:"sql,omitempty"`

	// Count is the expected number of rows (query, execute).
	Count *int `yaml:"count,omitempty"`

	// State is the expected record state (expect), e.g. "persistent".
	State string `yaml:"state,omitempty"`

	// Absent expects a get or an identity-map lookup to find nothing.
	Absent bool `yaml:"absent,omitempty"`

	// Error is the error code the step is expected to fail with,
	// e.g. "STALE_ROW". The run continues after an expected failure.
	Error string `yaml:"error,omitempty"`
}

// Step operations.
const (
	OpAdd      = "add"
	OpSet      = "set"
	OpLink     = "link"
	OpDelete   = "delete"
	OpExpunge  = "expunge"
	OpGet      = "get"
	OpQuery    = "query"
	OpRefresh  = "refresh"
	OpExecute  = "execute"
	OpBegin    = "begin"
	OpFlush    = "flush"
	OpCommit   = "commit"
	OpRollback = "rollback"
	OpClose    = "close"
	OpReopen   = "reopen"
	OpExpect   = "expect"
)

// Assertion checks the database after the scenario ran.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Table is the table to inspect (row_count, final_state).
	Table string `yaml:"table,omitempty"`

	// Where selects rows by column equality (final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds column values the selected row must have (final_state).
	// Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Op is the trace operation to count (statement_count), e.g. "insert".
	Op string `yaml:"op,omitempty"`

	// Count is the expected number of rows or statements.
	Count int `yaml:"count"`
}

// Assertion types.
const (
	AssertRowCount       = "row_count"
	AssertFinalState     = "final_state"
	AssertStatementCount = "statement_count"
)

// LoadScenario reads and validates a scenario YAML file. Unknown fields
// are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if sc.Schema != "" && !filepath.IsAbs(sc.Schema) {
		sc.Schema = filepath.Join(filepath.Dir(path), sc.Schema)
	}
	if info, err := os.Stat(sc.Schema); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("invalid scenario: schema directory not found: %s", sc.Schema)
	}
	return sc, nil
}

// ParseScenario decodes and validates scenario YAML. The schema path is
// left as written.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	need := func(ok bool, what string) error {
		if ok {
			return nil
		}
		return fmt.Errorf("steps[%d]: %s is required for %s", index, what, st.Op)
	}

	switch st.Op {
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	case OpAdd, OpQuery:
		return need(st.Entity != "", "entity")
	case OpSet:
		if err := need(st.Ref != "", "ref"); err != nil {
			return err
		}
		return need(len(st.Values) > 0, "values")
	case OpLink:
		if err := need(st.Ref != "", "ref"); err != nil {
			return err
		}
		return need(st.FK != "", "fk")
	case OpDelete, OpExpunge, OpRefresh:
		return need(st.Ref != "", "ref")
	case OpGet:
		if err := need(st.Entity != "", "entity"); err != nil {
			return err
		}
		return need(len(st.Key) > 0, "key")
	case OpExecute:
		return need(st.SQL != "", "sql")
	case OpExpect:
		if st.Ref == "" && (st.Entity == "" || len(st.Key) == 0) {
			return fmt.Errorf("steps[%d]: expect needs a ref or an entity and key", index)
		}
		if st.Error != "" {
			return fmt.Errorf("steps[%d]: expect cannot carry an error", index)
		}
	case OpBegin, OpFlush, OpCommit, OpRollback, OpClose, OpReopen:
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertStatementCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for statement_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
