// Package sqlcompile renders unit-of-work operations as parameterized SQL.
//
// Every value travels as a bind parameter, never interpolated. Identifiers
// are always double-quoted so reserved words ("user", "order") are safe as
// table and column names. SELECT statements always carry an ORDER BY on the
// primary key so results are deterministic.
package sqlcompile

import (
	"fmt"
	"strings"

	"github.com/roach88/uow/internal/schema"
)

// Kind tells the connection how to execute a statement.
type Kind int

const (
	// KindExec runs a statement for its row count.
	KindExec Kind = iota
	// KindQuery runs a statement that returns rows.
	KindQuery
	// KindInsert runs an INSERT and may capture a generated key.
	KindInsert
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindQuery:
		return "query"
	case KindInsert:
		return "insert"
	default:
		return "unknown"
	}
}

// Statement is an opaque compiled statement handed to a connection.
type Statement struct {
	Kind Kind
	SQL  string
	Args []any

	// Table is the target table, empty for raw statements.
	Table string

	// Returning names the generated key column read back through a
	// RETURNING clause (dialects that support it).
	Returning string

	// WantKey asks the connection for the driver's last insert id
	// (dialects without RETURNING).
	WantKey bool
}

// Raw wraps hand-written SQL executed for its row count. Use '?' placeholders;
// they are rebound for the target dialect by Compiler.Rebind.
func Raw(sql string, args ...any) Statement {
	return Statement{Kind: KindExec, SQL: sql, Args: args}
}

// RawQuery wraps hand-written SQL that returns rows.
func RawQuery(sql string, args ...any) Statement {
	return Statement{Kind: KindQuery, SQL: sql, Args: args}
}

// Compiler builds statements for one dialect.
type Compiler struct {
	dialect Dialect
}

// New creates a Compiler for the given dialect.
func New(d Dialect) *Compiler {
	return &Compiler{dialect: d}
}

// Dialect returns the compiler's dialect.
func (c *Compiler) Dialect() Dialect {
	return c.dialect
}

// Insert builds a single-row INSERT. When returning is non-empty the
// statement captures that generated column.
func (c *Compiler) Insert(ent *schema.Entity, cols []string, vals []any, returning string) (Statement, error) {
	return c.InsertMany(ent, cols, [][]any{vals}, returning)
}

// InsertMany builds one INSERT carrying several VALUES rows. Every row must
// have one value per column.
func (c *Compiler) InsertMany(ent *schema.Entity, cols []string, rows [][]any, returning string) (Statement, error) {
	if len(rows) == 0 {
		return Statement{}, fmt.Errorf("insert %s: no rows", ent.Name)
	}
	if returning != "" && len(rows) > 1 && !c.dialect.Returning {
		return Statement{}, fmt.Errorf("insert %s: dialect %s cannot return keys for a multi-row insert", ent.Name, c.dialect.Name)
	}

	var sb strings.Builder
	var args []any
	p := c.dialect.params()

	sb.WriteString("INSERT INTO ")
	sb.WriteString(quote(ent.Table))
	if len(cols) == 0 {
		if len(rows) > 1 {
			return Statement{}, fmt.Errorf("insert %s: multi-row insert needs columns", ent.Name)
		}
		sb.WriteString(" DEFAULT VALUES")
	} else {
		sb.WriteString(" (")
		sb.WriteString(quoteList(cols))
		sb.WriteString(") VALUES ")
		for i, row := range rows {
			if len(row) != len(cols) {
				return Statement{}, fmt.Errorf("insert %s: row %d has %d values for %d columns", ent.Name, i, len(row), len(cols))
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j, v := range row {
				if j > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(p.next())
				args = append(args, v)
			}
			sb.WriteString(")")
		}
	}

	stmt := Statement{Kind: KindInsert, Table: ent.Table, Args: args}
	if returning != "" {
		if c.dialect.Returning {
			sb.WriteString(" RETURNING ")
			sb.WriteString(quote(returning))
			stmt.Returning = returning
		} else {
			stmt.WantKey = true
		}
	}
	stmt.SQL = sb.String()
	return stmt, nil
}

// Update builds an UPDATE of the given columns for the row identified by key
// (primary-key values in declaration order).
func (c *Compiler) Update(ent *schema.Entity, cols []string, vals []any, key []any) (Statement, error) {
	if len(cols) == 0 {
		return Statement{}, fmt.Errorf("update %s: no columns", ent.Name)
	}
	if len(cols) != len(vals) {
		return Statement{}, fmt.Errorf("update %s: %d values for %d columns", ent.Name, len(vals), len(cols))
	}
	if len(key) != len(ent.PrimaryKey) {
		return Statement{}, fmt.Errorf("update %s: key has %d values, primary key has %d columns", ent.Name, len(key), len(ent.PrimaryKey))
	}

	var sb strings.Builder
	p := c.dialect.params()
	args := make([]any, 0, len(vals)+len(key))

	sb.WriteString("UPDATE ")
	sb.WriteString(quote(ent.Table))
	sb.WriteString(" SET ")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quote(col))
		sb.WriteString(" = ")
		sb.WriteString(p.next())
		args = append(args, vals[i])
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(keyPredicate(ent.PrimaryKey, p))
	args = append(args, key...)

	return Statement{Kind: KindExec, SQL: sb.String(), Args: args, Table: ent.Table}, nil
}

// Delete builds a DELETE for the row identified by key.
func (c *Compiler) Delete(ent *schema.Entity, key []any) (Statement, error) {
	if len(key) != len(ent.PrimaryKey) {
		return Statement{}, fmt.Errorf("delete %s: key has %d values, primary key has %d columns", ent.Name, len(key), len(ent.PrimaryKey))
	}
	p := c.dialect.params()
	sql := "DELETE FROM " + quote(ent.Table) + " WHERE " + keyPredicate(ent.PrimaryKey, p)
	return Statement{Kind: KindExec, SQL: sql, Args: append([]any(nil), key...), Table: ent.Table}, nil
}

// SelectByKey builds a SELECT of every mapped column for one row.
func (c *Compiler) SelectByKey(ent *schema.Entity, key []any) (Statement, error) {
	if len(key) != len(ent.PrimaryKey) {
		return Statement{}, fmt.Errorf("select %s: key has %d values, primary key has %d columns", ent.Name, len(key), len(ent.PrimaryKey))
	}
	p := c.dialect.params()
	sql := "SELECT " + quoteList(ent.ColumnNames()) + " FROM " + quote(ent.Table) +
		" WHERE " + keyPredicate(ent.PrimaryKey, p)
	return Statement{Kind: KindQuery, SQL: sql, Args: append([]any(nil), key...), Table: ent.Table}, nil
}

// Select builds a SELECT of every mapped column filtered by an optional
// WHERE fragment using '?' placeholders. Rows are ordered by primary key.
func (c *Compiler) Select(ent *schema.Entity, where string, args ...any) (Statement, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(quoteList(ent.ColumnNames()))
	sb.WriteString(" FROM ")
	sb.WriteString(quote(ent.Table))
	if strings.TrimSpace(where) != "" {
		rebound, n := c.rebind(where)
		if n != len(args) {
			return Statement{}, fmt.Errorf("select %s: %d placeholders for %d args", ent.Name, n, len(args))
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(rebound)
	} else if len(args) > 0 {
		return Statement{}, fmt.Errorf("select %s: args given without a where clause", ent.Name)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(quoteList(ent.PrimaryKey))
	return Statement{Kind: KindQuery, SQL: sb.String(), Args: args, Table: ent.Table}, nil
}

// Rebind rewrites '?' placeholders of a raw statement for the dialect.
func (c *Compiler) Rebind(stmt Statement) Statement {
	stmt.SQL, _ = c.rebind(stmt.SQL)
	return stmt
}

// rebind replaces '?' outside of quoted strings. It returns the new SQL and
// the number of placeholders seen.
func (c *Compiler) rebind(sql string) (string, int) {
	p := c.dialect.params()
	var sb strings.Builder
	count := 0
	inQuote := false
	for _, r := range sql {
		switch {
		case r == '\'':
			inQuote = !inQuote
			sb.WriteRune(r)
		case r == '?' && !inQuote:
			sb.WriteString(p.next())
			count++
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String(), count
}

// CreateTable renders the DDL for one entity of s.
func (c *Compiler) CreateTable(s *schema.Schema, ent *schema.Entity) string {
	var defs []string
	gen := ent.GeneratedKey()
	for _, col := range ent.Columns {
		def := quote(col.Name) + " "
		if col.Name == gen {
			defs = append(defs, def+c.dialect.GeneratedKeyDDL)
			continue
		}
		def += c.dialect.columnType(col.Type)
		if !col.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if gen == "" {
		defs = append(defs, "PRIMARY KEY ("+quoteList(ent.PrimaryKey)+")")
	}
	for _, fk := range ent.ForeignKeys {
		table := fk.RefEntity
		if ref, ok := s.Entity(fk.RefEntity); ok {
			table = ref.Table
		}
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteList(fk.Columns), quote(table), quoteList(fk.RefColumns)))
	}
	return "CREATE TABLE IF NOT EXISTS " + quote(ent.Table) + " (\n\t" + strings.Join(defs, ",\n\t") + "\n)"
}

// CreateTables renders DDL for every entity of a schema, referenced tables
// first where the foreign-key graph allows it.
func (c *Compiler) CreateTables(s *schema.Schema) []string {
	var out []string
	done := make(map[string]bool)
	onStack := make(map[string]bool)
	var visit func(e *schema.Entity)
	visit = func(e *schema.Entity) {
		if done[e.Name] || onStack[e.Name] {
			return
		}
		onStack[e.Name] = true
		for _, fk := range e.ForeignKeys {
			if ref, ok := s.Entity(fk.RefEntity); ok {
				visit(ref)
			}
		}
		onStack[e.Name] = false
		done[e.Name] = true
		out = append(out, c.CreateTable(s, e))
	}
	for _, e := range s.Entities() {
		visit(e)
	}
	return out
}

func keyPredicate(cols []string, p *params) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = quote(col) + " = " + p.next()
	}
	return strings.Join(parts, " AND ")
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteList(idents []string) string {
	parts := make([]string, len(idents))
	for i, id := range idents {
		parts[i] = quote(id)
	}
	return strings.Join(parts, ", ")
}
