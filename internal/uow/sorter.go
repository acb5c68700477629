package uow

import (
	"slices"

	"github.com/roach88/uow/internal/schema"
)

// Sorter orders a flush's writes so foreign keys are never violated.
//
// The entity-type graph has an edge from every entity to each entity it
// references. Its strongly connected components are computed once with
// Tarjan's algorithm. For each batch the components present are ordered
// with Kahn's algorithm, ready components tie-broken by the position of
// their first-tracked record. Rows of one component keep their tracking
// order, except in cyclic components (a self-referencing key or a
// multi-type reference cycle) where rows are ordered among themselves by
// the rows they reference.
type Sorter struct {
	schema *schema.Schema

	// component index per entity, components in discovery order
	comp   map[string]int
	comps  [][]string
	cyclic []bool

	// parents[c] lists the components c references, excluding itself
	parents [][]int
}

// NewSorter builds the dependency graph of s.
func NewSorter(s *schema.Schema) *Sorter {
	graph := make(map[string][]string)
	for _, name := range s.Names() {
		graph[name] = nil
	}
	for _, e := range s.Edges() {
		graph[e.From] = append(graph[e.From], e.To)
	}

	st := &Sorter{schema: s, comp: make(map[string]int)}
	for _, scc := range tarjanSCC(s.Names(), graph) {
		idx := len(st.comps)
		slices.SortFunc(scc, func(a, b string) int { return s.Position(a) - s.Position(b) })
		for _, name := range scc {
			st.comp[name] = idx
		}
		st.comps = append(st.comps, scc)
		st.cyclic = append(st.cyclic, len(scc) > 1 || slices.Contains(graph[scc[0]], scc[0]))
	}

	st.parents = make([][]int, len(st.comps))
	for _, e := range s.Edges() {
		from, to := st.comp[e.From], st.comp[e.To]
		if from != to && !slices.Contains(st.parents[from], to) {
			st.parents[from] = append(st.parents[from], to)
		}
	}
	return st
}

// tarjanSCC finds strongly connected components, visiting nodes in the given
// order so the result is deterministic.
func tarjanSCC(nodes []string, graph map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// Cycles returns the entity groups that reference each other, including
// single self-referencing entities. Rows of these entities are ordered
// individually and may fail with UNRESOLVABLE_DEPENDENCY_CYCLE.
func (s *Sorter) Cycles() [][]string {
	var out [][]string
	for i, c := range s.comps {
		if s.cyclic[i] {
			out = append(out, slices.Clone(c))
		}
	}
	return out
}

// IsCyclic reports whether rows of entity are ordered row by row.
func (s *Sorter) IsCyclic(entity string) bool {
	c, ok := s.comp[entity]
	return ok && s.cyclic[c]
}

// TypeOrder returns every entity in insert order: referenced entities
// first, otherwise declaration order.
func (s *Sorter) TypeOrder() []string {
	var out []string
	for _, c := range s.orderComponents(s.allComponents(), false) {
		out = append(out, s.comps[c]...)
	}
	return out
}

func (s *Sorter) allComponents() []int {
	// Rank components by their earliest declared entity.
	idx := make([]int, len(s.comps))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		return s.schema.Position(s.comps[a][0]) - s.schema.Position(s.comps[b][0])
	})
	return idx
}

// OrderForInsert orders new records so every row follows the rows it
// references.
func (s *Sorter) OrderForInsert(recs []*Record) ([]*Record, error) {
	return s.order(recs, false)
}

// OrderForDelete orders removed records so every row precedes the rows it
// references.
func (s *Sorter) OrderForDelete(recs []*Record) ([]*Record, error) {
	return s.order(recs, true)
}

// OrderForUpdate orders dirty records by entity dependency only, keeping
// tracking order within an entity.
func (s *Sorter) OrderForUpdate(recs []*Record) []*Record {
	groups, present := s.group(recs)
	var out []*Record
	for _, c := range s.orderComponents(present, false) {
		out = append(out, groups[c]...)
	}
	return out
}

func (s *Sorter) order(recs []*Record, reverse bool) ([]*Record, error) {
	groups, present := s.group(recs)
	out := make([]*Record, 0, len(recs))
	for _, c := range s.orderComponents(present, reverse) {
		rows := groups[c]
		if s.cyclic[c] && len(rows) > 1 {
			sorted, err := s.orderRows(rows, reverse)
			if err != nil {
				return nil, err
			}
			rows = sorted
		}
		out = append(out, rows...)
	}
	return out, nil
}

// group buckets records by component, returning components in order of
// their first record.
func (s *Sorter) group(recs []*Record) (map[int][]*Record, []int) {
	groups := make(map[int][]*Record)
	var present []int
	for _, r := range recs {
		c := s.comp[r.entity.Name]
		if _, seen := groups[c]; !seen {
			present = append(present, c)
		}
		groups[c] = append(groups[c], r)
	}
	return groups, present
}

// orderComponents runs Kahn's algorithm over the given components, which
// arrive in tie-break order. Referenced components come first unless
// reverse is set.
func (s *Sorter) orderComponents(present []int, reverse bool) []int {
	rank := make(map[int]int, len(present))
	for i, c := range present {
		rank[c] = i
	}

	// deps[c] = components in the batch that must precede c
	deps := make(map[int][]int, len(present))
	for _, c := range present {
		for _, p := range s.parents[c] {
			if _, ok := rank[p]; !ok {
				continue
			}
			if reverse {
				deps[p] = append(deps[p], c)
			} else {
				deps[c] = append(deps[c], p)
			}
		}
	}

	indegree := make(map[int]int, len(present))
	dependents := make(map[int][]int, len(present))
	for _, c := range present {
		indegree[c] = len(deps[c])
		for _, d := range deps[c] {
			dependents[d] = append(dependents[d], c)
		}
	}

	var ready, out []int
	for _, c := range present {
		if indegree[c] == 0 {
			ready = append(ready, c)
		}
	}
	for len(ready) > 0 {
		best := 0
		for i := range ready {
			if rank[ready[i]] < rank[ready[best]] {
				best = i
			}
		}
		c := ready[best]
		ready = slices.Delete(ready, best, best+1)
		out = append(out, c)
		for _, d := range dependents[c] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return out
}

// orderRows sorts the rows of one cyclic component. A row depends on the
// rows of the batch it references, found through links or by matching
// foreign-key values against the batch's primary keys. Rows left over form
// a cycle.
func (s *Sorter) orderRows(rows []*Record, reverse bool) ([]*Record, error) {
	pos := make(map[*Record]int, len(rows))
	byKey := make(map[Identity]*Record, len(rows))
	for i, r := range rows {
		pos[r] = i
		if id, ok := r.currentIdentity(); ok && !reverse {
			byKey[id] = r
		}
		if r.hasIdentity {
			byKey[r.identity] = r
		}
	}

	// refs[i] = indexes of rows that rows[i] references. Deleted rows
	// follow the foreign keys the database still holds.
	refs := make([][]int, len(rows))
	for i, r := range rows {
		for _, fk := range r.entity.ForeignKeys {
			var parent *Record
			if reverse {
				parent = s.referenced(r.loaded, fk, byKey)
			} else if p, ok := r.refs[fk.Name]; ok {
				parent = p
			} else {
				parent = s.referenced(r.values, fk, byKey)
			}
			if parent == nil || parent == r {
				continue
			}
			if j, ok := pos[parent]; ok && !slices.Contains(refs[i], j) {
				refs[i] = append(refs[i], j)
			}
		}
	}

	indegree := make([]int, len(rows))
	next := make([][]int, len(rows))
	for i := range rows {
		for _, j := range refs[i] {
			if reverse {
				// j must wait for i
				indegree[j]++
				next[i] = append(next[i], j)
			} else {
				indegree[i]++
				next[j] = append(next[j], i)
			}
		}
	}

	done := make([]bool, len(rows))
	out := make([]*Record, 0, len(rows))
	for len(out) < len(rows) {
		pick := -1
		for i := range rows {
			if !done[i] && indegree[i] == 0 {
				pick = i
				break
			}
		}
		if pick < 0 {
			var stuck []*Record
			for i, r := range rows {
				if !done[i] {
					stuck = append(stuck, r)
				}
			}
			return nil, newCycleError(stuck[0].entity.Name, stuck)
		}
		done[pick] = true
		out = append(out, rows[pick])
		for _, n := range next[pick] {
			indegree[n]--
		}
	}
	return out, nil
}

// referenced finds the batch row whose key equals the foreign-key values
// in values.
func (s *Sorter) referenced(values map[string]any, fk schema.ForeignKey, byKey map[Identity]*Record) *Record {
	vals := make(Key, len(fk.Columns))
	for i, col := range fk.Columns {
		v := values[col]
		if v == nil {
			return nil
		}
		vals[i] = v
	}
	id, err := NewIdentity(fk.RefEntity, vals)
	if err != nil {
		return nil
	}
	return byKey[id]
}
