// Package harness runs scripted session scenarios against a real database
// and records every transaction boundary and statement they cause.
//
// A scenario is a YAML file naming a CUE schema directory, a list of
// steps (add, set, link, delete, get, query, flush, commit, rollback, ...)
// and assertions on the final rows:
//
//	name: parent_child
//	description: A child added before its parent is inserted after it.
//	schema: ../schema
//	steps:
//	  - {op: add, ref: addr, entity: address, values: {email_address: a@b.c}}
//	  - {op: add, ref: sb, entity: user, values: {name: spongebob}}
//	  - {op: link, ref: addr, fk: user, to: sb}
//	  - {op: commit}
//	assertions:
//	  - {type: row_count, table: address, count: 1}
//
// The trace is rendered as stable text so it can be compared against golden
// files with RunWithGolden.
package harness
