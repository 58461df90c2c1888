package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"

	"github.com/freeeve/lsmkv"
)

func (s *Shell) handleInsert(stmt *sqlparser.Insert) {
	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok || len(rows) == 0 {
		fmt.Fprintln(s.out, "Error: Invalid INSERT syntax")
		return
	}

	inserted := 0
	for _, row := range rows {
		if len(row) < 2 {
			fmt.Fprintln(s.out, "Error: INSERT requires (key, value)")
			continue
		}
		if s.storeValue(extractBytes(row[0]), row[1]) {
			inserted++
		}
	}
	fmt.Fprintf(s.out, "INSERT %d\n", inserted)
}

// encodeValue turns a literal into a payload. A JSON object literal is
// stored as a msgpack map; hex literals are stored as raw bytes.
func encodeValue(expr sqlparser.Expr) ([]byte, error) {
	raw := extractBytes(expr)
	if isHexLiteral(expr) {
		return raw, nil
	}
	str := string(raw)
	if strings.HasPrefix(str, "{") && strings.HasSuffix(str, "}") {
		var record map[string]any
		if json.Unmarshal(raw, &record) == nil {
			return lsmkv.EncodeMsgpack(record)
		}
	}
	return raw, nil
}

func (s *Shell) storeValue(key []byte, expr sqlparser.Expr) bool {
	payload, err := encodeValue(expr)
	if err != nil {
		fmt.Fprintf(s.out, msgErr, err)
		return false
	}
	if err := s.store.Upsert(key, payload); err != nil {
		fmt.Fprintf(s.out, msgErr, err)
		return false
	}
	return true
}

func (s *Shell) handleUpdate(stmt *sqlparser.Update) {
	var q keyQuery
	if stmt.Where != nil {
		parseWhere(stmt.Where.Expr, &q)
	}
	if s.refuseWarnings("UPDATE", q) {
		return
	}
	if !q.hasEquals {
		fmt.Fprintln(s.out, "Error: UPDATE requires WHERE k = 'value'")
		return
	}

	for _, expr := range stmt.Exprs {
		if strings.ToLower(expr.Name.Name.String()) == "v" {
			if s.storeValue(q.equals, expr.Expr) {
				fmt.Fprintln(s.out, "UPDATE 1")
			}
			return
		}
	}
	fmt.Fprintln(s.out, "Error: UPDATE requires SET v = ...")
}

func (s *Shell) handleDelete(stmt *sqlparser.Delete) {
	var q keyQuery
	if stmt.Where != nil {
		parseWhere(stmt.Where.Expr, &q)
	}

	if s.refuseWarnings("DELETE", q) {
		return
	}

	switch {
	case q.hasEquals:
		if err := s.store.Remove(q.equals); err != nil {
			fmt.Fprintf(s.out, msgErr, err)
			return
		}
		fmt.Fprintln(s.out, "DELETE 1")
	case q.hasPrefix:
		deleted, err := s.store.DeletePrefix(q.prefix)
		if err != nil {
			fmt.Fprintf(s.out, msgErr, err)
			return
		}
		fmt.Fprintf(s.out, "DELETE %d\n", deleted)
	case q.hasStart || q.hasEnd:
		// Bounds are inclusive, matching SELECT.
		batch := lsmkv.NewBatch()
		err := s.scanKeys(q, func(key, _ []byte) bool {
			batch.Delete(key)
			return true
		})
		if err != nil {
			fmt.Fprintf(s.out, msgErr, err)
			return
		}
		if err := s.store.WriteBatch(batch); err != nil {
			fmt.Fprintf(s.out, msgErr, err)
			return
		}
		fmt.Fprintf(s.out, "DELETE %d\n", batch.Len())
	default:
		fmt.Fprintln(s.out, "Error: DELETE requires WHERE clause on k")
	}
}

// refuseWarnings prints the WHERE conditions that cannot be honoured and
// reports whether the statement must not run.
func (s *Shell) refuseWarnings(stmt string, q keyQuery) bool {
	if len(q.warnings) == 0 {
		return false
	}
	for _, w := range q.warnings {
		fmt.Fprintf(s.out, "Warning: %s\n", w)
	}
	fmt.Fprintf(s.out, "Error: %s not executed\n", stmt)
	return true
}
