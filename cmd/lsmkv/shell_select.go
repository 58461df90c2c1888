package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"

	"github.com/freeeve/lsmkv"
)

const defaultSelectLimit = 100

func (s *Shell) handleSelect(stmt *sqlparser.Select) {
	var fields []string
	countOnly := false
	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.AliasedExpr:
			if fn, ok := e.Expr.(*sqlparser.FuncExpr); ok {
				if strings.ToLower(fn.Name.String()) == "count" {
					countOnly = true
					continue
				}
				fmt.Fprintf(s.out, "Error: unsupported function %s\n", fn.Name.String())
				return
			}
			if col, ok := e.Expr.(*sqlparser.ColName); ok {
				qualifier := strings.ToLower(col.Qualifier.Name.String())
				name := col.Name.String()
				switch {
				case qualifier == "v":
					fields = append(fields, name)
				case qualifier != "" && qualifier != "kv":
					// v.address.city parses as qualifier "address", name "city"
					fields = append(fields, qualifier+"."+name)
				}
			}
		case *sqlparser.StarExpr:
			fields = nil
		}
	}

	limit := defaultSelectLimit
	if stmt.Limit != nil && stmt.Limit.Rowcount != nil {
		if val, ok := stmt.Limit.Rowcount.(*sqlparser.SQLVal); ok {
			if n, err := strconv.Atoi(string(val.Val)); err == nil {
				limit = n
			}
		}
	}

	var q keyQuery
	if stmt.Where != nil {
		parseWhere(stmt.Where.Expr, &q)
	}
	for _, w := range q.warnings {
		fmt.Fprintf(s.out, "Warning: %s\n", w)
	}

	headers := []string{"k", "v"}
	if len(fields) > 0 {
		headers = append([]string{"k"}, fields...)
	}

	var rows [][]string
	matched := 0
	emit := func(key, value []byte) bool {
		if !countOnly && matched >= limit {
			return false
		}
		matched++
		if !countOnly {
			rows = append(rows, extractRowFields(key, value, fields))
		}
		return true
	}

	err := s.scanKeys(q, emit)
	if err != nil && lsmkv.KindOf(err) != lsmkv.KindDegraded {
		fmt.Fprintf(s.out, msgErr, err)
		return
	}

	if countOnly {
		fmt.Fprintln(s.out, "count")
		fmt.Fprintln(s.out, "-----")
		fmt.Fprintln(s.out, matched)
	} else {
		printTable(s.out, headers, rows)
		fmt.Fprintf(s.out, "(%d rows)\n", len(rows))
	}
	if err != nil {
		fmt.Fprintf(s.out, msgWarnDegraded, err)
	}
}

// scanKeys runs fn over the records selected by q. Range bounds are
// inclusive.
func (s *Shell) scanKeys(q keyQuery, fn func(key, value []byte) bool) error {
	switch {
	case q.hasEquals:
		val, err := s.store.Get(q.equals)
		if errors.Is(err, lsmkv.ErrKeyNotFound) {
			if lsmkv.KindOf(err) == lsmkv.KindDegraded {
				return err
			}
			return nil
		}
		if err != nil && lsmkv.KindOf(err) != lsmkv.KindDegraded {
			return err
		}
		fn(q.equals, val)
		return err
	case q.hasPrefix:
		return s.store.ScanPrefix(q.prefix, fn)
	case q.hasStart || q.hasEnd:
		return s.store.Scan(q.start, func(key, value []byte) bool {
			if q.hasEnd {
				if lsmkv.CompareKeys(key, q.end) > 0 {
					return false
				}
			}
			return fn(key, value)
		})
	default:
		return s.store.Scan(nil, fn)
	}
}

// extractRowFields extracts field values as strings for tabular display
func extractRowFields(key, value []byte, fields []string) []string {
	keyStr := formatKey(key)
	if len(fields) == 0 {
		return []string{keyStr, formatValue(value)}
	}

	row := []string{keyStr}
	var record map[string]any
	if isMsgpackMap(value) {
		record, _ = lsmkv.DecodeMsgpack(value)
	}
	for _, field := range fields {
		if v, ok := extractNestedField(record, field); ok {
			row = append(row, fmt.Sprintf("%v", v))
		} else {
			row = append(row, "NULL")
		}
	}
	return row
}
