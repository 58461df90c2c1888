package main

import (
	"encoding/hex"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
)

// keyQuery is the key restriction extracted from a WHERE clause.
type keyQuery struct {
	equals    []byte
	hasEquals bool
	prefix    []byte
	hasPrefix bool
	start     []byte // inclusive
	hasStart  bool
	end       []byte // inclusive
	hasEnd    bool
	warnings  []string
}

// parseWhere collects key conditions. Conditions on other columns are
// reported as warnings and ignored.
func parseWhere(expr sqlparser.Expr, q *keyQuery) {
	switch e := expr.(type) {
	case *sqlparser.ComparisonExpr:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok || !isKeyColumn(col) {
			q.warnings = append(q.warnings, "only conditions on k are supported")
			return
		}
		switch e.Operator {
		case "=":
			q.equals, q.hasEquals = extractBytes(e.Right), true
		case "like":
			val := extractBytes(e.Right)
			if p, ok := likePrefix(val); ok {
				q.prefix, q.hasPrefix = p, true
			} else {
				q.warnings = append(q.warnings, "LIKE only supports prefix matching (e.g., 'prefix%')")
			}
		case ">=":
			q.start, q.hasStart = extractBytes(e.Right), true
		case "<=":
			q.end, q.hasEnd = extractBytes(e.Right), true
		default:
			q.warnings = append(q.warnings, "unsupported operator on k: "+e.Operator)
		}
	case *sqlparser.RangeCond:
		if col, ok := e.Left.(*sqlparser.ColName); ok && isKeyColumn(col) {
			q.start, q.hasStart = extractBytes(e.From), true
			q.end, q.hasEnd = extractBytes(e.To), true
		}
	case *sqlparser.AndExpr:
		parseWhere(e.Left, q)
		parseWhere(e.Right, q)
	case *sqlparser.ParenExpr:
		parseWhere(e.Expr, q)
	default:
		q.warnings = append(q.warnings, "unsupported WHERE expression")
	}
}

func isKeyColumn(col *sqlparser.ColName) bool {
	qualifier := strings.ToLower(col.Qualifier.Name.String())
	return strings.ToLower(col.Name.String()) == "k" && (qualifier == "" || qualifier == "kv")
}

// likePrefix accepts 'abc%' and the hex marker produced by
// preprocessStartsWith.
func likePrefix(pattern []byte) ([]byte, bool) {
	s := string(pattern)
	if !strings.HasSuffix(s, "%") {
		return nil, false
	}
	s = s[:len(s)-1]
	if strings.HasPrefix(s, hexLikeMarker) {
		b, err := hex.DecodeString(s[len(hexLikeMarker):])
		if err != nil {
			return nil, false
		}
		return b, true
	}
	if strings.ContainsAny(s, "%_") {
		return nil, false
	}
	return []byte(s), true
}

// extractBytes returns the literal bytes of a string, hex or integer value.
func extractBytes(expr sqlparser.Expr) []byte {
	v, ok := expr.(*sqlparser.SQLVal)
	if !ok {
		return nil
	}
	switch v.Type {
	case sqlparser.StrVal, sqlparser.IntVal, sqlparser.FloatVal:
		return []byte(string(v.Val))
	case sqlparser.HexVal:
		b, err := hex.DecodeString(string(v.Val))
		if err != nil {
			return nil
		}
		return b
	}
	return nil
}

// isHexLiteral reports whether expr is x'...'.
func isHexLiteral(expr sqlparser.Expr) bool {
	v, ok := expr.(*sqlparser.SQLVal)
	return ok && v.Type == sqlparser.HexVal
}

const hexLikeMarker = "$$HEX$$"

// preprocessStartsWith converts "STARTS WITH" syntax to LIKE syntax before SQL parsing.
// Converts:
//   - k STARTS WITH x'14' → k LIKE '$$HEX$$14%'
//   - k STARTS WITH '14' → k LIKE '14%'
func preprocessStartsWith(sql string) string {
	lower := strings.ToLower(sql)
	idx := strings.Index(lower, "starts with")
	if idx == -1 {
		return sql
	}

	after := strings.TrimSpace(sql[idx+len("starts with"):])

	if len(after) >= 3 && (after[0] == 'x' || after[0] == 'X') && after[1] == '\'' {
		endQuote := strings.Index(after[2:], "'")
		if endQuote != -1 {
			hexVal := after[2 : 2+endQuote]
			rest := after[2+endQuote+1:]
			return sql[:idx] + "LIKE '" + hexLikeMarker + hexVal + "%'" + rest
		}
	} else if len(after) >= 2 && after[0] == '\'' {
		endQuote := strings.Index(after[1:], "'")
		if endQuote != -1 {
			strVal := after[1 : 1+endQuote]
			rest := after[1+endQuote+1:]
			return sql[:idx] + "LIKE '" + strVal + "%'" + rest
		}
	}
	return sql
}

// extractNestedField extracts a nested field value from a record using a dotted path.
// For example, path "address.city" extracts record["address"]["city"].
func extractNestedField(record map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = record
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
