// sqlsafety validates LLM-generated SQL for the llm_find_orders tool
// before it ever reaches Postgres. Shaped after the gateway's OPA policy
// decision (Allow / Deny / Warn), repurposed here from request routing
// policy into a SQL allow-list check — the same Decision shape, a
// different domain.
package verifyagent

import (
	"fmt"
	"regexp"
	"strings"
)

type SQLDecision struct {
	Allow bool
	Deny  []string
	Warn  []string
}

var allowedTables = map[string]bool{
	"customers":     true,
	"orders":        true,
	"order_items":   true,
	"refund_cases":  true,
}

var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "truncate", "grant",
	"revoke", "create", "exec", "execute", "call", "merge",
	"pg_catalog", "information_schema",
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)
var limitPattern = regexp.MustCompile(`(?i)LIMIT\s+\$(\d+)\s*$`)

// CheckSQL validates a single generated SQL statement against the
// allow-list policy described in SPEC_FULL.md §4.P.1: must start with
// SELECT, must end with a literal parameterized LIMIT, no semicolons, no
// comments, no DDL/DML verbs, no catalog introspection, no bare UNION or
// WITH, every referenced table in the allow-list, and the final bound
// parameter (the limit value) must not exceed maxLimit.
func CheckSQL(sql string, paramCount int, args []interface{}, maxLimit int) SQLDecision {
	d := SQLDecision{Allow: true}
	trimmed := strings.TrimSpace(sql)
	lower := strings.ToLower(trimmed)

	if !strings.HasPrefix(lower, "select") {
		d.Allow = false
		d.Deny = append(d.Deny, "statement must start with SELECT")
	}
	if strings.Contains(trimmed, ";") {
		d.Allow = false
		d.Deny = append(d.Deny, "statement must not contain a semicolon")
	}
	if strings.Contains(trimmed, "--") || strings.Contains(trimmed, "/*") {
		d.Allow = false
		d.Deny = append(d.Deny, "statement must not contain comments")
	}
	for _, kw := range forbiddenKeywords {
		if containsWord(lower, kw) {
			d.Allow = false
			d.Deny = append(d.Deny, fmt.Sprintf("forbidden keyword %q", kw))
		}
	}
	if containsWord(lower, "union") {
		d.Allow = false
		d.Deny = append(d.Deny, "bare UNION is not permitted")
	}
	if strings.HasPrefix(lower, "with") {
		d.Allow = false
		d.Deny = append(d.Deny, "WITH (CTE) statements are not permitted")
	}

	match := limitPattern.FindStringSubmatch(trimmed)
	if match == nil {
		d.Allow = false
		d.Deny = append(d.Deny, "statement must end with a parameterized LIMIT $n")
	}

	placeholders := placeholderPattern.FindAllString(trimmed, -1)
	if len(placeholders) != paramCount {
		d.Allow = false
		d.Deny = append(d.Deny, fmt.Sprintf("expected %d bound parameters, found %d placeholders", paramCount, len(placeholders)))
	}

	for table := range extractTableNames(lower) {
		if !allowedTables[table] {
			d.Allow = false
			d.Deny = append(d.Deny, fmt.Sprintf("table %q is not in the allow-list", table))
		}
	}

	if match != nil && len(args) > 0 {
		if limitVal, ok := toInt(args[len(args)-1]); ok && limitVal > maxLimit {
			d.Allow = false
			d.Deny = append(d.Deny, fmt.Sprintf("limit %d exceeds max_limit %d", limitVal, maxLimit))
		}
	}

	return d
}

func containsWord(haystack, word string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	return re.MatchString(haystack)
}

var fromJoinPattern = regexp.MustCompile(`(?:from|join)\s+([a-z_][a-z0-9_]*)`)

func extractTableNames(lowerSQL string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range fromJoinPattern.FindAllStringSubmatch(lowerSQL, -1) {
		out[m[1]] = true
	}
	return out
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
