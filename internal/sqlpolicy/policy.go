// Package sqlpolicy gates user- and model-supplied SQL before it reaches a
// sandbox executor. It enforces a read-only subset (SELECT/WITH only, no
// multiple statements, no DDL/DML tokens) and normalizes dataset-qualified
// table references so callers may write either "support.tickets" or
// "tickets".
package sqlpolicy

import (
	"regexp"
	"strings"
)

// blockedTokens are rejected as whole words anywhere in the statement. The
// word-boundary rule is load-bearing: "created_at" must not match "create".
var blockedTokens = []string{
	"drop", "delete", "insert", "update", "create", "alter",
	"attach", "install", "load", "pragma", "call", "copy", "export",
}

var blockedPatterns = compileBlockedPatterns(blockedTokens)

func compileBlockedPatterns(tokens []string) map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp, len(tokens))
	for _, t := range tokens {
		patterns[t] = regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9_])` + regexp.QuoteMeta(t) + `(?:$|[^A-Za-z0-9_])`)
	}
	return patterns
}

// Validate checks sql against the read-only policy. It returns an empty
// string when the statement is allowed, or a human-readable rejection
// reason otherwise. Rejection is a first-class result, not an error: callers
// propagate the reason as a structured SQL_POLICY_VIOLATION envelope.
func Validate(sql string) string {
	clean := strings.TrimSpace(sql)
	lowered := strings.ToLower(clean)

	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return "Only SELECT/WITH queries are allowed."
	}

	if containsNonTrailingSemicolon(clean) {
		return "Multiple SQL statements are not allowed."
	}

	for _, token := range blockedTokens {
		if blockedPatterns[token].MatchString(lowered) {
			return "SQL contains blocked token: " + token
		}
	}

	return ""
}

// containsNonTrailingSemicolon reports whether sql has a semicolon anywhere
// other than a run of trailing semicolons/whitespace.
func containsNonTrailingSemicolon(sql string) bool {
	trimmed := strings.TrimRight(sql, "; \t\n\r")
	return strings.ContainsRune(trimmed, ';')
}

// datasetQualifierPattern matches a leading `"<dataset_id>".` or
// `<dataset_id>.` qualifier, case-insensitively, with optional whitespace
// around the dot.
func datasetQualifierPattern(datasetID string) *regexp.Regexp {
	quoted := `"` + regexp.QuoteMeta(datasetID) + `"\s*\.\s*`
	bare := `\b` + regexp.QuoteMeta(datasetID) + `\s*\.\s*`
	return regexp.MustCompile(`(?i)(?:` + quoted + `|` + bare + `)`)
}

// NormalizeForDataset strips a leading `"<dataset_id>".` or `<dataset_id>.`
// qualifier from every table reference in sql, case-insensitively, so a
// caller may write either "support.tickets" or "tickets". Applying this
// function twice is a no-op: NormalizeForDataset(NormalizeForDataset(s, d),
// d) == NormalizeForDataset(s, d).
func NormalizeForDataset(sql, datasetID string) string {
	if datasetID == "" {
		return sql
	}
	return datasetQualifierPattern(datasetID).ReplaceAllString(sql, "")
}
