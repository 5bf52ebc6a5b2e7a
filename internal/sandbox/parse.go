package sandbox

import (
	"encoding/json"
	"strings"
)

// ParseRunnerOutput applies the tolerant parse cascade shared by the
// cluster-job and remote-microsandbox providers: strict JSON, then a
// Python-literal-dict-equivalent (best-effort quote normalization), then
// the longest brace-delimited substring, then a line-by-line scan from the
// end. The first strategy that yields a JSON object wins. If none do, it
// returns a synthetic RUNNER_INTERNAL_ERROR result.
func ParseRunnerOutput(stdout, stderr string) Result {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return InternalError("Runner returned empty stdout.", "", stderr)
	}

	if r, ok := decodeResult(trimmed); ok {
		return r
	}
	if r, ok := decodeResult(normalizeLiteralDict(trimmed)); ok {
		return r
	}
	if start, end := strings.IndexByte(trimmed, '{'), strings.LastIndexByte(trimmed, '}'); start >= 0 && start < end {
		if r, ok := decodeResult(trimmed[start : end+1]); ok {
			return r
		}
	}
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if r, ok := decodeResult(line); ok {
			return r
		}
		if r, ok := decodeResult(normalizeLiteralDict(line)); ok {
			return r
		}
	}

	return InternalError("Runner returned invalid JSON.", truncate(trimmed, 4096), stderr)
}

func decodeResult(s string) (Result, bool) {
	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Result{}, false
	}
	return r, true
}

// normalizeLiteralDict rewrites the handful of Python-literal tokens a
// language-level dict repr might contain (single-quoted strings, True/
// False/None) into their JSON equivalents, so a runner wrapper that
// accidentally emits `repr(result)` instead of `json.dumps(result)` still
// parses. This is a best-effort textual normalization, not a Python parser.
func normalizeLiteralDict(s string) string {
	replacer := strings.NewReplacer(
		"True", "true",
		"False", "false",
		"None", "null",
	)
	out := replacer.Replace(s)
	return strings.ReplaceAll(out, "'", `"`)
}

// IsParseFailure reports whether result is the synthetic
// RUNNER_INTERNAL_ERROR produced by InternalError for an empty-stdout or
// invalid-JSON condition, as opposed to a runner-reported execution error.
// Cluster-job log fetches can briefly lag job completion; callers use this
// to decide whether a re-read is worth attempting.
func IsParseFailure(result Result) bool {
	if result.Status != "error" || result.Error == nil {
		return false
	}
	msg := strings.ToLower(result.Error.Message)
	return strings.Contains(msg, "empty stdout") || strings.Contains(msg, "invalid json")
}
