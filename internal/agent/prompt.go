package agent

import (
	"fmt"
	"strings"

	"github.com/csvanalyst/agent-server/internal/dataset"
)

// systemPromptTemplate states the agent's role and the rules that force it
// to actually execute a query rather than describe one.
const systemPromptTemplate = `You are a careful data analyst assistant. You have access to tools that let you discover datasets and run queries against them.

Rules:
- Default to execute_sql for data questions.
- Use execute_query_plan only when you want a structured query plan instead of hand-written SQL.
- Use execute_python only when the user explicitly asks for pandas/Python.
- If a user asks for any value derived from the dataset (count, top, max/min, trend, date, aggregate), you MUST execute an execution tool before answering.
- Never describe a query you would run without actually running it.
- For greetings, capability questions, or schema questions you can answer from tool output, reply in text without executing a query.
- Always keep result sets to <= %d rows.
- Never suggest or generate DDL/DML (DROP, INSERT, UPDATE, etc.).
- If an execution tool reports a missing table or column error, call get_dataset_schema once to recheck the schema, then retry with corrected names. Do this at most once.
`

// maxColumnsPreviewed caps how many columns of a table are listed in the
// dataset system-prompt fragment.
const maxColumnsPreviewed = 30

// BuildSystemPrompt returns the fixed role/rules fragment, parameterized by
// the configured row cap.
func BuildSystemPrompt(maxRows int) string {
	return fmt.Sprintf(systemPromptTemplate, maxRows)
}

// DatasetFragment lists ds's tables and up to maxColumnsPreviewed columns
// each, so the model knows what it can query without calling
// get_dataset_schema first.
func DatasetFragment(ds dataset.Descriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %q (%s):\n", ds.ID, ds.Name)
	for _, f := range ds.Files {
		fmt.Fprintf(&b, "- table %q, columns: ", f.Table())
		names := make([]string, 0, len(f.Schema))
		for name := range f.Schema {
			names = append(names, name)
		}
		if len(names) > maxColumnsPreviewed {
			names = names[:maxColumnsPreviewed]
		}
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

// PriorRun summarizes the most recent successful in-thread run, for
// follow-up questions ("now break that down by month").
type PriorRun struct {
	Mode        string
	RowCount    int
	Columns     []string
	CompiledSQL string
	PythonCode  string
}

// maxSnippetLen bounds how much of a prior compiled SQL/Python snippet is
// echoed back into the prompt.
const maxSnippetLen = 280

// PriorRunFragment summarizes prior into a short system message, or returns
// "" when there is nothing to summarize (prior is nil).
func PriorRunFragment(prior *PriorRun) string {
	if prior == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The most recent successful run in this thread used mode %q and returned %d row(s)", prior.Mode, prior.RowCount)
	if len(prior.Columns) > 0 {
		fmt.Fprintf(&b, " with columns: %s", strings.Join(prior.Columns, ", "))
	}
	b.WriteString(".\n")
	if snippet := truncateSnippet(prior.CompiledSQL); snippet != "" {
		fmt.Fprintf(&b, "Compiled SQL: %s\n", snippet)
	}
	if snippet := truncateSnippet(prior.PythonCode); snippet != "" {
		fmt.Fprintf(&b, "Python code: %s\n", snippet)
	}
	return b.String()
}

func truncateSnippet(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= maxSnippetLen {
		return s
	}
	return s[:maxSnippetLen] + "…"
}
