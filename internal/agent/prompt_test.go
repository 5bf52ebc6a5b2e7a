package agent

import (
	"strings"
	"testing"

	"github.com/csvanalyst/agent-server/internal/dataset"
)

func TestBuildSystemPrompt_EmbedsRowCap(t *testing.T) {
	prompt := BuildSystemPrompt(150)
	if !strings.Contains(prompt, "150 rows") {
		t.Fatalf("prompt does not mention row cap: %s", prompt)
	}
}

func TestDatasetFragment_ListsTablesAndColumns(t *testing.T) {
	ds := dataset.Descriptor{
		ID:   "support",
		Name: "Support Tickets",
		Files: []dataset.File{
			{Name: "tickets.csv", Path: "support/tickets.csv", Schema: map[string]dataset.Column{
				"priority": {Type: "string"},
			}},
		},
	}
	fragment := DatasetFragment(ds)
	if !strings.Contains(fragment, "support") || !strings.Contains(fragment, "tickets") || !strings.Contains(fragment, "priority") {
		t.Fatalf("fragment missing expected content: %s", fragment)
	}
}

func TestPriorRunFragment_NilReturnsEmpty(t *testing.T) {
	if got := PriorRunFragment(nil); got != "" {
		t.Fatalf("PriorRunFragment(nil) = %q, want empty", got)
	}
}

func TestPriorRunFragment_SummarizesRun(t *testing.T) {
	prior := &PriorRun{Mode: "sql", RowCount: 4018, Columns: []string{"total_orders"}, CompiledSQL: "SELECT COUNT(*) AS total_orders FROM orders"}
	fragment := PriorRunFragment(prior)
	if !strings.Contains(fragment, "sql") || !strings.Contains(fragment, "4018") {
		t.Fatalf("fragment = %q", fragment)
	}
}

func TestPriorRunFragment_TruncatesLongSnippet(t *testing.T) {
	long := strings.Repeat("a", maxSnippetLen+50)
	prior := &PriorRun{Mode: "sql", CompiledSQL: long}
	fragment := PriorRunFragment(prior)
	if strings.Contains(fragment, long) {
		t.Fatal("expected snippet to be truncated")
	}
}
