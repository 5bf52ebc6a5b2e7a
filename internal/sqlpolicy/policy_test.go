package sqlpolicy

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		wantOK  bool
		wantMsg string
	}{
		{"simple select", "SELECT * FROM tickets", true, ""},
		{"with cte", "WITH t AS (SELECT 1) SELECT * FROM t", true, ""},
		{"trailing semicolon allowed", "SELECT 1;", true, ""},
		{"leading/trailing whitespace", "  select 1  ", true, ""},
		{"not select", "UPDATE tickets SET x=1", false, "Only SELECT/WITH queries are allowed."},
		{"drop rejected", "DROP TABLE tickets", false, "Only SELECT/WITH queries are allowed."},
		{"multiple statements", "SELECT 1; DROP TABLE tickets", false, "Multiple SQL statements are not allowed."},
		{"semicolon before blocked token", "SELECT * FROM tickets WHERE 1=1; DELETE FROM tickets", false, "Multiple SQL statements are not allowed."},
		{"created_at not blocked", "SELECT MAX(created_at) FROM tickets", true, ""},
		{"create blocked as whole word", "SELECT * FROM tickets CREATE", false, "SQL contains blocked token: create"},
		{"pragma blocked", "SELECT * FROM pragma.table_info('x')", false, "SQL contains blocked token: pragma"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Validate(tc.sql)
			if tc.wantOK && got != "" && tc.wantMsg == "" {
				t.Fatalf("Validate(%q) = %q, want ok", tc.sql, got)
			}
			if tc.wantMsg != "" && got != tc.wantMsg {
				t.Fatalf("Validate(%q) = %q, want %q", tc.sql, got, tc.wantMsg)
			}
		})
	}
}

func TestValidate_WholeWordBoundary(t *testing.T) {
	// "created_at" must not match the "create" blocklist entry.
	if got := Validate("SELECT created_at FROM tickets"); got != "" {
		t.Fatalf("Validate() = %q, want ok (word boundary false positive)", got)
	}
}

func TestNormalizeForDataset(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		ds   string
		want string
	}{
		{"bare qualifier", "SELECT * FROM support.tickets", "support", "SELECT * FROM tickets"},
		{"quoted qualifier", `SELECT * FROM "support".tickets`, "support", "SELECT * FROM tickets"},
		{"case insensitive", "SELECT * FROM SUPPORT.tickets", "support", "SELECT * FROM tickets"},
		{"no qualifier present", "SELECT * FROM tickets", "support", "SELECT * FROM tickets"},
		{"empty dataset id", "SELECT * FROM support.tickets", "", "SELECT * FROM support.tickets"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeForDataset(tc.sql, tc.ds); got != tc.want {
				t.Fatalf("NormalizeForDataset(%q, %q) = %q, want %q", tc.sql, tc.ds, got, tc.want)
			}
		})
	}
}

func TestNormalizeForDataset_Idempotent(t *testing.T) {
	cases := []struct{ sql, ds string }{
		{"SELECT * FROM support.tickets", "support"},
		{`SELECT * FROM "support".tickets WHERE support.tickets.id = 1`, "support"},
		{"SELECT * FROM tickets", "support"},
	}
	for _, c := range cases {
		once := NormalizeForDataset(c.sql, c.ds)
		twice := NormalizeForDataset(once, c.ds)
		if once != twice {
			t.Fatalf("NormalizeForDataset not idempotent: once=%q twice=%q", once, twice)
		}
	}
}
