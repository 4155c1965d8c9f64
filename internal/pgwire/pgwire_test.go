package pgwire

import "testing"

func TestParseServerVersion(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"9.4.26", 90426},
		{"9.2.4", 90204},
		{"9.6", 90600},
		{"14.5", 140005},
		{"12beta1", 120000},
		{"10.23 (Ubuntu 10.23-1)", 100023},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseServerVersion(tt.in); got != tt.want {
			t.Errorf("parseServerVersion(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"users", `"users"`},
		{`we"ird`, `"we""ird"`},
		{"Mixed Case", `"Mixed Case"`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.in); got != tt.want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestQualifiedName(t *testing.T) {
	if got := QualifiedName("public", "t1"); got != `"public"."t1"` {
		t.Errorf("QualifiedName = %s", got)
	}
	if got := QualifiedName("", "t1"); got != `"t1"` {
		t.Errorf("QualifiedName without schema = %s", got)
	}
}

func TestQuoteLiteral(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "'plain'"},
		{"o'brien", "'o''brien'"},
		{"", "''"},
	}
	for _, tt := range tests {
		if got := QuoteLiteral(tt.in); got != tt.want {
			t.Errorf("QuoteLiteral(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
