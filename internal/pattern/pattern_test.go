package pattern

import "testing"

func TestCompilePrincipal(t *testing.T) {
	cases := []struct {
		pattern string
		id      string
		roles   []string
		want    bool
	}{
		{"*", "anyone", nil, true},
		{"admin-*", "admin-42", nil, true},
		{"admin-*", "42-admin", nil, false},
		{"*-viewer", "doc-viewer", nil, true},
		{"team-*-lead", "team-eng-lead", nil, true},
		{"team-*-lead", "team-eng-senior-lead", nil, true},
		{"*@example.com", "alice@example.com", nil, true},
		{"*@example.com", "alice@other.com", nil, false},
		{"group:finance", "anything", []string{"finance"}, true},
		{"group:finance", "anything", []string{"ops"}, false},
		{"john@example.com", "john@example.com", nil, true},
	}

	for _, tc := range cases {
		m, err := CompilePrincipal(tc.pattern)
		if err != nil {
			t.Fatalf("CompilePrincipal(%q): %v", tc.pattern, err)
		}
		if got := m.Matches(tc.id, tc.roles); got != tc.want {
			t.Errorf("pattern %q vs id %q roles %v: got %v, want %v", tc.pattern, tc.id, tc.roles, got, tc.want)
		}
	}
}

func TestCompilePrincipalCollapsesStars(t *testing.T) {
	m, err := CompilePrincipal("admin-**")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Matches("admin-x", nil) {
		t.Error("expected collapsed ** to behave as single *")
	}
}

func TestMatchAction(t *testing.T) {
	if !MatchAction("*", "anything") {
		t.Error("* should match any action")
	}
	if !MatchAction("read", "read") {
		t.Error("exact match should succeed")
	}
	if MatchAction("read", "write") {
		t.Error("mismatched actions should not match")
	}
	if MatchAction("read-*", "read-all") {
		t.Error("action patterns have no inner wildcards")
	}
}

func TestCacheBounded(t *testing.T) {
	c := NewCache(2)
	if _, err := c.GetOrCompile("a-*"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCompile("b-*"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCompile("c-*"); err != nil {
		t.Fatal(err)
	}
	if c.Len() > 2 {
		t.Errorf("expected cache bounded to 2 entries, got %d", c.Len())
	}
}

func TestCacheReusesCompiled(t *testing.T) {
	c := NewCache(10)
	m1, err := c.GetOrCompile("x-*")
	if err != nil {
		t.Fatal(err)
	}
	m2, err := c.GetOrCompile("x-*")
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Error("expected cached matcher to be reused by pointer identity")
	}
}
