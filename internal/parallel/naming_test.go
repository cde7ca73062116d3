package parallel

import "testing"

func TestNaming(t *testing.T) {
	n := NewNaming("", "0123456789abcdef")
	if got := n.UnitBranch(2, "Add retry logic!"); got != "ralph/01234567-unit-2-add-retry-logic" {
		t.Errorf("UnitBranch() = %q", got)
	}
	if got := n.UnitBranch(3, "???"); got != "ralph/01234567-unit-3" {
		t.Errorf("UnitBranch() with empty slug = %q", got)
	}
	if got := n.IntegrationBranch(); got != "ralph/01234567-integration" {
		t.Errorf("IntegrationBranch() = %q", got)
	}
	if got := NewNaming("team/", "abc").UnitPrefix(); got != "team/abc-unit-" {
		t.Errorf("UnitPrefix() = %q", got)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Simple", "simple"},
		{"Use `go test ./...` in CI", "use-go-test-in-ci"},
		{"  leading and trailing  ", "leading-and-trailing"},
		{"café ünïcode", "caf-n-code"},
		{"a very long checklist item that keeps on going", "a-very-long-checklist-item-tha"},
		{"ends with separator at thirty-x", "ends-with-separator-at-thirty"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSummaryErr(t *testing.T) {
	s := Summary{Units: []Unit{{Status: UnitDone}, {Status: UnitDone}}}
	s.count()
	if s.Done != 2 || s.Err() != nil {
		t.Errorf("all merged: %+v, %v", s, s.Err())
	}

	s.Units = append(s.Units, Unit{Status: UnitFailed}, Unit{Status: UnitMergeConflict}, Unit{Status: UnitPending})
	s.count()
	if s.Done != 2 || s.Failed != 2 || s.Conflicted != 1 {
		t.Errorf("counts = %+v", s)
	}
	if err := s.Err(); err == nil || err.Error() == "" {
		t.Error("Err() should report unmerged units")
	}
}
