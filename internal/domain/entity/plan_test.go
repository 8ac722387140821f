package entity

import (
	"strings"
	"testing"
)

func TestToActiveForm(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add validation", "Adding validation"},
		{"Create file", "Creating file"},
		{"Create new file", "Creating new file"},
		{"Fix bug", "Fixing bug"},
		{"Fix the bug", "Fixing the bug"},
		{"Run tests", "Running tests"},
		{"Set config", "Setting config"},
		{"Update", "Updating"},
		{"Modify schema", "Modifying schema"},
		{"remove dead code", "removing dead code"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ToActiveForm(tt.in); got != tt.want {
			t.Errorf("ToActiveForm(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStepStatusTerminal(t *testing.T) {
	if StepPending.IsTerminal() || StepInProgress.IsTerminal() {
		t.Error("pending/in_progress must not be terminal")
	}
	for _, s := range []StepStatus{StepCompleted, StepFailed, StepSkipped} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestPlanStatusTerminal(t *testing.T) {
	for _, s := range []PlanStatus{PlanCompleted, PlanFailed, PlanCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []PlanStatus{PlanPlanning, PlanReady, PlanAwaitingApproval, PlanExecuting} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPlanProgress(t *testing.T) {
	plan := NewPlan("plan-1", "test request")
	plan.Title = "Test Plan"

	s1 := NewStep("s1", "Step one")
	s1.Status = StepCompleted
	s2 := NewStep("s2", "Step two")
	plan.Groups = []*StepGroup{{ID: "g1", Steps: []*UnifiedStep{s1, s2}}}

	if plan.TotalSteps() != 2 {
		t.Fatalf("expected 2 steps, got %d", plan.TotalSteps())
	}
	if plan.CompletedSteps() != 1 {
		t.Fatalf("expected 1 completed, got %d", plan.CompletedSteps())
	}
	if plan.Progress() != 50 {
		t.Fatalf("expected 50%%, got %v", plan.Progress())
	}
}

func TestMarkCompletedWithFailures(t *testing.T) {
	plan := NewPlan("plan-1", "req")
	s := NewStep("s1", "Do thing")
	s.Status = StepFailed
	plan.Groups = []*StepGroup{{ID: "g1", Steps: []*UnifiedStep{s}}}

	plan.MarkExecuting()
	if plan.StartedAt == nil {
		t.Fatal("expected StartedAt to be set")
	}
	plan.MarkCompleted()
	if plan.Status != PlanFailed {
		t.Fatalf("expected failed status, got %s", plan.Status)
	}
	if plan.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestSummaryFormat(t *testing.T) {
	plan := NewPlan("plan-1", "req")
	plan.Title = "Rename"
	s := NewStep("s1", "Rename function")
	s.Status = StepCompleted
	plan.Groups = []*StepGroup{{ID: "g1", Steps: []*UnifiedStep{s}}}

	sum := plan.Summary()
	if !strings.Contains(sum, "1/1 steps") {
		t.Errorf("summary should contain step ratio, got %q", sum)
	}
}

func TestValidateGroupsOrder(t *testing.T) {
	plan := NewPlan("p", "req")
	plan.Groups = []*StepGroup{
		{ID: "g2", DependsOn: []string{"g1"}},
		{ID: "g1"},
		{ID: "g3", DependsOn: []string{"g2"}},
	}
	ordered, err := plan.ValidateGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(ordered) != 3 || ordered[0].ID != "g1" || ordered[1].ID != "g2" || ordered[2].ID != "g3" {
		t.Fatalf("unexpected order: %v %v %v", ordered[0].ID, ordered[1].ID, ordered[2].ID)
	}
}

func TestValidateGroupsCycle(t *testing.T) {
	plan := NewPlan("p", "req")
	plan.Groups = []*StepGroup{
		{ID: "g1", DependsOn: []string{"g2"}},
		{ID: "g2", DependsOn: []string{"g1"}},
	}
	if _, err := plan.ValidateGroups(); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestValidateGroupsSelfDependency(t *testing.T) {
	plan := NewPlan("p", "req")
	plan.Groups = []*StepGroup{{ID: "g1", DependsOn: []string{"g1"}}}
	if _, err := plan.ValidateGroups(); err == nil {
		t.Fatal("expected self-dependency error")
	}
}

func TestSubagentKindWhitelists(t *testing.T) {
	if !SubagentCodeAnalyzer.IsToolAllowed("read_file") {
		t.Error("analyzer should read files")
	}
	if SubagentCodeAnalyzer.IsToolAllowed("write_file") {
		t.Error("analyzer is read-only")
	}
	if !SubagentTester.IsToolAllowed("bash") {
		t.Error("tester should run bash")
	}
	if SubagentRefactorer.IsToolAllowed("write_file") {
		t.Error("refactorer must not write whole files")
	}
	if SubagentRefactorer.IsToolAllowed("bash") {
		t.Error("refactorer must not run bash")
	}
	if !SubagentRefactorer.IsToolAllowed("edit_file") {
		t.Error("refactorer edits files")
	}
	if !SubagentDocumenter.IsToolAllowed("edit_file") || !SubagentDocumenter.IsToolAllowed("write_file") {
		t.Error("documenter writes and edits")
	}
}
