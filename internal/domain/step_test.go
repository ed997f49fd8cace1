package domain

import "testing"

func TestSteps_FixedAgentMapping(t *testing.T) {
	want := map[StepType]AgentType{
		StepAnalysis:     AgentArchitect,
		StepUserStories:  AgentPM,
		StepCodeSkeleton: AgentEngineer,
		StepTestCases:    AgentQA,
	}
	if len(Steps) != 4 {
		t.Fatalf("step table has %d entries, want 4", len(Steps))
	}
	for i, spec := range Steps {
		if spec.Number != i+1 {
			t.Fatalf("step %d numbered %d", i, spec.Number)
		}
		if want[spec.Type] != spec.Agent {
			t.Fatalf("step %s mapped to %s, want %s", spec.Type, spec.Agent, want[spec.Type])
		}
	}
}

func TestStepRun_RetryCounting(t *testing.T) {
	step := NewStepRun("tenant-1", "run-1", Steps[1])
	if step.MaxRetries != DefaultMaxRetries {
		t.Fatalf("max_retries = %d, want %d", step.MaxRetries, DefaultMaxRetries)
	}

	if err := step.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := step.Fail("agent timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if step.RetryCount != 1 {
		t.Fatalf("retry_count = %d after first failure, want 1", step.RetryCount)
	}
	if !step.Retryable() {
		t.Fatal("step with budget left must be retryable")
	}

	// Exhaust the budget.
	for step.Retryable() {
		if err := step.Start(); err != nil {
			t.Fatalf("restart: %v", err)
		}
		if err := step.Fail("agent timeout"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	if step.RetryCount != step.MaxRetries {
		t.Fatalf("retry_count = %d, want %d", step.RetryCount, step.MaxRetries)
	}
	if step.Retryable() {
		t.Fatal("exhausted step must not be retryable")
	}

	// A further failure never pushes retry_count past the budget.
	_ = step.Start()
	_ = step.Fail("again")
	if step.RetryCount > step.MaxRetries {
		t.Fatalf("retry_count %d exceeded max_retries %d", step.RetryCount, step.MaxRetries)
	}
}

func TestStepRun_InputSnapshotFrozenOnce(t *testing.T) {
	step := NewStepRun("tenant-1", "run-1", Steps[0])

	first := map[string]any{"requirement": "Build API"}
	step.FreezeInput(first)
	step.FreezeInput(map[string]any{"requirement": "changed later"})

	if step.InputSnapshot["requirement"] != "Build API" {
		t.Fatalf("input snapshot mutated: %v", step.InputSnapshot)
	}
}

func TestStepRun_CompleteClearsError(t *testing.T) {
	step := NewStepRun("tenant-1", "run-1", Steps[2])
	_ = step.Start()
	_ = step.Fail("first try")
	_ = step.Start()

	if err := step.Complete(map[string]any{"files": []any{"main.go"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if step.Status != StepCompleted || step.ErrorMessage != "" || step.CompletedAt == nil {
		t.Fatalf("unexpected completed state: %+v", step)
	}

	if err := step.Complete(nil); err == nil {
		t.Fatal("completing a completed step accepted")
	}
}

func TestStepRun_CancelPreservesTerminal(t *testing.T) {
	done := NewStepRun("tenant-1", "run-1", Steps[0])
	_ = done.Start()
	_ = done.Complete(map[string]any{"summary": "ok"})

	if done.Cancel() {
		t.Fatal("completed step must not be cancelled")
	}
	if done.Status != StepCompleted {
		t.Fatalf("completed step changed to %s", done.Status)
	}

	pending := NewStepRun("tenant-1", "run-1", Steps[1])
	if !pending.Cancel() {
		t.Fatal("pending step should cancel")
	}
	if pending.Status != StepCancelled || pending.CompletedAt == nil {
		t.Fatalf("unexpected cancelled state: %+v", pending)
	}
}

func TestParseArtifactType_LegacyAliases(t *testing.T) {
	cases := map[string]ArtifactType{
		"ANALYSIS_REPORT": ArtifactAnalysisReport,
		"USER_STORIES":    ArtifactUserStories,
		"CODE_FILES":      ArtifactCodeFiles,
		"TEST_SUITE":      ArtifactTestSuite,
		"document":        ArtifactAnalysisReport,
		"code":            ArtifactCodeFiles,
	}
	for in, want := range cases {
		got, err := ParseArtifactType(in)
		if err != nil || got != want {
			t.Fatalf("ParseArtifactType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseArtifactType("SPREADSHEET"); CodeOf(err) != CodeInvalidArtifactType {
		t.Fatalf("unknown type error = %v, want INVALID_ARTIFACT_TYPE", err)
	}
}
