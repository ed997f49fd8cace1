package domain

import "testing"

func TestPipelineRun_PauseReasonInvariant(t *testing.T) {
	run := NewPipelineRun("tenant-1", "task-1")

	if run.Status != RunRunning {
		t.Fatalf("new run status = %s, want running", run.Status)
	}
	if !run.CanResume() {
		t.Fatal("new run should have no pause reasons")
	}

	if err := run.AddPauseReason(PauseInsufficientCredit); err != nil {
		t.Fatalf("add pause reason: %v", err)
	}
	if run.Status != RunPaused {
		t.Fatalf("status = %s, want paused after adding a reason", run.Status)
	}
	if run.PausedAt == nil {
		t.Fatal("paused_at not set")
	}
	if run.CanResume() {
		t.Fatal("can_resume must be false while a reason is present")
	}

	// Adding the same reason twice does not duplicate it.
	if err := run.AddPauseReason(PauseInsufficientCredit); err != nil {
		t.Fatalf("re-add pause reason: %v", err)
	}
	if len(run.PauseReasons) != 1 {
		t.Fatalf("pause reasons = %v, want exactly one", run.PauseReasons)
	}

	if !run.RemovePauseReason(PauseInsufficientCredit) {
		t.Fatal("remove should report the reason was present")
	}
	if !run.CanResume() {
		t.Fatal("can_resume must be true once reasons are empty")
	}
	// Status stays paused until an explicit resume.
	if run.Status != RunPaused {
		t.Fatalf("status = %s, want paused until Resume is called", run.Status)
	}

	if err := run.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if run.Status != RunRunning || run.PausedAt != nil {
		t.Fatalf("resume did not restore running state: %s %v", run.Status, run.PausedAt)
	}
}

func TestPipelineRun_ResumeBlockedWhileReasonsRemain(t *testing.T) {
	run := NewPipelineRun("tenant-1", "task-1")
	_ = run.AddPauseReason(PauseAwaitingApproval)
	_ = run.AddPauseReason(PauseRejection)

	run.RemovePauseReason(PauseAwaitingApproval)

	err := run.Resume()
	if CodeOf(err) != CodeCannotResume {
		t.Fatalf("resume error = %v, want CANNOT_RESUME", err)
	}
}

func TestPipelineRun_ResumeRequiresPaused(t *testing.T) {
	run := NewPipelineRun("tenant-1", "task-1")
	if err := run.Resume(); CodeOf(err) != CodeNotPaused {
		t.Fatalf("resume on running run = %v, want NOT_PAUSED", err)
	}
}

func TestPipelineRun_TerminalIsImmutable(t *testing.T) {
	run := NewPipelineRun("tenant-1", "task-1")
	if err := run.Transition(RunCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if run.CompletedAt == nil {
		t.Fatal("terminal transition must set completed_at")
	}

	if err := run.Transition(RunRunning); err == nil {
		t.Fatal("terminal run accepted a transition")
	}
	if err := run.AddPauseReason(PauseRejection); err == nil {
		t.Fatal("terminal run accepted a pause reason")
	}
	if err := run.Fail("late failure"); err == nil {
		t.Fatal("terminal run accepted Fail")
	}
}

func TestPipelineRun_FailRecordsMessage(t *testing.T) {
	run := NewPipelineRun("tenant-1", "task-1")
	if err := run.Fail("agent exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if run.Status != RunFailed || run.ErrorMessage != "agent exploded" {
		t.Fatalf("unexpected failed state: %s %q", run.Status, run.ErrorMessage)
	}
}

func TestTask_Transitions(t *testing.T) {
	task := NewTask("tenant-1", "proj-1", "build api", map[string]any{"requirement": "Build API"})
	if task.Status != TaskDraft {
		t.Fatalf("new task status = %s, want draft", task.Status)
	}

	for _, to := range []TaskStatus{TaskQueued, TaskRunning, TaskCompleted} {
		if err := task.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	if err := task.Transition(TaskRunning); CodeOf(err) != CodeInvalidTaskStatus {
		t.Fatalf("completed task accepted a transition: %v", err)
	}

	// Backwards transitions are never allowed.
	task2 := NewTask("tenant-1", "proj-1", "t2", map[string]any{"k": "v"})
	_ = task2.Transition(TaskQueued)
	if err := task2.Transition(TaskDraft); err == nil {
		t.Fatal("queued -> draft accepted")
	}
}

func TestValidateInputSpec(t *testing.T) {
	cases := []struct {
		name    string
		spec    map[string]any
		wantErr bool
	}{
		{"valid flat", map[string]any{"requirement": "Build API", "priority": 1}, false},
		{"valid nested", map[string]any{"cfg": map[string]any{"langs": []any{"go", "python"}, "strict": true, "note": nil}}, false},
		{"empty spec", map[string]any{}, true},
		{"nil spec", nil, true},
		{"empty key", map[string]any{"": "x"}, true},
		{"empty nested key", map[string]any{"cfg": map[string]any{"": 1}}, true},
		{"unsupported type", map[string]any{"when": struct{}{}}, true},
		{"unsupported in list", map[string]any{"xs": []any{"ok", make(chan int)}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateInputSpec(tc.spec)
			if tc.wantErr && CodeOf(err) != CodeInvalidInputSpec {
				t.Fatalf("err = %v, want INVALID_INPUT_SPEC", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
