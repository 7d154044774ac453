package status

import (
	"strings"
	"testing"

	"github.com/msageha/conductor/internal/detect"
	"github.com/msageha/conductor/internal/model"
)

type stubTasks map[string]*model.Task

func (s stubTasks) Get(workerID string) (*model.Task, error) {
	return s[workerID], nil
}

type stubMail map[string]int

func (s stubMail) UnreadCount(workerID string) int {
	return s[workerID]
}

func TestPhaseFor(t *testing.T) {
	assigned := &model.Task{Status: model.StatusAssigned}
	tests := []struct {
		name   string
		task   *model.Task
		state  detect.State
		unread int
		want   Phase
	}{
		{"no task", nil, detect.StateIdle, 0, PhaseReadyNoTask},
		{"done task counts as ready", &model.Task{Status: model.StatusDone}, detect.StateIdle, 0, PhaseReadyNoTask},
		{"blocked", &model.Task{Status: model.StatusBlocked}, detect.StateIdle, 2, PhaseBlocked},
		{"busy wins over mail", assigned, detect.StateBusy, 3, PhaseAssignedBusy},
		{"idle with mail", assigned, detect.StateIdle, 1, PhaseAssignedIdleUnnotified},
		{"idle no mail", assigned, detect.StateIdle, 0, PhaseAssignedIdleNotified},
		{"absent with mail still counts as undelivered", assigned, detect.StateAbsent, 1, PhaseAssignedIdleUnnotified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PhaseFor(tt.task, tt.state, tt.unread); got != tt.want {
				t.Errorf("PhaseFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCollect(t *testing.T) {
	workers := []model.Worker{
		{ID: "worker2", Model: "sonnet", CLI: model.CLIClaude},
		{ID: "worker1", Model: "opus", CLI: model.CLIClaude},
	}
	tasks := stubTasks{
		"worker1": {ID: "task_0000000001_00000001", Status: model.StatusAssigned, Description: "refactor parser"},
	}
	mail := stubMail{"worker1": 2}

	fleet := Collect(workers, tasks, mail, func(model.Worker) detect.State {
		return detect.StateIdle
	})

	if len(fleet.Workers) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(fleet.Workers))
	}
	// Sorted by worker id.
	if fleet.Workers[0].WorkerID != "worker1" || fleet.Workers[1].WorkerID != "worker2" {
		t.Errorf("rows not sorted: %+v", fleet.Workers)
	}

	w1 := fleet.Workers[0]
	if w1.Phase != string(PhaseAssignedIdleUnnotified) {
		t.Errorf("worker1 phase = %s, want %s", w1.Phase, PhaseAssignedIdleUnnotified)
	}
	if w1.Unread != 2 {
		t.Errorf("worker1 unread = %d, want 2", w1.Unread)
	}
	if w1.TaskID != "task_0000000001_00000001" {
		t.Errorf("worker1 task = %s", w1.TaskID)
	}

	w2 := fleet.Workers[1]
	if w2.Phase != string(PhaseReadyNoTask) {
		t.Errorf("worker2 phase = %s, want %s", w2.Phase, PhaseReadyNoTask)
	}
}

func TestRender(t *testing.T) {
	fleet := Fleet{
		GeneratedAt: "2026-08-29T00:00:00Z",
		Workers: []WorkerStatus{
			{WorkerID: "worker1", Model: "opus", CLI: "claude", Activity: "idle", Phase: "idle", Unread: 0},
			{WorkerID: "worker2", Model: "sonnet", CLI: "claude", Activity: "busy", Phase: "working",
				TaskID: "task_0000000001_00000001", TaskStatus: "assigned", TaskDesc: "write docs", Unread: 1},
		},
	}

	var sb strings.Builder
	if err := Render(&sb, fleet); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := sb.String()

	for _, want := range []string{"WORKER", "worker1", "worker2", "task_0000000001_00000001", "[assigned]", "write docs"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRender_Empty(t *testing.T) {
	var sb strings.Builder
	if err := Render(&sb, Fleet{}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(sb.String(), "no workers") {
		t.Errorf("unexpected output: %s", sb.String())
	}
}
