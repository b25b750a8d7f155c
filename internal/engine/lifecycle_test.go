package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crewcallhq/crewcall/internal/crew"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *MemoryStore, *crew.MemoryDirectory) {
	t.Helper()
	store := NewMemoryStore()
	dir := crew.NewMemoryDirectory()
	return New(cfg, store, dir, NewHub(), nil), store, dir
}

func seedTask(t *testing.T, store *MemoryStore, task Task) Task {
	t.Helper()
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
		task.UpdatedAt = task.CreatedAt
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask(%s) error = %v", task.ID, err)
	}
	return task
}

func leadCrew(id string, joined time.Time) crew.Ref {
	return crew.Ref{ProjectCrewID: id, RoleID: "role-1", IsLead: true, IsActive: true, JoinedDate: joined}
}

func TestTransitionFromTerminalAlwaysFails(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	targets := []Status{StatusPending, StatusOngoing, StatusCompleted, StatusEscalated, StatusBlocked, StatusCancelled}

	for i, terminal := range []Status{StatusCompleted, StatusCancelled} {
		task := seedTask(t, store, Task{
			ID: "term-" + string(terminal), ProjectID: "p1", Name: "done",
			PhaseOrder: 1, StepOrder: 1, TaskOrder: i + 1,
			Status: terminal,
		})
		for _, target := range targets {
			_, err := eng.Transition(context.Background(), task.ID, target, "tester", "")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("Transition(%s -> %s) error = %v, want ErrInvalidTransition", terminal, target, err)
			}
			got, getErr := eng.Get(context.Background(), task.ID)
			if getErr != nil {
				t.Fatalf("Get() error = %v", getErr)
			}
			if got.Status != terminal {
				t.Fatalf("status after rejected transition = %q, want %q", got.Status, terminal)
			}
		}
	}
}

func TestStartTaskAssignsLeadAndSetsStartTime(t *testing.T) {
	eng, store, dir := newTestEngine(t, Config{})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return now })

	dir.AddCrew("p1", leadCrew("crew-lead", now.AddDate(0, -1, 0)))
	task := seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "rig lighting",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		AssignedRoleID: "role-1",
	})

	got, err := eng.StartTask(context.Background(), task.ID, "producer")
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	if got.Status != StatusOngoing {
		t.Fatalf("Status = %q, want %q", got.Status, StatusOngoing)
	}
	if got.AssignedCrewID != "crew-lead" {
		t.Fatalf("AssignedCrewID = %q, want %q", got.AssignedCrewID, "crew-lead")
	}
	if got.ActualStartTime == nil || !got.ActualStartTime.Equal(now) {
		t.Fatalf("ActualStartTime = %v, want %v", got.ActualStartTime, now)
	}
	if got.ActualEndTime != nil || got.EscalatedAt != nil {
		t.Fatalf("start must set only the start timestamp, got end=%v escalated=%v", got.ActualEndTime, got.EscalatedAt)
	}
}

func TestStartTaskNoCrewStrictFails(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{AssignmentMode: AssignmentStrict})
	task := seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "unstaffed",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		AssignedRoleID: "role-1",
	})

	_, err := eng.StartTask(context.Background(), task.ID, "producer")
	if !errors.Is(err, ErrNoCrewAvailable) {
		t.Fatalf("StartTask() error = %v, want ErrNoCrewAvailable", err)
	}
	got, _ := eng.Get(context.Background(), task.ID)
	if got.Status != StatusPending {
		t.Fatalf("status after failed start = %q, want pending", got.Status)
	}
}

func TestStartTaskNoCrewPermissiveProceedsUnassigned(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{AssignmentMode: AssignmentPermissive})
	task := seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "unstaffed",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		AssignedRoleID: "role-1",
	})

	got, err := eng.StartTask(context.Background(), task.ID, "producer")
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	if got.Status != StatusOngoing || got.AssignedCrewID != "" {
		t.Fatalf("got status=%q crew=%q, want ongoing unassigned", got.Status, got.AssignedCrewID)
	}
}

func TestCompleteTaskSetsEndAndActualHours(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ended := started.Add(6 * time.Hour)
	eng.SetClock(func() time.Time { return ended })

	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "shoot scene 4",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		Status: StatusOngoing, ActualStartTime: &started,
	})

	result, err := eng.CompleteTask(context.Background(), "t1", "director")
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	got := result.Task
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
	if got.ActualEndTime == nil || !got.ActualEndTime.Equal(ended) {
		t.Fatalf("ActualEndTime = %v, want %v", got.ActualEndTime, ended)
	}
	if got.ActualHours != 6 {
		t.Fatalf("ActualHours = %v, want 6", got.ActualHours)
	}
}

func TestCompleteTaskPropagatesToDependent(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "parent",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		Status: StatusOngoing,
	})
	seedTask(t, store, Task{
		ID: "t2", ProjectID: "p1", Name: "child",
		PhaseOrder: 2, StepOrder: 1, TaskOrder: 1,
		ParentTaskID: "t1",
	})

	result, err := eng.CompleteTask(context.Background(), "t1", "director")
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if result.PropagatedReadyCount != 1 {
		t.Fatalf("PropagatedReadyCount = %d, want 1", result.PropagatedReadyCount)
	}
}

func TestCompleteTaskPropagatesToStructuralFollower(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "first",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		Status: StatusOngoing,
	})
	seedTask(t, store, Task{
		ID: "t2", ProjectID: "p1", Name: "second",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 2,
	})

	result, err := eng.CompleteTask(context.Background(), "t1", "director")
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if result.PropagatedReadyCount != 1 {
		t.Fatalf("PropagatedReadyCount = %d, want 1", result.PropagatedReadyCount)
	}
}

func TestEscalateTaskDefaultsReasonAndSetsTimestamp(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	now := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return now })
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "late",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		Status: StatusOngoing,
	})

	got, err := eng.EscalateTask(context.Background(), "t1", "", "coordinator")
	if err != nil {
		t.Fatalf("EscalateTask() error = %v", err)
	}
	if got.Status != StatusEscalated {
		t.Fatalf("Status = %q, want escalated", got.Status)
	}
	if got.EscalationReason != "SLA exceeded" {
		t.Fatalf("EscalationReason = %q, want default", got.EscalationReason)
	}
	if got.EscalatedAt == nil || !got.EscalatedAt.Equal(now) {
		t.Fatalf("EscalatedAt = %v, want %v", got.EscalatedAt, now)
	}
}

func TestEscalateCompletedTaskFails(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "done",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		Status: StatusCompleted,
	})

	_, err := eng.EscalateTask(context.Background(), "t1", "too slow", "coordinator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("EscalateTask() error = %v, want ErrInvalidTransition", err)
	}
	got, _ := eng.Get(context.Background(), "t1")
	if got.Status != StatusCompleted || got.EscalatedAt != nil {
		t.Fatalf("completed task changed by rejected escalation: %+v", got)
	}
}

func TestBlockAndUnblockHaveNoTimestampSideEffects(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "waiting on permit",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		AssignedCrewID: "crew-9",
	})

	blocked, err := eng.BlockTask(context.Background(), "t1", "coordinator")
	if err != nil {
		t.Fatalf("BlockTask() error = %v", err)
	}
	if blocked.Status != StatusBlocked {
		t.Fatalf("Status = %q, want blocked", blocked.Status)
	}
	if blocked.ActualStartTime != nil || blocked.ActualEndTime != nil || blocked.EscalatedAt != nil {
		t.Fatalf("block must not set timestamps: %+v", blocked)
	}
	if blocked.AssignedCrewID != "crew-9" {
		t.Fatalf("block cleared assignment, got %q", blocked.AssignedCrewID)
	}

	unblocked, err := eng.UnblockTask(context.Background(), "t1", "coordinator")
	if err != nil {
		t.Fatalf("UnblockTask() error = %v", err)
	}
	if unblocked.Status != StatusPending {
		t.Fatalf("Status after unblock = %q, want pending", unblocked.Status)
	}
}

func TestCancelTaskSetsEndAndDoesNotPropagateByDefault(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	hub := eng.Hub()
	events, unsubscribe := hub.Subscribe("p1")
	defer unsubscribe()

	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "dropped scene",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
	})
	seedTask(t, store, Task{
		ID: "t2", ProjectID: "p1", Name: "dependent",
		PhaseOrder: 2, StepOrder: 1, TaskOrder: 1,
		ParentTaskID: "t1",
	})

	got, err := eng.CancelTask(context.Background(), "t1", "scene cut", "producer")
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("Status = %q, want cancelled", got.Status)
	}
	if got.ActualEndTime == nil {
		t.Fatalf("ActualEndTime not set on cancel")
	}

	for {
		select {
		case evt := <-events:
			if evt.Type == EventTasksReady {
				t.Fatalf("cancel propagated readiness with CancelPropagates=false")
			}
		default:
			return
		}
	}
}

func TestCancelTaskPropagatesWhenConfigured(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{CancelPropagates: true})
	events, unsubscribe := eng.Hub().Subscribe("p1")
	defer unsubscribe()

	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "first",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		Status: StatusOngoing,
	})
	seedTask(t, store, Task{
		ID: "t2", ProjectID: "p1", Name: "second",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 2,
	})

	if _, err := eng.CancelTask(context.Background(), "t1", "", "producer"); err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}

	sawReady := false
	for !sawReady {
		select {
		case evt := <-events:
			if evt.Type == EventTasksReady {
				sawReady = true
			}
		default:
			t.Fatalf("no tasks_ready event after propagating cancel")
		}
	}
}

func TestArchivedTaskRejectsAllTransitions(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "archived",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		IsArchived: true,
	})

	for _, target := range []Status{StatusOngoing, StatusBlocked, StatusCancelled} {
		_, err := eng.Transition(context.Background(), "t1", target, "tester", "")
		if !errors.Is(err, ErrTaskArchived) {
			t.Fatalf("Transition(archived -> %s) error = %v, want ErrTaskArchived", target, err)
		}
	}
}

func TestQuickCompleteAbortsWhenStartFails(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{AssignmentMode: AssignmentStrict})
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "unstaffed",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		AssignedRoleID: "role-1",
	})

	_, err := eng.QuickCompleteTask(context.Background(), "t1", "producer")
	if !errors.Is(err, ErrNoCrewAvailable) {
		t.Fatalf("QuickCompleteTask() error = %v, want ErrNoCrewAvailable", err)
	}
	got, _ := eng.Get(context.Background(), "t1")
	if got.Status != StatusPending {
		t.Fatalf("status after aborted quick complete = %q, want pending", got.Status)
	}
	if got.ActualEndTime != nil {
		t.Fatalf("aborted quick complete set ActualEndTime")
	}
}

func TestQuickCompleteRunsBothLegs(t *testing.T) {
	eng, store, dir := newTestEngine(t, Config{})
	dir.AddCrew("p1", leadCrew("crew-1", time.Now().UTC()))
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "one-step",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		AssignedRoleID: "role-1",
	})

	result, err := eng.QuickCompleteTask(context.Background(), "t1", "producer")
	if err != nil {
		t.Fatalf("QuickCompleteTask() error = %v", err)
	}
	if result.Task.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed", result.Task.Status)
	}
	if result.Task.ActualStartTime == nil || result.Task.ActualEndTime == nil {
		t.Fatalf("quick complete must set both start and end timestamps")
	}
}

// conflictingStore rejects the first UpdateTask to simulate losing the
// optimistic-concurrency race.
type conflictingStore struct {
	*MemoryStore
	conflicted bool
}

func (s *conflictingStore) UpdateTask(ctx context.Context, task Task) (Task, error) {
	if !s.conflicted {
		s.conflicted = true
		return Task{}, ErrConcurrentModification
	}
	return s.MemoryStore.UpdateTask(ctx, task)
}

func TestTransitionSurfacesConcurrentModification(t *testing.T) {
	base := NewMemoryStore()
	store := &conflictingStore{MemoryStore: base}
	eng := New(Config{}, store, crew.NewMemoryDirectory(), NewHub(), nil)

	seedTask(t, base, Task{
		ID: "t1", ProjectID: "p1", Name: "contested",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
	})

	_, err := eng.StartTask(context.Background(), "t1", "producer")
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("StartTask() error = %v, want ErrConcurrentModification", err)
	}

	// The caller retries and wins.
	got, err := eng.StartTask(context.Background(), "t1", "producer")
	if err != nil {
		t.Fatalf("StartTask() retry error = %v", err)
	}
	if got.Status != StatusOngoing {
		t.Fatalf("Status after retry = %q, want ongoing", got.Status)
	}
}

// stalledStore never answers reads; callers see their deadline expire.
type stalledStore struct {
	*MemoryStore
}

func (s *stalledStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	<-ctx.Done()
	return Task{}, ctx.Err()
}

func TestStoreDeadlineSurfacesAsTimeout(t *testing.T) {
	base := NewMemoryStore()
	eng := New(Config{StoreTimeout: 20 * time.Millisecond}, &stalledStore{MemoryStore: base}, crew.NewMemoryDirectory(), NewHub(), nil)

	seedTask(t, base, Task{
		ID: "t1", ProjectID: "p1", Name: "slow path",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
	})

	_, err := eng.StartTask(context.Background(), "t1", "producer")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("StartTask() error = %v, want ErrTimeout", err)
	}
	if !Retryable(err) {
		t.Fatalf("Retryable(%v) = false, want true", err)
	}

	got, err := base.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status after timed-out start = %q, want pending", got.Status)
	}
}

func TestTransitionUnknownTaskAndStatus(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})

	_, err := eng.StartTask(context.Background(), "missing", "tester")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("StartTask(missing) error = %v, want ErrTaskNotFound", err)
	}

	_, err = eng.Transition(context.Background(), "missing", Status("paused"), "tester", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Transition(unknown status) error = %v, want ErrValidation", err)
	}
}

func TestAddCommentAndChecklistUpdates(t *testing.T) {
	eng, store, _ := newTestEngine(t, Config{})
	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "prep call sheet",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		Checklist: []ChecklistItem{{Text: "confirm locations"}, {Text: "book catering"}},
	})

	got, err := eng.AddComment(context.Background(), "t1", "coordinator", "locations confirmed")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if len(got.Comments) != 1 || got.Comments[0].Author != "coordinator" {
		t.Fatalf("Comments = %+v, want one by coordinator", got.Comments)
	}
	if got.Comments[0].ID == "" {
		t.Fatalf("comment id not generated")
	}

	got, err = eng.SetChecklistItem(context.Background(), "t1", 1, true, "coordinator")
	if err != nil {
		t.Fatalf("SetChecklistItem() error = %v", err)
	}
	if !got.Checklist[1].Completed || got.Checklist[0].Completed {
		t.Fatalf("Checklist = %+v, want only index 1 completed", got.Checklist)
	}

	_, err = eng.SetChecklistItem(context.Background(), "t1", 5, true, "coordinator")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("SetChecklistItem(out of range) error = %v, want ErrValidation", err)
	}
}

func TestStartPublishesEvents(t *testing.T) {
	eng, store, dir := newTestEngine(t, Config{})
	dir.AddCrew("p1", leadCrew("crew-1", time.Now().UTC()))
	events, unsubscribe := eng.Hub().Subscribe("p1")
	defer unsubscribe()

	seedTask(t, store, Task{
		ID: "t1", ProjectID: "p1", Name: "observable",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		AssignedRoleID: "role-1",
	})

	if _, err := eng.StartTask(context.Background(), "t1", "producer"); err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}

	var types []EventType
drain:
	for {
		select {
		case evt := <-events:
			types = append(types, evt.Type)
		default:
			break drain
		}
	}
	if len(types) != 2 || types[0] != EventCrewAssigned || types[1] != EventTaskStarted {
		t.Fatalf("event types = %v, want [crew_assigned task_started]", types)
	}
}
