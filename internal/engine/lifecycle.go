package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewcallhq/crewcall/internal/crew"
	"github.com/crewcallhq/crewcall/internal/observability"
)

const (
	AssignmentStrict     = "strict"
	AssignmentPermissive = "permissive"
)

// Config holds the engine's recognized runtime options.
type Config struct {
	AssignmentMode         string
	EscalationGrace        time.Duration
	ScanInterval           time.Duration
	MaxConcurrentAutoStart int
	PageSizeDefault        int
	CancelPropagates       bool
	StoreTimeout           time.Duration
}

// Engine is the single writer of task status and the lifecycle timestamps.
// Readiness and escalation are read-and-propose components whose output the
// engine applies through the same compare-and-swap discipline.
type Engine struct {
	cfg     Config
	store   Store
	crew    crew.Directory
	hub     *Hub
	metrics *observability.Metrics
	now     func() time.Time
}

func New(cfg Config, store Store, directory crew.Directory, hub *Hub, metrics *observability.Metrics) *Engine {
	if cfg.AssignmentMode == "" {
		cfg.AssignmentMode = AssignmentStrict
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.PageSizeDefault <= 0 {
		cfg.PageSizeDefault = 25
	}
	if cfg.MaxConcurrentAutoStart <= 0 {
		cfg.MaxConcurrentAutoStart = 5
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		crew:    directory,
		hub:     hub,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Hub() *Hub {
	return e.hub
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Legal transition table: source status to allowed targets. Terminal
// statuses have no entries.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusOngoing: true, StatusBlocked: true, StatusCancelled: true},
	StatusOngoing:   {StatusCompleted: true, StatusEscalated: true, StatusBlocked: true, StatusCancelled: true},
	StatusBlocked:   {StatusPending: true, StatusOngoing: true, StatusCancelled: true},
	StatusEscalated: {StatusOngoing: true, StatusCancelled: true},
}

func transitionAllowed(from, to Status) bool {
	return allowedTransitions[from][to]
}

var eventForTarget = map[Status]EventType{
	StatusOngoing:   EventTaskStarted,
	StatusCompleted: EventTaskCompleted,
	StatusEscalated: EventTaskEscalated,
	StatusBlocked:   EventTaskBlocked,
	StatusPending:   EventTaskUnblocked,
	StatusCancelled: EventTaskCancelled,
}

type CreateTaskRequest struct {
	ProjectID         string          `json:"project_id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	PhaseOrder        int             `json:"phase_order"`
	StepOrder         int             `json:"step_order"`
	TaskOrder         int             `json:"task_order"`
	PhaseName         string          `json:"phase_name,omitempty"`
	StepName          string          `json:"step_name,omitempty"`
	Category          string          `json:"category,omitempty"`
	DepartmentID      string          `json:"department_id,omitempty"`
	EstimatedHours    float64         `json:"estimated_hours,omitempty"`
	ExpectedStartTime *time.Time      `json:"expected_start_time,omitempty"`
	ExpectedEndTime   *time.Time      `json:"expected_end_time,omitempty"`
	IsCritical        bool            `json:"is_critical,omitempty"`
	ParentTaskID      string          `json:"parent_task_id,omitempty"`
	ParentProjectID   string          `json:"parent_project_id,omitempty"`
	ParentBlocking    bool            `json:"parent_blocking,omitempty"`
	AssignedRoleID    string          `json:"assigned_role_id,omitempty"`
	Checklist         []ChecklistItem `json:"checklist_items,omitempty"`
}

// CreateTask records a new task. Tasks always begin pending.
func (e *Engine) CreateTask(ctx context.Context, req CreateTaskRequest, actor string) (Task, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Name = strings.TrimSpace(req.Name)
	if req.ProjectID == "" {
		return Task{}, fmt.Errorf("%w: project_id is required", ErrValidation)
	}
	if req.Name == "" {
		return Task{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	now := e.now()
	task := Task{
		ID:                uuid.NewString(),
		ProjectID:         req.ProjectID,
		Name:              req.Name,
		Description:       strings.TrimSpace(req.Description),
		PhaseOrder:        req.PhaseOrder,
		StepOrder:         req.StepOrder,
		TaskOrder:         req.TaskOrder,
		PhaseName:         strings.TrimSpace(req.PhaseName),
		StepName:          strings.TrimSpace(req.StepName),
		Category:          strings.TrimSpace(req.Category),
		DepartmentID:      strings.TrimSpace(req.DepartmentID),
		EstimatedHours:    req.EstimatedHours,
		ExpectedStartTime: req.ExpectedStartTime,
		ExpectedEndTime:   req.ExpectedEndTime,
		IsCritical:        req.IsCritical,
		ParentTaskID:      strings.TrimSpace(req.ParentTaskID),
		ParentProjectID:   strings.TrimSpace(req.ParentProjectID),
		ParentBlocking:    req.ParentBlocking,
		AssignedRoleID:    strings.TrimSpace(req.AssignedRoleID),
		Status:            StatusPending,
		Checklist:         req.Checklist,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	if err := e.store.CreateTask(sctx, task); err != nil {
		return Task{}, e.mapStoreErr(err)
	}
	e.hub.Publish(Event{
		Type:      EventTaskCreated,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Status:    task.Status,
		Actor:     actor,
		At:        now,
	})
	return task, nil
}

func (e *Engine) Get(ctx context.Context, taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, fmt.Errorf("%w: task_id is required", ErrValidation)
	}
	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	task, err := e.store.GetTask(sctx, taskID)
	if err != nil {
		return Task{}, e.mapStoreErr(err)
	}
	return task, nil
}

// StartTask moves a task to ongoing, invoking the assignment policy when no
// crew is assigned yet.
func (e *Engine) StartTask(ctx context.Context, taskID, actor string) (Task, error) {
	return e.Transition(ctx, taskID, StatusOngoing, actor, "")
}

type CompleteResult struct {
	Task Task `json:"task"`
	// PropagatedReadyCount is how many dependent tasks became ready because
	// of this completion. They are surfaced, never auto-started.
	PropagatedReadyCount int `json:"propagated_ready_count"`
}

func (e *Engine) CompleteTask(ctx context.Context, taskID, actor string) (CompleteResult, error) {
	task, err := e.Transition(ctx, taskID, StatusCompleted, actor, "")
	if err != nil {
		return CompleteResult{}, err
	}
	count := e.propagateReadiness(ctx, task)
	return CompleteResult{Task: task, PropagatedReadyCount: count}, nil
}

func (e *Engine) EscalateTask(ctx context.Context, taskID, reason, actor string) (Task, error) {
	return e.Transition(ctx, taskID, StatusEscalated, actor, reason)
}

func (e *Engine) BlockTask(ctx context.Context, taskID, actor string) (Task, error) {
	return e.Transition(ctx, taskID, StatusBlocked, actor, "")
}

// UnblockTask returns a blocked task to pending.
func (e *Engine) UnblockTask(ctx context.Context, taskID, actor string) (Task, error) {
	return e.Transition(ctx, taskID, StatusPending, actor, "")
}

func (e *Engine) CancelTask(ctx context.Context, taskID, reason, actor string) (Task, error) {
	task, err := e.Transition(ctx, taskID, StatusCancelled, actor, reason)
	if err != nil {
		return Task{}, err
	}
	if e.cfg.CancelPropagates {
		e.propagateReadiness(ctx, task)
	}
	return task, nil
}

// QuickCompleteTask is the start-then-immediately-complete composition. If
// the start leg fails the composite aborts without attempting completion.
func (e *Engine) QuickCompleteTask(ctx context.Context, taskID, actor string) (CompleteResult, error) {
	if _, err := e.StartTask(ctx, taskID, actor); err != nil {
		return CompleteResult{}, err
	}
	return e.CompleteTask(ctx, taskID, actor)
}

// Transition applies one legal status change with its side effects under the
// optimistic-concurrency check. The loser of a concurrent write receives
// ErrConcurrentModification and must retry or surface the conflict.
func (e *Engine) Transition(ctx context.Context, taskID string, target Status, actor, reason string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, fmt.Errorf("%w: task_id is required", ErrValidation)
	}
	if !ValidStatus(target) {
		return Task{}, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}

	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	task, err := e.store.GetTask(sctx, taskID)
	if err != nil {
		return Task{}, e.mapStoreErr(err)
	}

	if task.IsArchived {
		e.countFailure("archived")
		return Task{}, fmt.Errorf("%w: task %q", ErrTaskArchived, taskID)
	}
	if !transitionAllowed(task.Status, target) {
		e.countFailure("invalid_transition")
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, target)
	}

	from := task.Status
	now := e.now()
	assignedCrew := ""

	switch target {
	case StatusOngoing:
		if task.AssignedCrewID == "" && task.AssignedRoleID != "" {
			ref, found, err := e.Assign(ctx, task)
			if err != nil {
				return Task{}, err
			}
			if found {
				task.AssignedCrewID = ref.ProjectCrewID
				assignedCrew = ref.ProjectCrewID
			} else if e.cfg.AssignmentMode == AssignmentStrict {
				e.countFailure("no_crew")
				return Task{}, fmt.Errorf("%w: role %q in project %q", ErrNoCrewAvailable, task.AssignedRoleID, task.ProjectID)
			}
		}
		if task.ActualStartTime == nil {
			started := now
			task.ActualStartTime = &started
		}
	case StatusCompleted:
		ended := now
		task.ActualEndTime = &ended
		if task.ActualStartTime != nil {
			task.ActualHours = ended.Sub(*task.ActualStartTime).Hours()
		}
	case StatusEscalated:
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "SLA exceeded"
		}
		escalated := now
		task.EscalationReason = reason
		task.EscalatedAt = &escalated
	case StatusCancelled:
		ended := now
		task.ActualEndTime = &ended
	case StatusBlocked, StatusPending:
		// No timestamp side effects; existing assignment is kept.
	}

	task.Status = target
	task.UpdatedAt = now

	stored, err := e.store.UpdateTask(sctx, task)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) && e.metrics != nil {
			e.metrics.ConflictRejects.Inc()
		}
		return Task{}, e.mapStoreErr(err)
	}

	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(from), string(target)).Inc()
		if target == StatusEscalated {
			e.metrics.Escalations.Inc()
		}
	}
	if assignedCrew != "" {
		e.hub.Publish(Event{
			Type:      EventCrewAssigned,
			ProjectID: stored.ProjectID,
			TaskID:    stored.ID,
			Status:    stored.Status,
			Actor:     actor,
			CrewID:    assignedCrew,
			At:        now,
		})
	}
	e.hub.Publish(Event{
		Type:      eventForTarget[target],
		ProjectID: stored.ProjectID,
		TaskID:    stored.ID,
		Status:    stored.Status,
		Actor:     actor,
		Reason:    strings.TrimSpace(reason),
		At:        now,
	})
	return stored, nil
}

// AddComment appends an authored comment to the task. Archived tasks reject
// the write like any other mutation.
func (e *Engine) AddComment(ctx context.Context, taskID, author, text string) (Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Task{}, fmt.Errorf("%w: comment text is required", ErrValidation)
	}
	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	task, err := e.store.GetTask(sctx, taskID)
	if err != nil {
		return Task{}, e.mapStoreErr(err)
	}
	if task.IsArchived {
		return Task{}, fmt.Errorf("%w: task %q", ErrTaskArchived, taskID)
	}
	now := e.now()
	task.Comments = append(task.Comments, Comment{
		ID:        uuid.NewString(),
		Text:      text,
		Author:    author,
		CreatedAt: now,
	})
	task.UpdatedAt = now
	stored, err := e.store.UpdateTask(sctx, task)
	if err != nil {
		return Task{}, e.mapStoreErr(err)
	}
	e.hub.Publish(Event{
		Type:      EventCommentAdded,
		ProjectID: stored.ProjectID,
		TaskID:    stored.ID,
		Status:    stored.Status,
		Actor:     author,
		At:        now,
	})
	return stored, nil
}

// SetChecklistItem toggles one checklist entry. Only the completed flag is a
// permitted update; unknown fields never reach storage.
func (e *Engine) SetChecklistItem(ctx context.Context, taskID string, index int, completed bool, actor string) (Task, error) {
	_ = actor
	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	task, err := e.store.GetTask(sctx, taskID)
	if err != nil {
		return Task{}, e.mapStoreErr(err)
	}
	if task.IsArchived {
		return Task{}, fmt.Errorf("%w: task %q", ErrTaskArchived, taskID)
	}
	if index < 0 || index >= len(task.Checklist) {
		return Task{}, fmt.Errorf("%w: checklist index %d out of range", ErrValidation, index)
	}
	task.Checklist[index].Completed = completed
	task.UpdatedAt = e.now()
	stored, err := e.store.UpdateTask(sctx, task)
	if err != nil {
		return Task{}, e.mapStoreErr(err)
	}
	return stored, nil
}

// StartReadyTasks starts up to MaxConcurrentAutoStart ready tasks in
// structural order. Tasks that fail to start (for example no crew in strict
// mode) are skipped, not fatal.
func (e *Engine) StartReadyTasks(ctx context.Context, projectID, actor string) ([]Task, error) {
	ready, err := e.ComputeReadySet(ctx, projectID)
	if err != nil {
		return nil, err
	}
	started := make([]Task, 0, len(ready))
	for _, summary := range ready {
		if len(started) >= e.cfg.MaxConcurrentAutoStart {
			break
		}
		task, err := e.StartTask(ctx, summary.ID, actor)
		if err != nil {
			log.Printf("start ready task %s skipped: %v", summary.ID, err)
			continue
		}
		started = append(started, task)
	}
	return started, nil
}

// propagateReadiness re-runs the readiness evaluator scoped to the finished
// task's dependents and surfaces newly ready tasks. Best-effort: failures
// are logged, not rolled back.
func (e *Engine) propagateReadiness(ctx context.Context, finished Task) int {
	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	all, err := e.store.ListTasksByProject(sctx, finished.ProjectID)
	if err != nil {
		log.Printf("readiness propagation for task %s failed: %v", finished.ID, err)
		return 0
	}

	readySet := computeReady(all, e.cfg.CancelPropagates)
	readyByID := make(map[string]TaskSummary, len(readySet))
	for _, s := range readySet {
		readyByID[s.ID] = s
	}

	count := 0
	follower, hasFollower := structuralFollower(all, finished)
	for _, t := range all {
		if t.ParentTaskID == finished.ID {
			if _, ok := readyByID[t.ID]; ok {
				count++
			}
			continue
		}
		if hasFollower && t.ID == follower.ID {
			if _, ok := readyByID[t.ID]; ok {
				count++
			}
		}
	}

	if count > 0 {
		e.hub.Publish(Event{
			Type:       EventTasksReady,
			ProjectID:  finished.ProjectID,
			TaskID:     finished.ID,
			ReadyCount: count,
			At:         e.now(),
		})
	}
	return count
}

// structuralFollower finds the task whose ordering key immediately follows
// the given task within the same step.
func structuralFollower(all []Task, task Task) (Task, bool) {
	var best Task
	found := false
	for _, t := range all {
		if t.ID == task.ID || !sameStep(t, task) {
			continue
		}
		if !structuralLess(task, t) {
			continue
		}
		if !found || structuralLess(t, best) {
			best = t
			found = true
		}
	}
	return best, found
}

func (e *Engine) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// mapStoreErr surfaces collaborator deadline misses as the Timeout error
// kind. Timeouts are never retried inside the engine.
func (e *Engine) mapStoreErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (e *Engine) countFailure(reason string) {
	if e.metrics != nil {
		e.metrics.TransitionFailures.WithLabelValues(reason).Inc()
	}
}
