package engine

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// ValidStatus reports whether s is one of the known task statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusOngoing, StatusCompleted, StatusEscalated, StatusBlocked, StatusCancelled:
		return true
	default:
		return false
	}
}

type ChecklistItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the durable record owned by the task store. Status and the
// lifecycle timestamps are written only through the lifecycle controller.
type Task struct {
	ID          string `json:"task_id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Structural order within the project. The triple is unique per project.
	PhaseOrder int    `json:"phase_order"`
	StepOrder  int    `json:"step_order"`
	TaskOrder  int    `json:"task_order"`
	PhaseName  string `json:"phase_name,omitempty"`
	StepName   string `json:"step_name,omitempty"`

	EstimatedHours float64 `json:"estimated_hours,omitempty"`
	ActualHours    float64 `json:"actual_hours,omitempty"`

	Status       Status          `json:"status"`
	Category     string          `json:"category,omitempty"`
	DepartmentID string          `json:"department_id,omitempty"`
	Checklist    []ChecklistItem `json:"checklist_items,omitempty"`

	ExpectedStartTime *time.Time `json:"expected_start_time,omitempty"`
	ExpectedEndTime   *time.Time `json:"expected_end_time,omitempty"`
	ActualStartTime   *time.Time `json:"actual_start_time,omitempty"`
	ActualEndTime     *time.Time `json:"actual_end_time,omitempty"`

	IsCritical       bool       `json:"is_critical"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`

	Attachments []Attachment `json:"file_attachments,omitempty"`
	Comments    []Comment    `json:"comments,omitempty"`

	// ParentTaskID is a weak reference: it may point at a task in another
	// project/template, so resolution must tolerate an unknown parent.
	ParentTaskID    string `json:"parent_task_id,omitempty"`
	ParentProjectID string `json:"parent_project_id,omitempty"`
	ParentBlocking  bool   `json:"parent_blocking,omitempty"`

	AssignedRoleID string `json:"assigned_role_id,omitempty"`
	AssignedCrewID string `json:"assigned_crew_id,omitempty"`

	IsArchived bool `json:"is_archived"`

	// Version is the optimistic-concurrency token; every committed write
	// bumps it by one.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskSummary is the presentation-layer projection returned by the query
// layer and the readiness evaluator.
type TaskSummary struct {
	ID              string     `json:"task_id"`
	ProjectID       string     `json:"project_id"`
	Name            string     `json:"name"`
	Status          Status     `json:"status"`
	PhaseOrder      int        `json:"phase_order"`
	StepOrder       int        `json:"step_order"`
	TaskOrder       int        `json:"task_order"`
	IsCritical      bool       `json:"is_critical"`
	ExpectedEndTime *time.Time `json:"expected_end_time,omitempty"`
	AssignedCrewID  string     `json:"assigned_crew_id,omitempty"`
	AssignedRoleID  string     `json:"assigned_role_id,omitempty"`

	// ParentUnresolved marks a ready task whose declared parent lives in
	// another project and could not be resolved locally.
	ParentUnresolved bool `json:"parent_unresolved,omitempty"`
}

// Page wraps one page of task summaries with the totals the presentation
// layer always needs alongside it.
type Page struct {
	Items      []TaskSummary `json:"items"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalCount int           `json:"total_count"`
	TotalPages int           `json:"total_pages"`
}

func (t Task) Clone() Task {
	out := t
	if t.Checklist != nil {
		out.Checklist = make([]ChecklistItem, len(t.Checklist))
		copy(out.Checklist, t.Checklist)
	}
	if t.Attachments != nil {
		out.Attachments = make([]Attachment, len(t.Attachments))
		copy(out.Attachments, t.Attachments)
	}
	if t.Comments != nil {
		out.Comments = make([]Comment, len(t.Comments))
		copy(out.Comments, t.Comments)
	}
	return out
}

// Terminal reports whether the task can never transition again.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func (t Task) Summary() TaskSummary {
	return TaskSummary{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		Name:            t.Name,
		Status:          t.Status,
		PhaseOrder:      t.PhaseOrder,
		StepOrder:       t.StepOrder,
		TaskOrder:       t.TaskOrder,
		IsCritical:      t.IsCritical,
		ExpectedEndTime: t.ExpectedEndTime,
		AssignedCrewID:  t.AssignedCrewID,
		AssignedRoleID:  t.AssignedRoleID,
	}
}

// structuralLess orders tasks by the (phase, step, task) triple.
func structuralLess(a, b Task) bool {
	if a.PhaseOrder != b.PhaseOrder {
		return a.PhaseOrder < b.PhaseOrder
	}
	if a.StepOrder != b.StepOrder {
		return a.StepOrder < b.StepOrder
	}
	return a.TaskOrder < b.TaskOrder
}

func sameStep(a, b Task) bool {
	return a.PhaseOrder == b.PhaseOrder && a.StepOrder == b.StepOrder
}
