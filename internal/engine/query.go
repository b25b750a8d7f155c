package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CrewUnassigned is the sentinel crew filter selecting tasks with no
// assigned crew member.
const CrewUnassigned = "unassigned"

// Tab presets partition the task list the way the console's tabs do.
const (
	TabReady     = "ready"     // pending | ongoing | blocked
	TabAttention = "attention" // escalated | cancelled
)

type Filters struct {
	Search         string   `json:"search,omitempty"`
	Statuses       []Status `json:"statuses,omitempty"`
	AssignedCrewID string   `json:"assigned_crew_id,omitempty"`
	AssignedRoleID string   `json:"assigned_role_id,omitempty"`
	DepartmentID   string   `json:"department_id,omitempty"`
	DueWithinHours int      `json:"due_within_hours,omitempty"`
	EscalatedOnly  bool     `json:"escalated_only,omitempty"`
	Tab            string   `json:"tab,omitempty"`
}

type SortKey string

const (
	SortStructural SortKey = "structural"
	SortDueDate    SortKey = "due_date"
	SortPriority   SortKey = "priority"
	SortCreated    SortKey = "created"
)

type PageRequest struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

const maxPageSize = 200

var tabStatuses = map[string][]Status{
	TabReady:     {StatusPending, StatusOngoing, StatusBlocked},
	TabAttention: {StatusEscalated, StatusCancelled},
}

// ListTasks reads the latest committed task state and applies filters, sort,
// and offset pagination. Archived tasks are never listed.
func (e *Engine) ListTasks(ctx context.Context, projectID string, f Filters, key SortKey, page PageRequest) (Page, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return Page{}, fmt.Errorf("%w: project_id is required", ErrValidation)
	}
	if err := validateFilters(f); err != nil {
		return Page{}, err
	}
	if key == "" {
		key = SortStructural
	}
	switch key {
	case SortStructural, SortDueDate, SortPriority, SortCreated:
	default:
		return Page{}, fmt.Errorf("%w: unknown sort key %q", ErrValidation, key)
	}
	if page.Page < 0 || page.Size < 0 {
		return Page{}, fmt.Errorf("%w: page and size must not be negative", ErrValidation)
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = e.cfg.PageSizeDefault
	}
	if page.Size > maxPageSize {
		page.Size = maxPageSize
	}

	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	all, err := e.store.ListTasksByProject(sctx, projectID)
	if err != nil {
		return Page{}, e.mapStoreErr(err)
	}

	now := e.now()
	filtered := make([]Task, 0, len(all))
	for _, t := range all {
		if t.IsArchived {
			continue
		}
		if matchesFilters(t, f, now) {
			filtered = append(filtered, t)
		}
	}

	sortTasks(filtered, key)

	total := len(filtered)
	totalPages := (total + page.Size - 1) / page.Size
	start := (page.Page - 1) * page.Size
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}

	items := make([]TaskSummary, 0, end-start)
	for _, t := range filtered[start:end] {
		items = append(items, t.Summary())
	}
	return Page{
		Items:      items,
		Page:       page.Page,
		PageSize:   page.Size,
		TotalCount: total,
		TotalPages: totalPages,
	}, nil
}

func validateFilters(f Filters) error {
	for _, s := range f.Statuses {
		if !ValidStatus(s) {
			return fmt.Errorf("%w: unknown status %q", ErrValidation, s)
		}
	}
	if f.Tab != "" {
		if _, ok := tabStatuses[f.Tab]; !ok {
			return fmt.Errorf("%w: unknown tab %q", ErrValidation, f.Tab)
		}
	}
	if f.DueWithinHours < 0 {
		return fmt.Errorf("%w: due_within_hours must not be negative", ErrValidation)
	}
	return nil
}

func matchesFilters(t Task, f Filters, now time.Time) bool {
	if f.Tab != "" && !statusIn(t.Status, tabStatuses[f.Tab]) {
		return false
	}
	if len(f.Statuses) > 0 && !statusIn(t.Status, f.Statuses) {
		return false
	}
	if f.EscalatedOnly && t.Status != StatusEscalated {
		return false
	}
	switch f.AssignedCrewID {
	case "":
	case CrewUnassigned:
		if t.AssignedCrewID != "" {
			return false
		}
	default:
		if t.AssignedCrewID != f.AssignedCrewID {
			return false
		}
	}
	if f.AssignedRoleID != "" && t.AssignedRoleID != f.AssignedRoleID {
		return false
	}
	if f.DepartmentID != "" && t.DepartmentID != f.DepartmentID {
		return false
	}
	if f.DueWithinHours > 0 {
		if t.ExpectedEndTime == nil {
			return false
		}
		horizon := now.Add(time.Duration(f.DueWithinHours) * time.Hour)
		if t.ExpectedEndTime.After(horizon) {
			return false
		}
	}
	if search := strings.ToLower(strings.TrimSpace(f.Search)); search != "" {
		haystack := strings.ToLower(t.Name + " " + t.Description + " " + t.PhaseName + " " + t.StepName)
		if !strings.Contains(haystack, search) {
			return false
		}
	}
	return true
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func sortTasks(tasks []Task, key SortKey) {
	switch key {
	case SortDueDate:
		sort.SliceStable(tasks, func(i, j int) bool {
			a, b := tasks[i].ExpectedEndTime, tasks[j].ExpectedEndTime
			switch {
			case a == nil && b == nil:
				return structuralLess(tasks[i], tasks[j])
			case a == nil:
				return false // nulls sort last
			case b == nil:
				return true
			case !a.Equal(*b):
				return a.Before(*b)
			default:
				return structuralLess(tasks[i], tasks[j])
			}
		})
	case SortPriority:
		sort.SliceStable(tasks, func(i, j int) bool {
			if tasks[i].IsCritical != tasks[j].IsCritical {
				return tasks[i].IsCritical
			}
			return structuralLess(tasks[i], tasks[j])
		})
	case SortCreated:
		sort.SliceStable(tasks, func(i, j int) bool {
			if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
				return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
			}
			return structuralLess(tasks[i], tasks[j])
		})
	default:
		sort.SliceStable(tasks, func(i, j int) bool {
			return structuralLess(tasks[i], tasks[j])
		})
	}
}
