package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/crewcallhq/crewcall/internal/crew"
)

// Assign picks a crew member for the task's role requirement. Selection
// order: lead first, then least current ongoing-task load, ties broken by
// earliest joined date. Idempotent: an already-assigned task keeps its
// assignment. The second return reports whether a crew reference was found.
func (e *Engine) Assign(ctx context.Context, task Task) (crew.Ref, bool, error) {
	if task.AssignedCrewID != "" {
		if e.metrics != nil {
			e.metrics.Assignments.WithLabelValues("existing").Inc()
		}
		return crew.Ref{ProjectCrewID: task.AssignedCrewID, RoleID: task.AssignedRoleID}, true, nil
	}
	if task.AssignedRoleID == "" {
		return crew.Ref{}, false, nil
	}

	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	candidates, err := e.crew.ActiveCrewForRole(sctx, task.ProjectID, task.AssignedRoleID)
	if err != nil {
		return crew.Ref{}, false, e.mapStoreErr(fmt.Errorf("crew lookup: %w", err))
	}
	if len(candidates) == 0 {
		if e.metrics != nil {
			e.metrics.Assignments.WithLabelValues("none").Inc()
		}
		return crew.Ref{}, false, nil
	}

	loads := make(map[string]int, len(candidates))
	for _, c := range candidates {
		n, err := e.crew.OngoingTaskCount(sctx, c.ProjectCrewID)
		if err != nil {
			return crew.Ref{}, false, e.mapStoreErr(fmt.Errorf("crew load lookup: %w", err))
		}
		loads[c.ProjectCrewID] = n
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.IsLead != b.IsLead {
			return a.IsLead
		}
		if loads[a.ProjectCrewID] != loads[b.ProjectCrewID] {
			return loads[a.ProjectCrewID] < loads[b.ProjectCrewID]
		}
		return a.JoinedDate.Before(b.JoinedDate)
	})

	if e.metrics != nil {
		e.metrics.Assignments.WithLabelValues("assigned").Inc()
	}
	return candidates[0], true, nil
}

// RoleStaffing returns the staffing target and fill level for a role. An
// over-filled role is legal; the counts feed the console's warnings only.
func (e *Engine) RoleStaffing(ctx context.Context, projectID, roleID string) (crew.RoleRequirement, error) {
	projectID = strings.TrimSpace(projectID)
	roleID = strings.TrimSpace(roleID)
	if projectID == "" || roleID == "" {
		return crew.RoleRequirement{}, fmt.Errorf("%w: project_id and role_id are required", ErrValidation)
	}
	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	req, err := e.crew.RoleRequirement(sctx, projectID, roleID)
	if err != nil {
		return crew.RoleRequirement{}, e.mapStoreErr(err)
	}
	return req, nil
}
