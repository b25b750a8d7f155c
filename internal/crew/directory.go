// Package crew exposes the read-mostly crew and role reference data the
// engine consumes. The directory is owned externally; the engine holds only
// foreign-key references and treats everything here as eventually consistent.
package crew

import (
	"context"
	"errors"
	"time"
)

var ErrRoleNotFound = errors.New("role not found")

// Ref identifies one person assigned to a role within one project.
type Ref struct {
	ProjectCrewID string     `json:"project_crew_id"`
	PersonName    string     `json:"person_name"`
	RoleID        string     `json:"project_role_id"`
	Department    string     `json:"department,omitempty"`
	IsLead        bool       `json:"is_lead"`
	IsActive      bool       `json:"is_active"`
	JoinedDate    time.Time  `json:"joined_date"`
	LeftDate      *time.Time `json:"left_date,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// RoleRequirement is the staffing target for one role in a project.
// FilledCount exceeding RequiredCount is permitted; it is surfaced for UI
// warnings, never enforced here.
type RoleRequirement struct {
	ProjectRoleID string `json:"project_role_id"`
	RequiredCount int    `json:"required_count"`
	FilledCount   int    `json:"filled_count"`
	IsActive      bool   `json:"is_active"`
}

type Directory interface {
	// ActiveCrewForRole returns crew assignments for the role that are
	// currently active.
	ActiveCrewForRole(ctx context.Context, projectID, roleID string) ([]Ref, error)

	// OngoingTaskCount reports how many ongoing tasks the crew member
	// currently holds, for load-balanced assignment.
	OngoingTaskCount(ctx context.Context, projectCrewID string) (int, error)

	// RoleRequirement returns the staffing target for the role.
	RoleRequirement(ctx context.Context, projectID, roleID string) (RoleRequirement, error)
}
