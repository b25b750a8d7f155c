package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crewcallhq/crewcall/internal/crew"
)

func roleTask(roleID string) Task {
	return Task{
		ID: "t1", ProjectID: "p1", Name: "staffed",
		PhaseOrder: 1, StepOrder: 1, TaskOrder: 1,
		Status: StatusPending, AssignedRoleID: roleID,
	}
}

func member(id string, lead bool, joined time.Time) crew.Ref {
	return crew.Ref{ProjectCrewID: id, RoleID: "role-1", IsLead: lead, IsActive: true, JoinedDate: joined}
}

func TestAssignPrefersLead(t *testing.T) {
	eng, _, dir := newTestEngine(t, Config{})
	joined := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir.AddCrew("p1", member("idle", false, joined))
	dir.AddCrew("p1", member("lead", true, joined.AddDate(0, 6, 0)))
	dir.SetOngoingCount("lead", 4)

	ref, found, err := eng.Assign(context.Background(), roleTask("role-1"))
	if err != nil || !found {
		t.Fatalf("Assign() = %v, %v, %v", ref, found, err)
	}
	if ref.ProjectCrewID != "lead" {
		t.Fatalf("assigned %q, want the lead despite higher load", ref.ProjectCrewID)
	}
}

func TestAssignBalancesByOngoingLoad(t *testing.T) {
	eng, _, dir := newTestEngine(t, Config{})
	joined := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir.AddCrew("p1", member("busy", false, joined))
	dir.AddCrew("p1", member("idle", false, joined))
	dir.SetOngoingCount("busy", 3)
	dir.SetOngoingCount("idle", 1)

	ref, found, err := eng.Assign(context.Background(), roleTask("role-1"))
	if err != nil || !found {
		t.Fatalf("Assign() = %v, %v, %v", ref, found, err)
	}
	if ref.ProjectCrewID != "idle" {
		t.Fatalf("assigned %q, want least-loaded member", ref.ProjectCrewID)
	}
}

func TestAssignBreaksLoadTieByJoinedDate(t *testing.T) {
	eng, _, dir := newTestEngine(t, Config{})
	dir.AddCrew("p1", member("newer", false, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	dir.AddCrew("p1", member("veteran", false, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	ref, found, err := eng.Assign(context.Background(), roleTask("role-1"))
	if err != nil || !found {
		t.Fatalf("Assign() = %v, %v, %v", ref, found, err)
	}
	if ref.ProjectCrewID != "veteran" {
		t.Fatalf("assigned %q, want earliest joined", ref.ProjectCrewID)
	}
}

func TestAssignIsIdempotent(t *testing.T) {
	eng, _, dir := newTestEngine(t, Config{})
	dir.AddCrew("p1", member("other", true, time.Now().UTC()))

	task := roleTask("role-1")
	task.AssignedCrewID = "already"

	ref, found, err := eng.Assign(context.Background(), task)
	if err != nil || !found {
		t.Fatalf("Assign() = %v, %v, %v", ref, found, err)
	}
	if ref.ProjectCrewID != "already" {
		t.Fatalf("assigned %q, want existing assignment kept", ref.ProjectCrewID)
	}
}

func TestRoleStaffingLookup(t *testing.T) {
	eng, _, dir := newTestEngine(t, Config{})
	dir.SetRoleRequirement("p1", crew.RoleRequirement{ProjectRoleID: "role-1", RequiredCount: 1, FilledCount: 2, IsActive: true})

	req, err := eng.RoleStaffing(context.Background(), "p1", "role-1")
	if err != nil {
		t.Fatalf("RoleStaffing() error = %v", err)
	}
	if req.FilledCount != 2 {
		t.Fatalf("FilledCount = %d, want 2", req.FilledCount)
	}

	if _, err := eng.RoleStaffing(context.Background(), "", "role-1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("RoleStaffing(blank project) error = %v, want ErrValidation", err)
	}
	if _, err := eng.RoleStaffing(context.Background(), "p1", "role-9"); !errors.Is(err, crew.ErrRoleNotFound) {
		t.Fatalf("RoleStaffing(unknown role) error = %v, want ErrRoleNotFound", err)
	}
}

func TestAssignNoRoleOrNoCandidates(t *testing.T) {
	eng, _, dir := newTestEngine(t, Config{})

	if _, found, err := eng.Assign(context.Background(), roleTask("")); err != nil || found {
		t.Fatalf("Assign(no role) = found=%v err=%v, want no assignment", found, err)
	}
	if _, found, err := eng.Assign(context.Background(), roleTask("role-1")); err != nil || found {
		t.Fatalf("Assign(empty role) = found=%v err=%v, want no assignment", found, err)
	}

	inactive := member("gone", true, time.Now().UTC())
	inactive.IsActive = false
	dir.AddCrew("p1", inactive)
	if _, found, err := eng.Assign(context.Background(), roleTask("role-1")); err != nil || found {
		t.Fatalf("Assign(only inactive crew) = found=%v err=%v, want no assignment", found, err)
	}
}
