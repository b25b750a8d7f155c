package crew

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-memory Directory for tests and for running the
// engine without an external crew database.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byRole  map[string][]Ref // projectID|roleID -> crew
	ongoing map[string]int   // projectCrewID -> ongoing task count
	roles   map[string]RoleRequirement
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byRole:  make(map[string][]Ref),
		ongoing: make(map[string]int),
		roles:   make(map[string]RoleRequirement),
	}
}

func roleKey(projectID, roleID string) string {
	return projectID + "|" + roleID
}

func (d *MemoryDirectory) AddCrew(projectID string, ref Ref) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := roleKey(projectID, ref.RoleID)
	d.byRole[key] = append(d.byRole[key], ref)
}

func (d *MemoryDirectory) SetOngoingCount(projectCrewID string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ongoing[projectCrewID] = count
}

func (d *MemoryDirectory) SetRoleRequirement(projectID string, req RoleRequirement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[roleKey(projectID, req.ProjectRoleID)] = req
}

func (d *MemoryDirectory) ActiveCrewForRole(_ context.Context, projectID, roleID string) ([]Ref, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	all := d.byRole[roleKey(projectID, roleID)]
	out := make([]Ref, 0, len(all))
	for _, ref := range all {
		if ref.IsActive {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) OngoingTaskCount(_ context.Context, projectCrewID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ongoing[projectCrewID], nil
}

func (d *MemoryDirectory) RoleRequirement(_ context.Context, projectID, roleID string) (RoleRequirement, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	req, ok := d.roles[roleKey(projectID, roleID)]
	if !ok {
		return RoleRequirement{}, ErrRoleNotFound
	}
	return req, nil
}
