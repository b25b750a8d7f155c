package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ComputeReadySet returns the tasks eligible to start, ascending by
// structural order. A task is ready when it is pending, not archived, every
// earlier task in its step is completed, and its parent (when resolvable) is
// completed. The evaluator never mutates task state.
func (e *Engine) ComputeReadySet(ctx context.Context, projectID string) ([]TaskSummary, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", ErrValidation)
	}
	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	all, err := e.store.ListTasksByProject(sctx, projectID)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}
	ready := computeReady(all, e.cfg.CancelPropagates)
	if e.metrics != nil {
		e.metrics.ReadySetSize.Set(float64(len(ready)))
	}
	return ready, nil
}

// computeReady is the pure derivation over one project's tasks. When
// cancelledSatisfies is set, a cancelled prerequisite counts as done, so
// cancelling a task does not dead-end the rest of its step.
func computeReady(all []Task, cancelledSatisfies bool) []TaskSummary {
	byID := make(map[string]Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	out := make([]TaskSummary, 0, 8)
	for _, t := range all {
		if t.Status != StatusPending || t.IsArchived {
			continue
		}
		if !stepPrerequisitesDone(all, t, cancelledSatisfies) {
			continue
		}
		summary := t.Summary()
		if t.ParentTaskID != "" {
			parent, found := byID[t.ParentTaskID]
			switch {
			case found && !statusSatisfies(parent.Status, cancelledSatisfies):
				continue
			case !found && t.ParentBlocking:
				// Cross-project parent declared blocking: without a local
				// resolution the task stays out of the ready set.
				continue
			case !found:
				summary.ParentUnresolved = true
			}
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PhaseOrder != b.PhaseOrder {
			return a.PhaseOrder < b.PhaseOrder
		}
		if a.StepOrder != b.StepOrder {
			return a.StepOrder < b.StepOrder
		}
		return a.TaskOrder < b.TaskOrder
	})
	return out
}

// stepPrerequisitesDone reports whether every task ordered before t within
// the same phase and step is completed. The first task of a step has no
// structural prerequisite.
func stepPrerequisitesDone(all []Task, t Task, cancelledSatisfies bool) bool {
	for _, other := range all {
		if other.ID == t.ID || other.IsArchived {
			continue
		}
		if !sameStep(other, t) || !structuralLess(other, t) {
			continue
		}
		if !statusSatisfies(other.Status, cancelledSatisfies) {
			return false
		}
	}
	return true
}

func statusSatisfies(s Status, cancelledSatisfies bool) bool {
	return s == StatusCompleted || (cancelledSatisfies && s == StatusCancelled)
}
