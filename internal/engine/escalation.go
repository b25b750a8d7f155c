package engine

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RunEscalationScan sweeps ongoing tasks whose expected end time passed more
// than the configured grace ago and escalates them through the store's
// conditional update, so two concurrent passes escalate each task exactly
// once. Individual task failures are logged and skipped; only scan
// infrastructure failure is returned.
func (e *Engine) RunEscalationScan(ctx context.Context, now time.Time) ([]string, error) {
	if now.IsZero() {
		now = e.now()
	}
	started := e.now()
	cutoff := now.Add(-e.cfg.EscalationGrace)

	sctx, cancel := e.withStoreTimeout(ctx)
	defer cancel()
	overdue, err := e.store.ListOverdueOngoing(sctx, cutoff)
	if err != nil {
		return nil, e.mapStoreErr(fmt.Errorf("escalation scan: %w", err))
	}

	escalated := make([]string, 0, len(overdue))
	for _, task := range overdue {
		reason := fmt.Sprintf("SLA exceeded by %s", now.Sub(*task.ExpectedEndTime).Truncate(time.Minute))
		applied, err := e.store.EscalateIfOverdue(sctx, task.ID, now, reason)
		if err != nil {
			log.Printf("escalate task %s failed: %v", task.ID, err)
			continue
		}
		if !applied {
			// Lost the race to another pass or a lifecycle transition.
			continue
		}
		escalated = append(escalated, task.ID)
		if e.metrics != nil {
			e.metrics.Escalations.Inc()
			e.metrics.Transitions.WithLabelValues(string(StatusOngoing), string(StatusEscalated)).Inc()
		}
		e.hub.Publish(Event{
			Type:      EventTaskEscalated,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Status:    StatusEscalated,
			Actor:     "escalation-scanner",
			Reason:    reason,
			At:        now,
		})
	}

	if e.metrics != nil {
		e.metrics.EscalationScans.Inc()
		e.metrics.ObserveScanDuration(e.now().Sub(started))
	}
	return escalated, nil
}

// StartEscalationScanner runs the scan on a fixed interval until ctx is
// cancelled. The scanner never blocks lifecycle calls; it shares their
// compare-and-swap discipline instead.
func (e *Engine) StartEscalationScanner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.RunEscalationScan(ctx, e.now()); err != nil {
					log.Printf("escalation scan pass failed: %v", err)
				}
			}
		}
	}()
}
