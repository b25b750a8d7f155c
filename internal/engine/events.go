package engine

import (
	"log"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventTaskCreated    EventType = "task_created"
	EventTaskStarted    EventType = "task_started"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskEscalated  EventType = "task_escalated"
	EventTaskBlocked    EventType = "task_blocked"
	EventTaskUnblocked  EventType = "task_unblocked"
	EventTaskCancelled  EventType = "task_cancelled"
	EventTasksReady     EventType = "tasks_ready"
	EventCommentAdded   EventType = "comment_added"
	EventCrewAssigned   EventType = "crew_assigned"
)

type Event struct {
	Type       EventType `json:"type"`
	ProjectID  string    `json:"project_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	CrewID     string    `json:"crew_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ReadyCount int       `json:"ready_count,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier is the fire-and-forget notification sink. Failures are logged,
// never propagated to the mutation that triggered them.
type Notifier interface {
	Notify(evt Event) error
}

const defaultEventHistoryLimit = 512

// Hub fans events out to per-project subscribers and keeps a bounded
// per-task history for observability. Sends never block; a saturated
// subscriber drops events.
type Hub struct {
	mu           sync.RWMutex
	subscribers  map[string]map[int]chan Event
	nextSubID    int
	eventsByTask map[string][]Event
	historyMax   int
	extra        Notifier
}

func NewHub() *Hub {
	return &Hub{
		subscribers:  make(map[string]map[int]chan Event),
		eventsByTask: make(map[string][]Event),
		historyMax:   defaultEventHistoryLimit,
	}
}

// SetNotifier attaches an external notification sink invoked after fan-out.
func (h *Hub) SetNotifier(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extra = n
}

func (h *Hub) Subscribe(projectID string) (<-chan Event, func()) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[projectID]; !ok {
		h.subscribers[projectID] = make(map[int]chan Event)
	}
	h.subscribers[projectID][id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[projectID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, projectID)
		}
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	if taskID := strings.TrimSpace(evt.TaskID); taskID != "" {
		h.eventsByTask[taskID] = append(h.eventsByTask[taskID], evt)
		if max := h.historyMax; max > 0 && len(h.eventsByTask[taskID]) > max {
			trimFrom := len(h.eventsByTask[taskID]) - max
			h.eventsByTask[taskID] = append([]Event(nil), h.eventsByTask[taskID][trimFrom:]...)
		}
	}
	subs := h.subscribers[evt.ProjectID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	extra := h.extra
	h.mu.Unlock()

	if extra != nil {
		if err := extra.Notify(evt); err != nil {
			log.Printf("notifier error for %s on task %s: %v", evt.Type, evt.TaskID, err)
		}
	}
}

// History returns the most recent events for a task, oldest first.
func (h *Hub) History(taskID string, limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	events := h.eventsByTask[taskID]
	if len(events) == 0 {
		return []Event{}
	}
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out
}
