package truth

import (
	"sync"
	"time"

	"brewva/internal/utils/id"
)

// ItemStatus is a task item lifecycle state.
type ItemStatus string

const (
	ItemTodo    ItemStatus = "todo"
	ItemDoing   ItemStatus = "doing"
	ItemDone    ItemStatus = "done"
	ItemBlocked ItemStatus = "blocked"
)

// Item is one unit of the task plan.
type Item struct {
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Status  ItemStatus `json:"status"`
	Updated time.Time  `json:"updated"`
}

// Blocker mirrors an active truth fact into the task plan.
type Blocker struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	TruthFactID string    `json:"truthFactId"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	ResolvedAt  time.Time `json:"resolvedAt,omitempty"`
}

// TaskState is the per-session plan plus its blockers.
type TaskState struct {
	Spec     string    `json:"spec"`
	Items    []Item    `json:"items"`
	Blockers []Blocker `json:"blockers"`
}

// TaskLedger keeps per-session task state and applies fact changes to it.
type TaskLedger struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*TaskState
}

// NewTaskLedger builds a task ledger.
func NewTaskLedger() *TaskLedger {
	return &TaskLedger{
		now:      time.Now,
		sessions: make(map[string]*TaskState),
	}
}

func (l *TaskLedger) stateLocked(sessionID string) *TaskState {
	st := l.sessions[sessionID]
	if st == nil {
		st = &TaskState{}
		l.sessions[sessionID] = st
	}
	return st
}

// SetSpec records the task specification text.
func (l *TaskLedger) SetSpec(sessionID, spec string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(sessionID).Spec = spec
}

// UpsertItem adds or updates a plan item. A new item gets a generated id.
func (l *TaskLedger) UpsertItem(sessionID string, item Item) Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(sessionID)
	item.Updated = l.now()
	if item.Status == "" {
		item.Status = ItemTodo
	}
	for i := range st.Items {
		if st.Items[i].ID == item.ID {
			st.Items[i] = item
			return item
		}
	}
	if item.ID == "" {
		item.ID = id.NewUnitID()
	}
	st.Items = append(st.Items, item)
	return item
}

// ApplyFactChanges syncs blockers with fact transitions: a created fact
// gains a blocker, a resolved fact resolves its blocker.
func (l *TaskLedger) ApplyFactChanges(sessionID string, changes []Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(sessionID)
	for _, change := range changes {
		switch {
		case change.Created:
			st.Blockers = append(st.Blockers, Blocker{
				ID:          id.NewBlockerID(),
				Summary:     change.Fact.Summary,
				TruthFactID: change.Fact.ID,
				Status:      StatusActive,
				CreatedAt:   l.now(),
			})
		case change.Resolved:
			for i := range st.Blockers {
				if st.Blockers[i].TruthFactID == change.Fact.ID && st.Blockers[i].Status == StatusActive {
					st.Blockers[i].Status = StatusResolved
					st.Blockers[i].ResolvedAt = l.now()
				}
			}
		}
	}
}

// State returns a copy of the session's task state.
func (l *TaskLedger) State(sessionID string) TaskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(sessionID)
	out := TaskState{Spec: st.Spec}
	out.Items = append(out.Items, st.Items...)
	out.Blockers = append(out.Blockers, st.Blockers...)
	return out
}

// ActiveBlockers returns the unresolved blockers.
func (l *TaskLedger) ActiveBlockers(sessionID string) []Blocker {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(sessionID)
	var out []Blocker
	for _, b := range st.Blockers {
		if b.Status == StatusActive {
			out = append(out, b)
		}
	}
	return out
}

// ClearSessionState drops the per-session task state.
func (l *TaskLedger) ClearSessionState(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}
