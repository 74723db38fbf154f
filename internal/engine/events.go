package engine

import (
	"sync"

	"github.com/google/uuid"
)

// EventType discriminates progress events emitted during a run.
type EventType int

const (
	EventRunStarted EventType = iota
	EventServerStarted
	EventSubjectApplied
	EventSubjectFailed
	EventServerCompleted
	EventRunCompleted
)

func (t EventType) String() string {
	switch t {
	case EventRunStarted:
		return "run_started"
	case EventServerStarted:
		return "server_started"
	case EventSubjectApplied:
		return "subject_applied"
	case EventSubjectFailed:
		return "subject_failed"
	case EventServerCompleted:
		return "server_completed"
	case EventRunCompleted:
		return "run_completed"
	default:
		return "unknown"
	}
}

// Event is one progress notification. Fields beyond Type and RunID are
// populated where they apply: Server for server-scoped events, Subject
// and DN for per-subject events, Err for failures.
type Event struct {
	Type    EventType
	RunID   uuid.UUID
	Server  string
	Subject int
	DN      string
	Err     error
}

// EventFunc receives progress events. Callbacks are invoked
// synchronously from the run goroutine; a slow callback slows the run.
type EventFunc func(Event)

// DoneFunc receives the final summary exactly once.
type DoneFunc func(*Summary)

// notifier fans events out to an optional callback and guarantees the
// completion callback fires at most once even if a run path signals
// completion twice.
type notifier struct {
	events EventFunc
	done   DoneFunc
	once   sync.Once
}

func newNotifier(events EventFunc, done DoneFunc) *notifier {
	return &notifier{events: events, done: done}
}

func (n *notifier) emit(ev Event) {
	if n.events != nil {
		n.events(ev)
	}
}

func (n *notifier) complete(summary *Summary) {
	n.once.Do(func() {
		n.emit(Event{Type: EventRunCompleted, RunID: summary.RunID})
		if n.done != nil {
			n.done(summary)
		}
	})
}
