package export

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// EventKind names what an Event reports.
type EventKind string

// Event kinds.
const (
	EventNodeListed  EventKind = "node.listed"
	EventNodeDone    EventKind = "node.done"
	EventNodeRetry   EventKind = "node.retry"
	EventNodeFailed  EventKind = "node.failed"
	EventJobStatus   EventKind = "job.status"
	EventJobProgress EventKind = "job.progress"
)

// Event is delivered to observers as the job progresses.
type Event struct {
	JobID    string    `json:"job_id"`
	Kind     EventKind `json:"kind"`
	Time     time.Time `json:"time"`
	NodeID   string    `json:"node_id,omitempty"`
	Path     string    `json:"path,omitempty"`
	Service  Service   `json:"service,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Children int       `json:"children,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Status   JobStatus `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`

	// Stats is set on EventJobProgress.
	Stats *PoolStats `json:"stats,omitempty"`
}

// Observers is a per-job set of event listeners.
type Observers struct {
	mu     stdsync.Mutex
	nextID int
	subs   map[string]map[int]func(Event)
	logger *slog.Logger
}

// NewObservers returns an empty listener set.
func NewObservers(logger *slog.Logger) *Observers {
	return &Observers{
		subs:   make(map[string]map[int]func(Event)),
		logger: logger,
	}
}

// Subscribe registers fn for events of jobID and returns a function that
// removes it. fn is called synchronously from worker goroutines and must not
// block.
func (o *Observers) Subscribe(jobID string, fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	id := o.nextID

	if o.subs[jobID] == nil {
		o.subs[jobID] = make(map[int]func(Event))
	}

	o.subs[jobID][id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		delete(o.subs[jobID], id)

		if len(o.subs[jobID]) == 0 {
			delete(o.subs, jobID)
		}
	}
}

// Emit delivers e to every listener of e.JobID. A panicking listener is
// logged and skipped.
func (o *Observers) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.subs[e.JobID]))

	for _, fn := range o.subs[e.JobID] {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		o.deliver(fn, e)
	}
}

func (o *Observers) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked",
				slog.String("kind", string(e.Kind)),
				slog.Any("panic", r),
			)
		}
	}()

	fn(e)
}
