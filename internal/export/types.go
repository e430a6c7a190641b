// Package export implements the resumable bulk-export engine: a lazily
// discovered task graph of remote nodes, a bounded worker pool that lists
// containers and fetches leaves, per-service token-bucket rate limiting, and
// a SQLite progress ledger that lets an interrupted job resume without
// re-listing or re-fetching completed work.
package export

import (
	"fmt"
	"time"
)

// Service tags the remote API a node belongs to. Each service has its own
// rate budget and its own RemoteSource implementation.
type Service string

// Known services.
const (
	ServiceDrive  Service = "drive"
	ServicePhotos Service = "photos"
	ServiceSheets Service = "sheets"
	ServiceSlides Service = "slides"
)

// Kind distinguishes nodes that have children from nodes that have content.
type Kind int

// Node kinds.
const (
	KindContainer Kind = iota
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a ledger TEXT value back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "container":
		return KindContainer, nil
	case "leaf":
		return KindLeaf, nil
	default:
		return KindLeaf, fmt.Errorf("export: unknown node kind %q", s)
	}
}

// State is a node's position in the discovery state machine.
type State int

// Discovery states.
const (
	StateUndiscovered State = iota
	StateListed
	StateQueued
	StateFetching
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateUndiscovered: "undiscovered",
	StateListed:       "listed",
	StateQueued:       "queued",
	StateFetching:     "fetching",
	StateDone:         "done",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState converts a ledger TEXT value back to a State.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}

	return StateUndiscovered, fmt.Errorf("export: unknown node state %q", s)
}

// Terminal reports whether no further work is scheduled for a node in this
// state during the current run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// SizeUnknown is the Size of containers and of leaves whose byte count is
// only known once fetched, such as exported documents.
const SizeUnknown int64 = -1

// Node identifies one remote object. Nodes are created by discovery and only
// mutated through Graph.MarkState; they are never deleted.
type Node struct {
	ID       string
	Service  Service
	Kind     Kind
	ParentID string // empty for roots
	Name     string
	MimeType string
	Size     int64 // bytes; SizeUnknown when the service does not say
	Modified time.Time
	Digest   string // opaque version token used for change detection

	// Filled in by the graph.
	Path  string // slash-separated path relative to the job output root
	Seq   int64  // discovery order
	State State
}

// IsContainer reports whether the node can have children.
func (n *Node) IsContainer() bool {
	return n.Kind == KindContainer
}

// JobStatus is the lifecycle state of an ExportJob.
type JobStatus string

// Job statuses.
const (
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the root aggregate of one export. The ledger database holds
// exactly one job.
type Job struct {
	ID         string
	OutputRoot string
	Roots      []string
	CreatedAt  time.Time
	Status     JobStatus
	LastError  string
}

// Failure describes one node that ended Failed.
type Failure struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}
