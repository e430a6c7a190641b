package export

import (
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	stdsync "sync"
	"time"
)

// transitions is the discovery state machine. Undiscovered→Failed covers a
// container whose listing failed permanently; Done→Listed covers a leaf
// whose remote digest changed since it was exported.
var transitions = map[State][]State{
	StateUndiscovered: {StateListed, StateFailed},
	StateListed:       {StateQueued},
	StateQueued:       {StateFetching},
	StateFetching:     {StateDone, StateFailed},
	StateFailed:       {StateQueued},
	StateDone:         {StateListed},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// graphNode is the graph's private bookkeeping around a Node.
type graphNode struct {
	Node

	children   []string
	names      map[string]struct{} // lower-cased child names in use
	inflight   bool
	inFrontier bool
	relist     bool // Listed container to be listed again
	readyAt    time.Time
	attempts   int // attempts in the current retry budget, seeded from the ledger
	lastErr    string
}

// settled reports whether the node needs no further work this run.
func (gn *graphNode) settled() bool {
	if gn.Kind == KindContainer {
		return gn.State != StateUndiscovered && !gn.relist
	}

	return gn.State.Terminal()
}

// ready reports whether a worker may pick the node up now.
func (gn *graphNode) ready(now time.Time) bool {
	if gn.inflight || now.Before(gn.readyAt) {
		return false
	}

	if gn.Kind == KindContainer {
		return gn.State == StateUndiscovered || (gn.relist && gn.State == StateListed)
	}

	switch gn.State {
	case StateUndiscovered, StateListed, StateQueued:
		return true
	default:
		return false
	}
}

// GraphStats is a point-in-time summary of the graph.
type GraphStats struct {
	Total    int
	InFlight int
	ByState  map[State]int
}

// Graph maintains the discovered/undiscovered frontier of an export. All
// methods are safe for concurrent use; one mutex guards the whole graph.
//
// The frontier is a stack of batches: roots form the bottom batch and every
// expansion pushes its children as a new batch. NextReady scans from the top
// batch down and FIFO within a batch, so a freshly listed container's
// children are drained before its sibling containers are listed.
type Graph struct {
	mu       stdsync.Mutex
	nodes    map[string]*graphNode
	roots    *graphNode // synthetic parent of all roots; never visible
	batches  [][]string
	nextSeq  int64
	open     int
	inflight int

	sanitize func(string) string
	nowFunc  func() time.Time
	logger   *slog.Logger
}

// NewGraph creates an empty graph. sanitize maps a remote display name to a
// safe local path segment; nil uses a minimal default.
func NewGraph(sanitize func(string) string, logger *slog.Logger) *Graph {
	if sanitize == nil {
		sanitize = defaultSanitize
	}

	return &Graph{
		nodes:    make(map[string]*graphNode),
		roots:    &graphNode{names: make(map[string]struct{})},
		sanitize: sanitize,
		nowFunc:  time.Now,
		logger:   logger,
	}
}

// defaultSanitize strips path separators so a name is a single segment.
func defaultSanitize(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "untitled"
	}

	return name
}

// AddRoot inserts a root node in Undiscovered state.
func (g *Graph) AddRoot(n Node) (Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[n.ID]; ok {
		return Node{}, fmt.Errorf("%w: root %s", ErrDuplicateNode, n.ID)
	}

	n.ParentID = ""
	n.State = StateUndiscovered
	n.Seq = g.takeSeq()
	n.Name = g.uniqueName(g.roots, n.Name, nil)
	n.Path = n.Name

	gn := g.insert(n)
	g.roots.names[strings.ToLower(n.Name)] = struct{}{}
	g.roots.children = append(g.roots.children, n.ID)
	g.pushBatch([]*graphNode{gn})

	return gn.Node, nil
}

// Plan assigns discovery order and collision-free paths to the children of
// a container without inserting them. Children already present are omitted.
// The result is what Expand will insert, so callers can persist it first.
func (g *Graph) Plan(containerID string, children []Node) ([]Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, err := g.containerLocked(containerID)
	if err != nil {
		return nil, err
	}

	return g.planLocked(parent, children), nil
}

func (g *Graph) planLocked(parent *graphNode, children []Node) []Node {
	planned := make([]Node, 0, len(children))
	batchNames := make(map[string]struct{})
	seen := make(map[string]struct{}, len(children))

	for _, c := range children {
		if _, ok := g.nodes[c.ID]; ok {
			continue
		}

		if _, dup := seen[c.ID]; dup {
			continue
		}

		seen[c.ID] = struct{}{}

		c.ParentID = parent.ID
		if c.Service == "" {
			c.Service = parent.Service
		}

		if c.Kind == KindLeaf {
			c.State = StateListed
		} else {
			c.State = StateUndiscovered
		}

		c.Seq = g.takeSeq()
		c.Name = g.uniqueName(parent, c.Name, batchNames)
		batchNames[strings.ToLower(c.Name)] = struct{}{}
		c.Path = path.Join(parent.Path, c.Name)
		planned = append(planned, c)
	}

	return planned
}

// Expand inserts the children discovered by listing containerID and moves
// the container to Listed. Children whose id is already present are left
// untouched, so re-expanding with the same child set is a no-op. Children
// carrying a Seq (from Plan) keep their planned path and order.
func (g *Graph) Expand(containerID string, children []Node) ([]Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, err := g.containerLocked(containerID)
	if err != nil {
		return nil, err
	}

	switch parent.State {
	case StateUndiscovered:
		g.setStateLocked(parent, StateListed, "")
	case StateListed:
		if parent.relist {
			parent.relist = false
			g.open--
		}
	default:
		return nil, fmt.Errorf("%w: expand %s in state %s", ErrInvalidTransition, containerID, parent.State)
	}

	var unplanned []Node

	inserted := make([]*graphNode, 0, len(children))

	for _, c := range children {
		if _, ok := g.nodes[c.ID]; ok {
			continue
		}

		if c.Seq == 0 || c.ParentID != containerID {
			unplanned = append(unplanned, c)
			continue
		}

		inserted = append(inserted, g.adoptLocked(parent, c))
	}

	for _, c := range g.planLocked(parent, unplanned) {
		inserted = append(inserted, g.adoptLocked(parent, c))
	}

	g.pushBatch(inserted)

	out := make([]Node, len(inserted))
	for i, gn := range inserted {
		out[i] = gn.Node
	}

	return out, nil
}

// adoptLocked inserts a planned child under parent.
func (g *Graph) adoptLocked(parent *graphNode, c Node) *graphNode {
	if c.Seq >= g.nextSeq {
		g.nextSeq = c.Seq
	}

	gn := g.insert(c)
	parent.children = append(parent.children, c.ID)
	parent.names[strings.ToLower(c.Name)] = struct{}{}

	return gn
}

// NextReady returns the next node eligible for work and reserves it for the
// caller until Release. It returns false when nothing is ready, either
// because the graph is exhausted or because all remaining work is in flight
// or waiting out a retry delay.
func (g *Graph) NextReady() (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()

	for b := len(g.batches) - 1; b >= 0; b-- {
		batch := g.batches[b]
		kept := batch[:0]

		var picked *graphNode

		for _, id := range batch {
			gn := g.nodes[id]
			if gn.settled() && !gn.inflight {
				gn.inFrontier = false
				continue
			}

			kept = append(kept, id)

			if picked == nil && gn.ready(now) {
				picked = gn
			}
		}

		if len(kept) == 0 {
			g.batches = append(g.batches[:b], g.batches[b+1:]...)
		} else {
			g.batches[b] = kept
		}

		if picked != nil {
			picked.inflight = true
			g.inflight++

			return picked.Node, true
		}
	}

	return Node{}, false
}

// Release drops the caller's reservation. A non-zero retryAt keeps the node
// from being handed out again before that time.
func (g *Graph) Release(id string, retryAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok || !gn.inflight {
		return
	}

	gn.inflight = false
	gn.readyAt = retryAt
	g.inflight--
}

// TryClaim performs the Queued→Fetching transition, the sole gate that
// keeps two workers from fetching the same node. It reports false when the
// node is not Queued.
func (g *Graph) TryClaim(id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	if gn.State != StateQueued {
		return false, nil
	}

	g.setStateLocked(gn, StateFetching, "")

	return true, nil
}

// MarkState validates and applies a state transition. errInfo is recorded
// as the node's last error (cleared on Done).
func (g *Graph) MarkState(id string, to State, errInfo string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	if !validTransition(gn.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, gn.State, to)
	}

	g.setStateLocked(gn, to, errInfo)

	return nil
}

// Restore inserts a node recovered from the ledger with its recorded state,
// path and attempt count, bypassing the transition function. Nodes must be
// restored parents-first, in discovery order.
func (g *Graph) Restore(n Node, attempts int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}

	parent := g.roots
	if n.ParentID != "" {
		p, ok := g.nodes[n.ParentID]
		if !ok {
			return fmt.Errorf("%w: %s (child %s)", ErrUnknownParent, n.ParentID, n.ID)
		}

		if p.Kind != KindContainer {
			return fmt.Errorf("%w: %s is a leaf (child %s)", ErrInvalidTransition, n.ParentID, n.ID)
		}

		parent = p
	}

	if n.Seq > g.nextSeq {
		g.nextSeq = n.Seq
	}

	gn := g.insert(n)
	gn.attempts = attempts
	parent.children = append(parent.children, n.ID)
	parent.names[strings.ToLower(path.Base(n.Path))] = struct{}{}

	return nil
}

// RebuildFrontier recreates the frontier after Restore calls: unsettled
// roots form the bottom batch and each container's unsettled children form
// a batch above it, in discovery order.
func (g *Graph) RebuildFrontier() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.batches = nil

	for _, gn := range g.nodes {
		gn.inFrontier = false
	}

	var walk func(parent *graphNode)

	walk = func(parent *graphNode) {
		var batch []*graphNode

		for _, id := range parent.children {
			gn := g.nodes[id]
			if !gn.settled() {
				batch = append(batch, gn)
			}
		}

		g.pushBatch(batch)

		for _, id := range parent.children {
			if gn := g.nodes[id]; gn.Kind == KindContainer && gn.State == StateListed {
				walk(gn)
			}
		}
	}

	walk(g.roots)
}

// BeginAttempt counts one more listing or fetch attempt for the node and
// returns the new total.
func (g *Graph) BeginAttempt(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok {
		return 0
	}

	gn.attempts++

	return gn.attempts
}

// MarkForRelist makes a Listed container eligible to be listed again so new
// children are discovered and changed ones invalidated.
func (g *Graph) MarkForRelist(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	if gn.Kind != KindContainer || gn.State != StateListed || gn.relist {
		return nil
	}

	gn.relist = true
	g.open++

	if !gn.inFrontier {
		g.pushBatch([]*graphNode{gn})
	}

	return nil
}

// Invalidate moves a Done leaf back to Listed because its remote version
// changed, recording the new digest.
func (g *Graph) Invalidate(id, digest string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	if !validTransition(gn.State, StateListed) || gn.State != StateDone {
		return fmt.Errorf("%w: invalidate %s in state %s", ErrInvalidTransition, id, gn.State)
	}

	gn.Digest = digest
	gn.attempts = 0
	g.setStateLocked(gn, StateListed, "remote version changed")

	return nil
}

// Attempts returns how many attempts the node has used of its retry budget.
func (g *Graph) Attempts(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gn, ok := g.nodes[id]; ok {
		return gn.attempts
	}

	return 0
}

// Get returns a copy of the node.
func (g *Graph) Get(id string) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}

	return gn.Node, true
}

// Children returns copies of a container's children in discovery order.
func (g *Graph) Children(id string) []Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok {
		return nil
	}

	out := make([]Node, 0, len(gn.children))
	for _, cid := range gn.children {
		out = append(out, g.nodes[cid].Node)
	}

	return out
}

// Nodes returns copies of every node, in no particular order.
func (g *Graph) Nodes() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Node, 0, len(g.nodes))
	for _, gn := range g.nodes {
		out = append(out, gn.Node)
	}

	return out
}

// Exhausted reports whether every node is settled and nothing is in flight.
func (g *Graph) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.open == 0 && g.inflight == 0
}

// Snapshot returns per-state counts.
func (g *Graph) Snapshot() GraphStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := GraphStats{
		Total:    len(g.nodes),
		InFlight: g.inflight,
		ByState:  make(map[State]int),
	}

	for _, gn := range g.nodes {
		s.ByState[gn.State]++
	}

	return s
}

// insert registers a node and places unsettled nodes on the open count.
func (g *Graph) insert(n Node) *graphNode {
	gn := &graphNode{Node: n}
	if n.Kind == KindContainer {
		gn.names = make(map[string]struct{})
	}

	g.nodes[n.ID] = gn

	if !gn.settled() {
		g.open++
	}

	return gn
}

// setStateLocked applies a state change and keeps the open count and the
// frontier membership consistent.
func (g *Graph) setStateLocked(gn *graphNode, to State, errInfo string) {
	wasSettled := gn.settled()
	gn.State = to

	if to == StateDone {
		gn.lastErr = ""
	} else if errInfo != "" {
		gn.lastErr = errInfo
	}

	nowSettled := gn.settled()

	switch {
	case wasSettled && !nowSettled:
		g.open++

		if !gn.inFrontier {
			g.pushBatch([]*graphNode{gn})
		}
	case !wasSettled && nowSettled:
		g.open--
	}
}

// pushBatch places nodes on top of the frontier stack.
func (g *Graph) pushBatch(batch []*graphNode) {
	if len(batch) == 0 {
		return
	}

	ids := make([]string, len(batch))
	for i, gn := range batch {
		ids[i] = gn.ID
		gn.inFrontier = true
	}

	g.batches = append(g.batches, ids)
}

func (g *Graph) containerLocked(id string) (*graphNode, error) {
	gn, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, id)
	}

	if gn.Kind != KindContainer {
		return nil, fmt.Errorf("%w: %s is a leaf and has no children", ErrInvalidTransition, id)
	}

	return gn, nil
}

func (g *Graph) takeSeq() int64 {
	g.nextSeq++
	return g.nextSeq
}

// uniqueName sanitises name and appends _1, _2, ... before the extension
// until it collides with neither the parent's names nor the pending batch.
func (g *Graph) uniqueName(parent *graphNode, name string, pending map[string]struct{}) string {
	name = g.sanitize(name)

	taken := func(candidate string) bool {
		key := strings.ToLower(candidate)
		if _, ok := parent.names[key]; ok {
			return true
		}

		_, ok := pending[key]

		return ok
	}

	if !taken(name) {
		return name
	}

	stem, ext := splitExt(name)

	for i := 1; ; i++ {
		candidate := stem + "_" + strconv.Itoa(i) + ext
		if !taken(candidate) {
			return candidate
		}
	}
}

// splitExt splits "report.final.pdf" into "report.final" and ".pdf". Names
// starting with a dot and names without one have no extension.
func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}

	return name[:i], name[i:]
}
