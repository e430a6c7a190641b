package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Worker pool bounds.
const (
	defaultWorkers      = 4
	minWorkers          = 1
	maxWorkers          = 64
	defaultPollInterval = 100 * time.Millisecond
	defaultProgressTick = time.Second
)

// errDigestMismatch marks a committed file whose MD5 differs from the one
// the service published. It is retried like any transient failure.
var errDigestMismatch = fmt.Errorf("export: content digest mismatch: %w", ErrTransientIO)

// PoolConfig tunes a WorkerPool. Zero values take defaults.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	Backoff      Backoff

	// ProgressInterval spaces EventJobProgress snapshots.
	ProgressInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}

	c.Workers = min(max(c.Workers, minWorkers), maxWorkers)

	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressTick
	}

	return c
}

// PoolStats are the pool's running counters.
type PoolStats struct {
	Listed  int64 `json:"listed"`
	Fetched int64 `json:"fetched"`
	Failed  int64 `json:"failed"`
	Retried int64 `json:"retried"`
	Bytes   int64 `json:"bytes"`
}

// WorkerPool runs a fixed number of slots that pull ready nodes from the
// graph: containers are listed and expanded, leaves fetched into the sink.
// Every node transition is written to the ledger before the graph sees it.
type WorkerPool struct {
	cfg       PoolConfig
	jobID     string
	graph     *Graph
	ledger    *Ledger
	sources   *Sources
	sink      LocalSink
	limiter   *RateLimiter
	bandwidth *BandwidthLimiter
	emit      func(Event)
	logger    *slog.Logger

	// sleepFunc waits between polls. Tests replace it.
	sleepFunc func(ctx context.Context, d time.Duration) error
	nowFunc   func() time.Time

	listed  atomic.Int64
	fetched atomic.Int64
	failed  atomic.Int64
	retried atomic.Int64
	bytes   atomic.Int64
}

// NewWorkerPool wires a pool. bandwidth may be nil (unlimited) and emit may
// be nil (no events).
func NewWorkerPool(
	cfg PoolConfig,
	jobID string,
	graph *Graph,
	ledger *Ledger,
	sources *Sources,
	sink LocalSink,
	limiter *RateLimiter,
	bandwidth *BandwidthLimiter,
	emit func(Event),
	logger *slog.Logger,
) *WorkerPool {
	if emit == nil {
		emit = func(Event) {}
	}

	return &WorkerPool{
		cfg:       cfg.withDefaults(),
		jobID:     jobID,
		graph:     graph,
		ledger:    ledger,
		sources:   sources,
		sink:      sink,
		limiter:   limiter,
		bandwidth: bandwidth,
		emit:      emit,
		logger:    logger,
		sleepFunc: timeSleep,
		nowFunc:   time.Now,
	}
}

// Run blocks until the graph is exhausted, ctx is canceled, or a slot hits a
// job-fatal error, which is returned. Cancellation stops dispatch; work
// already in flight completes and is recorded. A progress snapshot is
// emitted every ProgressInterval and once more when the pool stops.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.logger.Info("worker pool started", slog.Int("workers", p.cfg.Workers))

	for i := range p.cfg.Workers {
		g.Go(func() error {
			return p.slot(gctx, i)
		})
	}

	stop := make(chan struct{})
	ticking := make(chan struct{})

	go func() {
		defer close(ticking)
		p.tickProgress(stop)
	}()

	err := g.Wait()

	close(stop)
	<-ticking
	p.emitProgress()

	p.logger.Info("worker pool stopped",
		slog.Int64("listed", p.listed.Load()),
		slog.Int64("fetched", p.fetched.Load()),
		slog.Int64("failed", p.failed.Load()),
	)

	return err
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Listed:  p.listed.Load(),
		Fetched: p.fetched.Load(),
		Failed:  p.failed.Load(),
		Retried: p.retried.Load(),
		Bytes:   p.bytes.Load(),
	}
}

func (p *WorkerPool) tickProgress(stop <-chan struct{}) {
	t := time.NewTicker(p.cfg.ProgressInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			p.emitProgress()
		}
	}
}

func (p *WorkerPool) emitProgress() {
	stats := p.Stats()
	p.emit(Event{JobID: p.jobID, Kind: EventJobProgress, Stats: &stats})
}

func (p *WorkerPool) slot(ctx context.Context, id int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, ok := p.graph.NextReady()
		if !ok {
			if p.graph.Exhausted() {
				p.logger.Debug("slot finished", slog.Int("slot", id))
				return nil
			}

			if err := p.sleepFunc(ctx, p.cfg.PollInterval); err != nil {
				return nil
			}

			continue
		}

		if err := p.safeProcess(ctx, n); err != nil {
			return err
		}
	}
}

// safeProcess runs one node with panic recovery. The reservation taken by
// NextReady is always released.
func (p *WorkerPool) safeProcess(ctx context.Context, n Node) (err error) {
	var retryAt time.Time

	defer func() {
		p.graph.Release(n.ID, retryAt)
	}()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker: panic while processing node",
				slog.String("node_id", n.ID),
				slog.String("path", n.Path),
				slog.Any("panic", r),
			)

			err = p.failPermanent(ctx, n, fmt.Errorf("panic: %v", r))
		}
	}()

	if n.IsContainer() {
		retryAt, err = p.list(ctx, n)
	} else {
		retryAt, err = p.fetch(ctx, n)
	}

	return err
}

// list expands one container. A relisted container also invalidates Done
// children whose remote digest changed.
func (p *WorkerPool) list(ctx context.Context, n Node) (time.Time, error) {
	src, err := p.sources.For(n.Service)
	if err != nil {
		return time.Time{}, p.failPermanent(ctx, n, err)
	}

	if err := p.limiter.Acquire(ctx, n.Service, 1); err != nil {
		return time.Time{}, nil //nolint:nilerr // canceled: node stays Undiscovered
	}

	attempt := p.graph.BeginAttempt(n.ID)
	work := context.WithoutCancel(ctx)

	var children []Node

	err = p.withReauth(work, n, src, func(ctx context.Context) error {
		var lerr error
		children, lerr = src.List(ctx, n)

		return lerr
	})
	if err == nil {
		if dm, ok := p.sink.(DirMaker); ok {
			err = dm.EnsureDir(work, n.Path)
		}
	}

	if err != nil {
		return p.handleFailure(work, n, attempt, err)
	}

	planned, err := p.graph.Plan(n.ID, children)
	if err != nil {
		return time.Time{}, err
	}

	if err := p.ledger.RecordExpansion(work, n, planned); err != nil {
		return time.Time{}, err
	}

	if _, err := p.graph.Expand(n.ID, planned); err != nil {
		return time.Time{}, err
	}

	if err := p.invalidateChanged(work, children); err != nil {
		return time.Time{}, err
	}

	p.listed.Add(1)
	p.emit(Event{
		JobID: p.jobID, Kind: EventNodeListed, NodeID: n.ID, Path: n.Path,
		Service: n.Service, Children: len(planned),
	})

	p.logger.Debug("container listed",
		slog.String("node_id", n.ID),
		slog.String("path", n.Path),
		slog.Int("new_children", len(planned)),
	)

	return time.Time{}, nil
}

// invalidateChanged re-queues Done leaves whose listed digest no longer
// matches the one they were exported with.
func (p *WorkerPool) invalidateChanged(ctx context.Context, listed []Node) error {
	for i := range listed {
		c := &listed[i]
		if c.Kind != KindLeaf || c.Digest == "" {
			continue
		}

		cur, ok := p.graph.Get(c.ID)
		if !ok || cur.State != StateDone || cur.Digest == c.Digest {
			continue
		}

		if err := p.ledger.Invalidate(ctx, c.ID, c.Digest); err != nil {
			return err
		}

		if err := p.graph.Invalidate(c.ID, c.Digest); err != nil {
			return err
		}

		p.logger.Info("remote version changed, re-fetching",
			slog.String("node_id", c.ID),
			slog.String("path", cur.Path),
		)
	}

	return nil
}

// fetch downloads one leaf into the sink.
func (p *WorkerPool) fetch(ctx context.Context, n Node) (time.Time, error) {
	if err := p.queue(context.WithoutCancel(ctx), n); err != nil {
		return time.Time{}, err
	}

	if err := p.limiter.Acquire(ctx, n.Service, 1); err != nil {
		return time.Time{}, nil //nolint:nilerr // canceled: node stays Queued
	}

	work := context.WithoutCancel(ctx)

	if err := p.ledger.SetState(work, n.ID, StateFetching, ""); err != nil {
		return time.Time{}, err
	}

	claimed, err := p.graph.TryClaim(n.ID)
	if err != nil {
		return time.Time{}, err
	}

	if !claimed {
		p.logger.Warn("claim lost", slog.String("node_id", n.ID))
		return time.Time{}, nil
	}

	attempt := p.graph.BeginAttempt(n.ID)

	src, err := p.sources.For(n.Service)
	if err != nil {
		return p.handleFailure(work, n, attempt, err)
	}

	committed, digest, err := p.transfer(work, src, n)
	if err != nil {
		return p.handleFailure(work, n, attempt, err)
	}

	if err := p.ledger.Complete(work, n.ID, digest, committed.MD5); err != nil {
		return time.Time{}, err
	}

	if err := p.graph.MarkState(n.ID, StateDone, ""); err != nil {
		return time.Time{}, err
	}

	p.fetched.Add(1)
	p.bytes.Add(committed.Size)
	p.emit(Event{
		JobID: p.jobID, Kind: EventNodeDone, NodeID: n.ID, Path: n.Path,
		Service: n.Service, Bytes: committed.Size, Attempt: attempt,
	})

	p.logger.Debug("leaf fetched",
		slog.String("node_id", n.ID),
		slog.String("path", n.Path),
		slog.Int64("size", committed.Size),
		slog.Int("attempt", attempt),
	)

	return time.Time{}, nil
}

// queue moves a freshly reserved leaf to Queued. A root leaf passes through
// Listed first; a leaf re-queued by a retry is already Queued.
func (p *WorkerPool) queue(ctx context.Context, n Node) error {
	steps := map[State][]State{
		StateUndiscovered: {StateListed, StateQueued},
		StateListed:       {StateQueued},
	}[n.State]

	for _, st := range steps {
		if err := p.ledger.SetState(ctx, n.ID, st, ""); err != nil {
			return err
		}

		if err := p.graph.MarkState(n.ID, st, ""); err != nil {
			return err
		}
	}

	return nil
}

// transfer fetches content and commits it, verifying the published MD5.
func (p *WorkerPool) transfer(ctx context.Context, src RemoteSource, n Node) (Committed, string, error) {
	var content *Content

	err := p.withReauth(ctx, n, src, func(ctx context.Context) error {
		var ferr error
		content, ferr = src.Fetch(ctx, n)

		return ferr
	})
	if err != nil {
		return Committed{}, "", err
	}
	defer content.Body.Close()

	modified := content.Modified
	if modified.IsZero() {
		modified = n.Modified
	}

	body := p.bandwidth.WrapReader(ctx, content.Body)

	committed, err := p.sink.Write(ctx, n.Path, body, modified)
	if err != nil {
		return Committed{}, "", fmt.Errorf("export: writing %s: %w", n.Path, err)
	}

	if content.MD5 != "" && !strings.EqualFold(content.MD5, committed.MD5) {
		return Committed{}, "", fmt.Errorf("%w: %s remote %s local %s",
			errDigestMismatch, n.Path, content.MD5, committed.MD5)
	}

	digest := content.Digest
	if digest == "" {
		digest = n.Digest
	}

	return committed, digest, nil
}

// withReauth runs op and, on an auth failure, refreshes credentials once and
// retries once.
func (p *WorkerPool) withReauth(ctx context.Context, n Node, src RemoteSource, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || !errors.Is(err, ErrAuth) {
		return err
	}

	ra, ok := src.(Reauthenticator)
	if !ok {
		return err
	}

	p.logger.Warn("credentials rejected, refreshing",
		slog.String("service", string(n.Service)),
		slog.String("node_id", n.ID),
	)

	if rerr := ra.Reauthenticate(ctx); rerr != nil {
		return fmt.Errorf("%w (refresh failed: %v)", err, rerr)
	}

	return op(ctx)
}

// handleFailure applies the retry policy for a failed listing or fetch and
// returns when the node may be retried. A non-nil error is fatal to the job.
func (p *WorkerPool) handleFailure(ctx context.Context, n Node, attempt int, cause error) (time.Time, error) {
	switch classify(cause) {
	case classFatal:
		return time.Time{}, cause
	case classAuth:
		if err := p.recordFailed(ctx, n, cause); err != nil {
			return time.Time{}, err
		}

		return time.Time{}, fmt.Errorf("export: %s %s: %w", n.Service, n.ID, cause)
	case classPermanent:
		return time.Time{}, p.recordFailed(ctx, n, cause)
	}

	if attempt >= p.cfg.MaxAttempts {
		p.logger.Warn("giving up after retries",
			slog.String("node_id", n.ID),
			slog.Int("attempts", attempt),
		)

		return time.Time{}, p.recordFailed(ctx, n, cause)
	}

	delay := p.cfg.Backoff.Delay(attempt, retryAfter(cause))

	if n.IsContainer() {
		if err := p.ledger.RecordAttempt(ctx, n.ID, cause.Error()); err != nil {
			return time.Time{}, err
		}
	} else {
		if err := p.ledger.SetState(ctx, n.ID, StateFailed, cause.Error()); err != nil {
			return time.Time{}, err
		}

		if err := p.graph.MarkState(n.ID, StateFailed, cause.Error()); err != nil {
			return time.Time{}, err
		}

		if err := p.ledger.SetState(ctx, n.ID, StateQueued, ""); err != nil {
			return time.Time{}, err
		}

		if err := p.graph.MarkState(n.ID, StateQueued, ""); err != nil {
			return time.Time{}, err
		}
	}

	p.retried.Add(1)
	p.emit(Event{
		JobID: p.jobID, Kind: EventNodeRetry, NodeID: n.ID, Path: n.Path,
		Service: n.Service, Attempt: attempt, Error: cause.Error(),
	})

	p.logger.Info("retrying after failure",
		slog.String("node_id", n.ID),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", delay),
		slog.String("error", cause.Error()),
	)

	return p.nowFunc().Add(delay), nil
}

// recordFailed moves a node to Failed in the ledger and the graph. A
// container being relisted keeps its Listed state and existing children.
func (p *WorkerPool) recordFailed(ctx context.Context, n Node, cause error) error {
	if n.IsContainer() && n.State == StateListed {
		p.logger.Warn("relisting failed, keeping previous listing",
			slog.String("node_id", n.ID),
			slog.String("error", cause.Error()),
		)

		_, err := p.graph.Expand(n.ID, nil)

		return err
	}

	if err := p.ledger.SetState(ctx, n.ID, StateFailed, cause.Error()); err != nil {
		return err
	}

	if err := p.graph.MarkState(n.ID, StateFailed, cause.Error()); err != nil {
		return err
	}

	p.failed.Add(1)
	p.emit(Event{
		JobID: p.jobID, Kind: EventNodeFailed, NodeID: n.ID, Path: n.Path,
		Service: n.Service, Error: cause.Error(),
	})

	p.logger.Warn("node failed",
		slog.String("node_id", n.ID),
		slog.String("path", n.Path),
		slog.String("error", cause.Error()),
	)

	return nil
}

// failPermanent records a failure outside the normal retry path (no source,
// panic). When Failed is unreachable from the node's current state the
// failure is returned and ends the job.
func (p *WorkerPool) failPermanent(ctx context.Context, n Node, cause error) error {
	cur, ok := p.graph.Get(n.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, n.ID)
	}

	n.State = cur.State
	if !validTransition(cur.State, StateFailed) && !(n.IsContainer() && cur.State == StateListed) {
		return fmt.Errorf("export: %s in state %s: %w", n.ID, cur.State, cause)
	}

	return p.recordFailed(context.WithoutCancel(ctx), n, cause)
}
