package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobExists is returned by Start when the ledger already holds a job.
var ErrJobExists = errors.New("export: ledger already holds a job")

// Options configures an Orchestrator.
type Options struct {
	Pool           PoolConfig
	RateLimits     map[Service]RateConfig
	BandwidthLimit int64 // bytes per second, 0 = unlimited
	FailOnError    bool  // end Failed if any node failed
	Relist         bool  // on resume, list Listed containers again
	Sanitize       func(string) string
}

// Report is the answer to Status.
type Report struct {
	Job      Job
	Counts   map[State]int
	Failures []Failure
	InFlight int
	Stats    PoolStats
	Running  bool
}

// Orchestrator owns one export job: it seeds or restores the task graph,
// runs the worker pool over it and records the job's terminal status.
type Orchestrator struct {
	ledger    *Ledger
	sources   *Sources
	sink      LocalSink
	opts      Options
	limiter   *RateLimiter
	bandwidth *BandwidthLimiter
	observers *Observers
	logger    *slog.Logger

	mu     stdsync.Mutex
	job    *Job
	graph  *Graph
	pool   *WorkerPool
	cancel context.CancelFunc
	paused bool

	// pausePending is set by a Pause that arrives before the run starts.
	pausePending bool
}

// NewOrchestrator wires an orchestrator around an open ledger.
func NewOrchestrator(ledger *Ledger, sources *Sources, sink LocalSink, opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:    ledger,
		sources:   sources,
		sink:      sink,
		opts:      opts,
		limiter:   NewRateLimiter(opts.RateLimits, logger),
		bandwidth: NewBandwidthLimiter(opts.BandwidthLimit, logger),
		observers: NewObservers(logger),
		logger:    logger,
	}
}

// NewJob returns a fresh Running job writing under outputRoot.
func NewJob(outputRoot string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		OutputRoot: outputRoot,
		CreatedAt:  time.Now(),
		Status:     JobRunning,
	}
}

// Start records job in the ledger, seeds the roots of every registered
// source and runs until the graph is exhausted, Pause is called, ctx ends or
// a fatal error occurs. A Failed outcome is returned as an error wrapping
// ErrJobFailed.
func (o *Orchestrator) Start(ctx context.Context, job *Job) (JobStatus, error) {
	existing, err := o.ledger.LoadJob(ctx)
	if err == nil {
		return "", fmt.Errorf("%w: %s (use resume)", ErrJobExists, existing.ID)
	}

	if !errors.Is(err, ErrNoJob) {
		return "", err
	}

	job.Status = JobRunning
	if err := o.ledger.CreateJob(ctx, job); err != nil {
		return "", err
	}

	o.logger.Info("export job created",
		slog.String("job_id", job.ID),
		slog.String("output_root", job.OutputRoot),
	)

	g := NewGraph(o.opts.Sanitize, o.logger)

	if err := o.seedRoots(ctx, job, g); err != nil {
		return o.finish(ctx, job, JobFailed, err)
	}

	return o.run(ctx, job, g)
}

// Resume rebuilds the graph from the ledger and continues the job. Done
// nodes are not fetched again unless their local file is gone.
func (o *Orchestrator) Resume(ctx context.Context) (JobStatus, error) {
	job, err := o.ledger.LoadJob(ctx)
	if err != nil {
		return "", err
	}

	if job.Status == JobCompleted && !o.opts.Relist {
		o.logger.Info("job already completed", slog.String("job_id", job.ID))
		return JobCompleted, nil
	}

	if _, err := o.ledger.ResetForResume(ctx); err != nil {
		return "", err
	}

	g, restored, err := o.restore(ctx)
	if err != nil {
		return o.finish(ctx, job, JobFailed, err)
	}

	if restored == 0 {
		if err := o.seedRoots(ctx, job, g); err != nil {
			return o.finish(ctx, job, JobFailed, err)
		}
	}

	job.Status = JobRunning
	job.LastError = ""

	if err := o.ledger.SetJobStatus(ctx, job.ID, JobRunning, ""); err != nil {
		return "", err
	}

	o.logger.Info("export job resumed",
		slog.String("job_id", job.ID),
		slog.Int("restored_nodes", restored),
	)

	return o.run(ctx, job, g)
}

// restore loads every ledger entry into a new graph.
func (o *Orchestrator) restore(ctx context.Context) (*Graph, int, error) {
	entries, err := o.ledger.Load(ctx)
	if err != nil {
		return nil, 0, err
	}

	g := NewGraph(o.opts.Sanitize, o.logger)
	exister, canCheck := o.sink.(Exister)

	for i := range entries {
		e := &entries[i]

		missing := e.Kind == KindLeaf && e.State == StateDone && canCheck && !exister.Exists(e.Path)

		attempts := e.Attempts
		if missing {
			attempts = 0
		}

		if err := g.Restore(e.Node, attempts); err != nil {
			return nil, 0, err
		}

		switch {
		case missing:
			if err := o.ledger.Reopen(ctx, e.ID, "local file missing"); err != nil {
				return nil, 0, err
			}

			if err := g.MarkState(e.ID, StateListed, "local file missing"); err != nil {
				return nil, 0, err
			}

			o.logger.Info("local file missing, re-fetching", slog.String("path", e.Path))
		case e.Kind == KindContainer && e.State == StateListed && o.opts.Relist:
			if err := g.MarkForRelist(e.ID); err != nil {
				return nil, 0, err
			}
		}
	}

	g.RebuildFrontier()

	return g, len(entries), nil
}

// seedRoots adds every source's roots to the graph and the ledger.
func (o *Orchestrator) seedRoots(ctx context.Context, job *Job, g *Graph) error {
	var added []Node

	for _, src := range o.sources.All() {
		roots, err := src.Roots(ctx)
		if errors.Is(err, ErrAuth) {
			if ra, ok := src.(Reauthenticator); ok {
				if rerr := ra.Reauthenticate(ctx); rerr == nil {
					roots, err = src.Roots(ctx)
				}
			}
		}

		if err != nil {
			return fmt.Errorf("export: seeding roots: %w", err)
		}

		for _, r := range roots {
			n, err := g.AddRoot(r)
			if errors.Is(err, ErrDuplicateNode) {
				o.logger.Warn("duplicate root skipped", slog.String("node_id", r.ID))
				continue
			}

			if err != nil {
				return err
			}

			added = append(added, n)
		}
	}

	if err := o.ledger.RecordRoots(ctx, job.ID, added); err != nil {
		return err
	}

	job.Roots = job.Roots[:0]
	for _, n := range added {
		job.Roots = append(job.Roots, n.ID)
	}

	o.logger.Info("roots seeded", slog.Int("count", len(added)))

	return nil
}

func (o *Orchestrator) run(ctx context.Context, job *Job, g *Graph) (JobStatus, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewWorkerPool(o.opts.Pool, job.ID, g, o.ledger, o.sources, o.sink,
		o.limiter, o.bandwidth, o.observers.Emit, o.logger)

	o.mu.Lock()
	o.job = job
	o.graph = g
	o.pool = pool
	o.cancel = cancel
	o.paused = o.pausePending
	o.pausePending = false

	if o.paused {
		cancel()
	}
	o.mu.Unlock()

	o.observers.Emit(Event{JobID: job.ID, Kind: EventJobStatus, Status: JobRunning})

	runErr := pool.Run(runCtx)

	o.mu.Lock()
	o.cancel = nil
	o.mu.Unlock()

	switch {
	case runErr != nil:
		return o.finish(ctx, job, JobFailed, runErr)
	case !g.Exhausted():
		return o.finish(ctx, job, JobPaused, nil)
	}

	failures, err := o.ledger.Failures(context.WithoutCancel(ctx))
	if err != nil {
		return o.finish(ctx, job, JobFailed, err)
	}

	if len(failures) > 0 && o.opts.FailOnError {
		return o.finish(ctx, job, JobFailed, fmt.Errorf("%d node(s) failed", len(failures)))
	}

	return o.finish(ctx, job, JobCompleted, nil)
}

// finish records the job's status. A Failed status is returned as an error.
func (o *Orchestrator) finish(ctx context.Context, job *Job, status JobStatus, cause error) (JobStatus, error) {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	job.Status = status
	job.LastError = lastErr

	if err := o.ledger.SetJobStatus(context.WithoutCancel(ctx), job.ID, status, lastErr); err != nil {
		o.logger.Error("recording job status failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	o.observers.Emit(Event{JobID: job.ID, Kind: EventJobStatus, Status: status, Error: lastErr})

	o.logger.Info("export job stopped",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
	)

	if status == JobFailed {
		return status, fmt.Errorf("%w: %w", ErrJobFailed, cause)
	}

	return status, nil
}

// Pause stops dispatching new work. In-flight nodes finish and are
// recorded; the run then returns JobPaused. A Pause during seeding or
// restore takes effect as soon as the run starts.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel == nil {
		o.pausePending = true
		o.logger.Info("pause requested before run")

		return
	}

	if !o.paused {
		o.paused = true
		o.cancel()
		o.logger.Info("pause requested")
	}
}

// Status reports per-state counts and failures from the ledger, plus live
// counters when a run is in progress.
func (o *Orchestrator) Status(ctx context.Context) (*Report, error) {
	job, err := o.ledger.LoadJob(ctx)
	if err != nil {
		return nil, err
	}

	counts, err := o.ledger.Counts(ctx)
	if err != nil {
		return nil, err
	}

	failures, err := o.ledger.Failures(ctx)
	if err != nil {
		return nil, err
	}

	r := &Report{Job: *job, Counts: counts, Failures: failures}

	o.mu.Lock()
	if o.cancel != nil {
		r.Running = true
		r.InFlight = o.graph.Snapshot().InFlight
		r.Stats = o.pool.Stats()
	}
	o.mu.Unlock()

	return r, nil
}

// Subscribe registers fn for events of jobID. The returned function removes
// the listener.
func (o *Orchestrator) Subscribe(jobID string, fn func(Event)) func() {
	return o.observers.Subscribe(jobID, fn)
}
