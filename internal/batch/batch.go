// Package batch executes N independent duo conversations for one agent
// pair under a bounded concurrency level, with deterministic per-run
// seeding and incremental aggregate metrics.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"benchduo/internal/duo"
)

// ErrPrecondition marks a job rejected before any run started, typically
// because an agent pair is not ready to generate.
var ErrPrecondition = errors.New("batch precondition failed")

// Status of a batch job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Params configures one batch job. Run i derives its seed as Seed+i, so a
// batch is reproducible run-by-run when the backend honors seeds.
type Params struct {
	Agent1      duo.Participant
	Agent2      duo.Participant
	Prompt      string
	MaxTurns    int
	MaxDuration time.Duration
	Seed        int64
	NumRuns     int
	// Concurrency bounds simultaneously active runs; <=0 uses the engine
	// default. Batch runs share one inference backend, so this stays small.
	Concurrency int
}

// RunResult is the outcome of one constituent run. Errored runs are
// recorded here too; they count toward completion.
type RunResult struct {
	RunIndex       int           `json:"run_index"`
	ConversationID string        `json:"conversation_id"`
	Status         duo.Status    `json:"status"`
	Turns          int           `json:"turns"`
	Elapsed        time.Duration `json:"elapsed"`
	Tokens         int           `json:"tokens"`
}

// Summary is the job's aggregate view, maintained in O(1) per completed run.
type Summary struct {
	Completed    int           `json:"completed"`
	Total        int           `json:"total"`
	AvgTime      time.Duration `json:"avg_time"`
	TokensPerSec float64       `json:"tokens_per_sec"`
	ProgressPct  float64       `json:"progress_pct"`
}

// Snapshot is a point-in-time copy of a job's state.
type Snapshot struct {
	ID      string      `json:"id"`
	Status  Status      `json:"status"`
	Summary Summary     `json:"summary"`
	Runs    []RunResult `json:"runs"`
}

// Runner executes one conversation to a terminal state. Begin persists the
// conversation record before Run starts generating. *duo.Orchestrator
// satisfies this.
type Runner interface {
	Begin(ctx context.Context, conversationID string, p duo.Params)
	Run(ctx context.Context, conversationID string, p duo.Params) (duo.Result, error)
}

// Store persists job lifecycle and per-run results. Best-effort, same as
// conversation persistence.
type Store interface {
	CreateBatchJob(ctx context.Context, id string, p Params) error
	RecordBatchRun(ctx context.Context, jobID string, run RunResult) error
	UpdateBatchJob(ctx context.Context, jobID string, status Status, s Summary) error
}

// ReadyCheck validates that a participant can generate right now. A non-nil
// error fails the job's precondition.
type ReadyCheck func(p duo.Participant) error

type job struct {
	id     string
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	total        int
	runs         []RunResult
	totalElapsed time.Duration
	totalTokens  int
	tokenElapsed time.Duration
}

func (j *job) record(r RunResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, r)
	j.totalElapsed += r.Elapsed
	if r.Status == duo.StatusCompleted {
		j.totalTokens += r.Tokens
		j.tokenElapsed += r.Elapsed
	}
}

func (j *job) summaryLocked() Summary {
	s := Summary{Completed: len(j.runs), Total: j.total}
	if s.Completed > 0 {
		s.AvgTime = j.totalElapsed / time.Duration(s.Completed)
	}
	if j.tokenElapsed > 0 {
		s.TokensPerSec = float64(j.totalTokens) / j.tokenElapsed.Seconds()
	}
	if j.total > 0 {
		s.ProgressPct = float64(s.Completed) * 100 / float64(j.total)
	}
	return s
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	runs := make([]RunResult, len(j.runs))
	copy(runs, j.runs)
	return Snapshot{ID: j.id, Status: j.status, Summary: j.summaryLocked(), Runs: runs}
}

// Engine owns batch jobs: it admits them past the readiness precondition,
// drives their runs with a worker bound, and tracks live jobs for
// cancellation and status queries.
type Engine struct {
	runner      Runner
	store       Store
	ready       ReadyCheck
	concurrency int
	logger      *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// NewEngine wires a batch engine. defaultConcurrency <=0 means 1 run at a
// time; ready may be nil to skip precondition checks.
func NewEngine(runner Runner, store Store, ready ReadyCheck, defaultConcurrency int, logger *slog.Logger) *Engine {
	if defaultConcurrency <= 0 {
		defaultConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runner:      runner,
		store:       store,
		ready:       ready,
		concurrency: defaultConcurrency,
		logger:      logger,
		jobs:        make(map[string]*job),
	}
}

// Start validates preconditions, persists the job, and launches its runs in
// the background, returning the fresh job id. A failed precondition returns
// an error wrapping ErrPrecondition and no runs start.
func (e *Engine) Start(ctx context.Context, p Params) (string, error) {
	if p.NumRuns < 1 {
		return "", fmt.Errorf("%w: num_runs must be >= 1, got %d", ErrPrecondition, p.NumRuns)
	}
	if e.ready != nil {
		if err := e.ready(p.Agent1); err != nil {
			return "", fmt.Errorf("%w: agent1 %s: %v", ErrPrecondition, p.Agent1.Config.ID, err)
		}
		if err := e.ready(p.Agent2); err != nil {
			return "", fmt.Errorf("%w: agent2 %s: %v", ErrPrecondition, p.Agent2.Config.ID, err)
		}
	}

	id := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{id: id, cancel: cancel, status: StatusQueued, total: p.NumRuns}

	e.mu.Lock()
	e.jobs[id] = j
	e.mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.CreateBatchJob(persistCtx, id, p); err != nil {
		e.logger.Warn("persisting batch job failed", "job_id", id, "error", err)
	}

	go e.run(runCtx, persistCtx, j, p)
	return id, nil
}

func (e *Engine) run(ctx, persistCtx context.Context, j *job, p Params) {
	j.mu.Lock()
	j.status = StatusRunning
	j.mu.Unlock()

	conc := p.Concurrency
	if conc <= 0 {
		conc = e.concurrency
	}

	var g errgroup.Group
	g.SetLimit(conc)
	for i := 0; i < p.NumRuns; i++ {
		g.Go(func() error {
			// Queued runs are dropped once the job is cancelled; only runs
			// already generating need cooperative cancellation.
			if ctx.Err() != nil {
				return nil
			}
			e.runOne(ctx, persistCtx, j, p, i)
			return nil
		})
	}
	_ = g.Wait() // run goroutines never return errors

	final := StatusCompleted
	if ctx.Err() != nil {
		final = StatusCancelled
	}
	j.mu.Lock()
	j.status = final
	summary := j.summaryLocked()
	j.mu.Unlock()

	if err := e.store.UpdateBatchJob(persistCtx, j.id, final, summary); err != nil {
		e.logger.Warn("persisting batch job status failed", "job_id", j.id, "error", err)
	}
	e.logger.Info("batch job finished",
		"job_id", j.id,
		"status", final,
		"completed", summary.Completed,
		"total", summary.Total,
	)
}

func (e *Engine) runOne(ctx, persistCtx context.Context, j *job, p Params, idx int) {
	seed := p.Seed + int64(idx)
	convID := uuid.New().String()
	params := duo.Params{
		Agent1:      p.Agent1,
		Agent2:      p.Agent2,
		Prompt:      p.Prompt,
		MaxTurns:    p.MaxTurns,
		MaxDuration: p.MaxDuration,
		Seed:        &seed,
	}

	e.runner.Begin(persistCtx, convID, params)
	res, err := e.runner.Run(ctx, convID, params)
	if err != nil {
		e.logger.Warn("batch run failed", "job_id", j.id, "run_index", idx, "error", err)
		res.Status = duo.StatusError
	}
	if res.Status == duo.StatusCancelled && ctx.Err() != nil {
		// Cut mid-run by job cancellation; only fully finished runs count.
		return
	}

	rr := RunResult{
		RunIndex:       idx,
		ConversationID: convID,
		Status:         res.Status,
		Turns:          res.Turns,
		Elapsed:        res.Elapsed,
		Tokens:         res.Tokens,
	}
	j.record(rr)

	if err := e.store.RecordBatchRun(persistCtx, j.id, rr); err != nil {
		e.logger.Warn("persisting batch run failed", "job_id", j.id, "run_index", idx, "error", err)
	}
	j.mu.Lock()
	summary := j.summaryLocked()
	j.mu.Unlock()
	if err := e.store.UpdateBatchJob(persistCtx, j.id, StatusRunning, summary); err != nil {
		e.logger.Warn("persisting batch progress failed", "job_id", j.id, "error", err)
	}
}

// Cancel stops a job: queued runs are dropped, in-flight runs cancel
// cooperatively, completed results stay. Unknown ids are an error.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown batch job %s", jobID)
	}
	j.cancel()
	return nil
}

// Snapshot returns the current state of a job.
func (e *Engine) Snapshot(jobID string) (Snapshot, error) {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown batch job %s", jobID)
	}
	return j.snapshot(), nil
}

// Jobs lists snapshots of all jobs the engine has seen, newest state
// included.
func (e *Engine) Jobs() []Snapshot {
	e.mu.Lock()
	jobs := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}
