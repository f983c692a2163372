// Package dispatch owns the asynchronous test execution lifecycle:
// submission, the worker pool, outcome application and cancellation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitesentry/qa-platform/internal/domain"
	"github.com/sitesentry/qa-platform/internal/runner"
	"github.com/sitesentry/qa-platform/internal/teststore"
	"golang.org/x/sync/errgroup"
)

// Event describes a test status transition, broadcast to subscribers.
type Event struct {
	TestID    string            `json:"test_id"`
	ProjectID string            `json:"project_id"`
	Status    domain.TestStatus `json:"status"`
}

// NotifyFunc receives transition events. It must not block.
type NotifyFunc func(Event)

// Dispatcher accepts test-run requests, queues them for a fixed-size
// worker pool and applies runner outcomes to the store. Each worker
// owns one test's execution lifecycle end-to-end.
type Dispatcher struct {
	store      *teststore.Store
	runner     runner.Runner
	logger     *slog.Logger
	ackTimeout time.Duration
	workers    int

	queue  chan runner.Job
	notify NotifyFunc

	mu     sync.Mutex
	active map[string]*execution // testID -> in-flight execution
}

// execution tracks one job currently held by a worker
type execution struct {
	cancel context.CancelFunc
	done   chan struct{} // closed when the worker releases the job
}

// Options configures a Dispatcher
type Options struct {
	Workers    int
	QueueSize  int
	AckTimeout time.Duration
}

// New creates a Dispatcher. Start must be called before submissions
// are executed.
func New(store *teststore.Store, r runner.Runner, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	return &Dispatcher{
		store:      store,
		runner:     r,
		logger:     logger,
		ackTimeout: opts.AckTimeout,
		workers:    opts.Workers,
		queue:      make(chan runner.Job, opts.QueueSize),
		active:     make(map[string]*execution),
	}
}

// SetNotify sets the function invoked on every status transition
func (d *Dispatcher) SetNotify(fn NotifyFunc) {
	d.notify = fn
}

// Submit creates a test in PENDING state and schedules exactly one
// asynchronous execution. It returns before execution begins. The
// caller is responsible for having verified project ownership.
func (d *Dispatcher) Submit(project *domain.Project, testType domain.TestType, config map[string]any) (*domain.Test, error) {
	if !domain.KnownTestType(testType) {
		return nil, fmt.Errorf("test type %q: %w", testType, domain.ErrInvalidArgument)
	}

	test := &domain.Test{ProjectID: project.ID, TestType: testType}
	if err := d.store.CreateTest(test); err != nil {
		// The job must not be scheduled if the PENDING write failed.
		return nil, fmt.Errorf("recording pending test: %w", err)
	}

	d.enqueue(runner.Job{
		TestID:    test.ID,
		ProjectID: project.ID,
		TargetURL: project.TargetURL,
		TestType:  testType,
		Config:    config,
	})

	d.emit(Event{TestID: test.ID, ProjectID: project.ID, Status: domain.TestPending})
	return test, nil
}

// enqueue never drops a job: if the buffered queue is full, delivery
// falls back to a goroutine that blocks until a worker frees up.
func (d *Dispatcher) enqueue(job runner.Job) {
	select {
	case d.queue <- job:
	default:
		d.logger.Warn("dispatch queue full, queueing in background", "test_id", job.TestID)
		go func() { d.queue <- job }()
	}
}

// Requeue reloads tests still in PENDING state and schedules them
// again. Called once on startup so submissions survive restarts.
func (d *Dispatcher) Requeue() error {
	pending, err := d.store.ListPendingTests()
	if err != nil {
		return fmt.Errorf("loading pending tests: %w", err)
	}

	for _, t := range pending {
		project, err := d.store.GetProjectByID(t.ProjectID)
		if err != nil {
			d.logger.Error("requeue: project lookup failed", "test_id", t.ID, "error", err)
			continue
		}
		d.enqueue(runner.Job{
			TestID:    t.ID,
			ProjectID: t.ProjectID,
			TargetURL: project.TargetURL,
			TestType:  t.TestType,
			Config:    project.TestConfig,
		})
	}

	if len(pending) > 0 {
		d.logger.Info("requeued pending tests", "count", len(pending))
	}
	return nil
}

// Start runs the worker pool until ctx is cancelled
func (d *Dispatcher) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-d.queue:
					d.execute(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// execute drives one job through the state machine: PENDING to RUNNING,
// then the runner outcome into a terminal state.
func (d *Dispatcher) execute(ctx context.Context, job runner.Job) {
	runCtx, cancel := context.WithCancel(ctx)
	ex := &execution{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.active[job.TestID] = ex
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.active, job.TestID)
		d.mu.Unlock()
		close(ex.done)
		cancel()
	}()

	if err := d.store.StartTest(job.TestID, time.Now()); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// Cancelled (or otherwise finalized) before execution began.
			d.logger.Info("skipping job, no longer pending", "test_id", job.TestID)
			return
		}
		d.logger.Error("starting test failed", "test_id", job.TestID, "error", err)
		return
	}
	d.emit(Event{TestID: job.TestID, ProjectID: job.ProjectID, Status: domain.TestRunning})

	outcome := d.runner.Run(runCtx, job)

	if runCtx.Err() != nil {
		// Cancellation won; any in-flight result is discarded.
		d.logger.Info("discarding outcome of cancelled run", "test_id", job.TestID)
		return
	}

	d.apply(job, outcome)
}

// apply commits a runner outcome. A report against an already-terminal
// test is absorbed as a logged no-op, never surfaced as a failure.
func (d *Dispatcher) apply(job runner.Job, outcome *runner.Outcome) {
	now := time.Now()

	var err error
	status := domain.TestCompleted
	if outcome.Failed() {
		status = domain.TestFailed
		err = d.store.FailTest(job.TestID, outcome.ErrorMessage, outcome.ErrorStack, now)
	} else {
		err = d.store.CompleteTest(job.TestID, outcome.Results, outcome.Screenshots, outcome.Videos, outcome.Issues, now)
	}

	switch {
	case err == nil:
		d.emit(Event{TestID: job.TestID, ProjectID: job.ProjectID, Status: status})
	case errors.Is(err, domain.ErrInvalidState):
		d.logger.Info("ignoring outcome for finalized test", "test_id", job.TestID, "status", status)
	default:
		d.logger.Error("applying outcome failed", "test_id", job.TestID, "error", err)
	}
}

// Cancel requests cancellation of one test. A PENDING test is
// finalized before its job ever starts; a RUNNING test's runner is
// signalled and given ackTimeout to acknowledge before the CANCELLED
// transition is forced.
func (d *Dispatcher) Cancel(testID string) error {
	d.mu.Lock()
	ex, inFlight := d.active[testID]
	d.mu.Unlock()

	if inFlight {
		ex.cancel()
		select {
		case <-ex.done:
		case <-time.After(d.ackTimeout):
			d.logger.Warn("runner did not confirm cancellation, forcing", "test_id", testID)
		}
	}

	if err := d.store.CancelTest(testID, time.Now()); err != nil {
		return err
	}

	if t, err := d.store.GetTest(testID); err == nil {
		d.emit(Event{TestID: testID, ProjectID: t.ProjectID, Status: domain.TestCancelled})
	}
	return nil
}

func (d *Dispatcher) emit(ev Event) {
	if d.notify != nil {
		d.notify(ev)
	}
}
