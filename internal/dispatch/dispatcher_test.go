package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sitesentry/qa-platform/internal/domain"
	"github.com/sitesentry/qa-platform/internal/runner"
	"github.com/sitesentry/qa-platform/internal/teststore"
)

// fakeRunner lets tests control execution timing and outcomes
type fakeRunner struct {
	outcome  *runner.Outcome
	block    chan struct{} // when set, Run blocks until closed
	honorCtx bool          // return early on ctx cancellation
	started  chan string   // receives the test id when Run begins
	ran      atomic.Bool
}

func (f *fakeRunner) Run(ctx context.Context, job runner.Job) *runner.Outcome {
	f.ran.Store(true)
	if f.started != nil {
		f.started <- job.TestID
	}
	if f.block != nil {
		if f.honorCtx {
			select {
			case <-ctx.Done():
				return &runner.Outcome{ErrorMessage: "run cancelled"}
			case <-f.block:
			}
		} else {
			<-f.block
		}
	}
	return f.outcome
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newHarness(t *testing.T, r runner.Runner, opts Options) (*teststore.Store, *Dispatcher, *domain.Project) {
	t.Helper()
	store, err := teststore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	project := &domain.Project{UserID: "user-1", Name: "Example", TargetURL: "https://example.com"}
	if err := store.CreateProject(project); err != nil {
		t.Fatal(err)
	}

	return store, New(store, r, testLogger(), opts), project
}

func startWorkers(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForStatus(t *testing.T, store *teststore.Store, id string, want domain.TestStatus) *domain.Test {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetTest(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := store.GetTest(id)
	t.Fatalf("test %s never reached %s, last status %s", id, want, got.Status)
	return nil
}

func TestDispatcher_SubmitReturnsPending(t *testing.T) {
	store, d, project := newHarness(t, &fakeRunner{outcome: &runner.Outcome{Results: map[string]any{"ok": true}}}, Options{})

	test, err := d.Submit(project, domain.TypeFull, nil)
	if err != nil {
		t.Fatal(err)
	}
	if test.Status != domain.TestPending {
		t.Errorf("Status = %q at submit return, want pending", test.Status)
	}
	if test.StartedAt != nil {
		t.Error("StartedAt set at submit return")
	}

	got, _ := store.GetTest(test.ID)
	if got.Status != domain.TestPending {
		t.Errorf("persisted status = %q, want pending", got.Status)
	}
}

func TestDispatcher_SubmitRejectsUnknownType(t *testing.T) {
	_, d, project := newHarness(t, &fakeRunner{}, Options{})

	if _, err := d.Submit(project, "chaos", nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestDispatcher_RunToCompletion(t *testing.T) {
	fr := &fakeRunner{outcome: &runner.Outcome{
		Results: map[string]any{
			"stats": map[string]any{"total_checks": float64(25), "passed": float64(22), "failed": float64(3)},
		},
		Screenshots: []string{"home.png"},
		Issues: []*domain.Issue{{
			Severity: domain.SeverityCritical,
			Category: "security",
			Title:    "Login over plain HTTP",
		}},
	}}
	store, d, project := newHarness(t, fr, Options{Workers: 2})

	var mu sync.Mutex
	var events []Event
	d.SetNotify(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	startWorkers(t, d)

	test, err := d.Submit(project, domain.TypeFull, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := waitForStatus(t, store, test.ID, domain.TestCompleted)
	stats := got.Results["stats"].(map[string]any)
	if stats["failed"] != float64(3) {
		t.Errorf("results.stats.failed = %v, want 3", stats["failed"])
	}
	if got.DurationSeconds == nil || *got.DurationSeconds < 0 {
		t.Error("DurationSeconds missing or negative")
	}
	if len(got.Screenshots) != 1 {
		t.Errorf("Screenshots = %v", got.Screenshots)
	}

	issues, _ := store.ListIssuesByTest(test.ID)
	if len(issues) != 1 {
		t.Fatalf("issues = %d, want 1 from the run outcome", len(issues))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 3 {
		t.Fatalf("events = %d, want pending/running/completed", len(events))
	}
	if events[0].Status != domain.TestPending || events[len(events)-1].Status != domain.TestCompleted {
		t.Errorf("event order = %v", events)
	}
}

func TestDispatcher_RunFailure(t *testing.T) {
	fr := &fakeRunner{outcome: &runner.Outcome{ErrorMessage: "navigation timeout", ErrorStack: "at goto()"}}
	store, d, project := newHarness(t, fr, Options{})
	startWorkers(t, d)

	test, err := d.Submit(project, domain.TypeUI, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := waitForStatus(t, store, test.ID, domain.TestFailed)
	if got.ErrorMessage != "navigation timeout" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if got.Results != nil {
		t.Error("failed test carries results")
	}
	if got.CompletedAt == nil {
		t.Error("timing fields not finalized on failure")
	}
}

func TestDispatcher_CancelPendingNeverRuns(t *testing.T) {
	fr := &fakeRunner{outcome: &runner.Outcome{Results: map[string]any{"ok": true}}}
	store, d, project := newHarness(t, fr, Options{})

	// Workers not started yet: the job sits in the queue.
	test, err := d.Submit(project, domain.TypeFull, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Cancel(test.ID); err != nil {
		t.Fatal(err)
	}

	startWorkers(t, d)
	time.Sleep(100 * time.Millisecond)

	got, _ := store.GetTest(test.ID)
	if got.Status != domain.TestCancelled {
		t.Fatalf("Status = %q, want cancelled", got.Status)
	}
	if got.Results != nil || got.ErrorMessage != "" {
		t.Error("outcome applied to a test cancelled before start")
	}
	if fr.ran.Load() {
		t.Error("runner executed a cancelled job")
	}
}

func TestDispatcher_CancelRunning(t *testing.T) {
	fr := &fakeRunner{
		block:    make(chan struct{}),
		honorCtx: true,
		started:  make(chan string, 1),
		outcome:  &runner.Outcome{Results: map[string]any{"ok": true}},
	}
	store, d, project := newHarness(t, fr, Options{AckTimeout: time.Second})
	startWorkers(t, d)

	test, err := d.Submit(project, domain.TypeFull, nil)
	if err != nil {
		t.Fatal(err)
	}

	<-fr.started
	waitForStatus(t, store, test.ID, domain.TestRunning)

	if err := d.Cancel(test.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTest(test.ID)
	if got.Status != domain.TestCancelled {
		t.Fatalf("Status = %q, want cancelled", got.Status)
	}
	if got.Results != nil || got.ErrorMessage != "" {
		t.Error("cancelled run left results or error behind")
	}
	if got.CompletedAt == nil {
		t.Error("cancel from running must finalize timing")
	}
}

func TestDispatcher_CancelAckTimeoutForces(t *testing.T) {
	fr := &fakeRunner{
		block:   make(chan struct{}),
		started: make(chan string, 1),
		outcome: &runner.Outcome{Results: map[string]any{"late": true}},
	}
	store, d, project := newHarness(t, fr, Options{AckTimeout: 50 * time.Millisecond})
	startWorkers(t, d)

	test, err := d.Submit(project, domain.TypeFull, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-fr.started
	waitForStatus(t, store, test.ID, domain.TestRunning)

	// The runner never acknowledges; cancellation is forced after the
	// timeout.
	if err := d.Cancel(test.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTest(test.ID)
	if got.Status != domain.TestCancelled {
		t.Fatalf("Status = %q, want cancelled", got.Status)
	}

	// The in-flight result shows up late and must be discarded.
	close(fr.block)
	time.Sleep(100 * time.Millisecond)

	got, _ = store.GetTest(test.ID)
	if got.Status != domain.TestCancelled {
		t.Errorf("late outcome overwrote forced cancellation: %q", got.Status)
	}
	if got.Results != nil {
		t.Error("late results applied after forced cancellation")
	}
}

func TestDispatcher_CancelTerminalReportsInvalidState(t *testing.T) {
	fr := &fakeRunner{outcome: &runner.Outcome{Results: map[string]any{"ok": true}}}
	store, d, project := newHarness(t, fr, Options{})
	startWorkers(t, d)

	test, _ := d.Submit(project, domain.TypeFull, nil)
	waitForStatus(t, store, test.ID, domain.TestCompleted)

	if err := d.Cancel(test.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("cancel of completed test error = %v, want ErrInvalidState", err)
	}
}

func TestDispatcher_RequeueRunsPendingFromPreviousRun(t *testing.T) {
	fr := &fakeRunner{outcome: &runner.Outcome{Results: map[string]any{"ok": true}}}
	store, d, project := newHarness(t, fr, Options{})

	// Simulate a test left behind by a previous process.
	orphan := &domain.Test{ProjectID: project.ID, TestType: domain.TypeFull}
	if err := store.CreateTest(orphan); err != nil {
		t.Fatal(err)
	}

	if err := d.Requeue(); err != nil {
		t.Fatal(err)
	}
	startWorkers(t, d)

	waitForStatus(t, store, orphan.ID, domain.TestCompleted)
}
