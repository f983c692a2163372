// Package schedule submits recurring tests for projects that carry a
// cron expression in their test configuration.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sitesentry/qa-platform/internal/domain"
	"github.com/sitesentry/qa-platform/internal/teststore"
)

// SubmitFunc submits one test run for a project
type SubmitFunc func(project *domain.Project, testType domain.TestType, config map[string]any) (*domain.Test, error)

// Scheduler scans active projects each minute and submits tests whose
// schedule has come due.
type Scheduler struct {
	store  *teststore.Store
	submit SubmitFunc
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time // projectID -> last submission
}

// New creates a Scheduler
func New(store *teststore.Store, submit SubmitFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		submit:  submit,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:  logger,
		lastRun: make(map[string]time.Time),
	}
}

// Spec is a project's parsed schedule
type Spec struct {
	Schedule cron.Schedule
	TestType domain.TestType
}

// ParseSpec extracts and parses the schedule from a project's test
// config. Returns nil if the project has no schedule.
func (s *Scheduler) ParseSpec(project *domain.Project) *Spec {
	expr, _ := project.TestConfig["schedule"].(string)
	if expr == "" {
		return nil
	}

	sched, err := s.parser.Parse(expr)
	if err != nil {
		s.logger.Warn("invalid schedule expression", "project_id", project.ID, "expr", expr, "error", err)
		return nil
	}

	testType := domain.TypeFull
	if t, ok := project.TestConfig["schedule_test_type"].(string); ok && t != "" {
		testType = domain.TestType(t)
	}
	return &Spec{Schedule: sched, TestType: testType}
}

// Due reports whether a project's schedule has come due since its last
// submission.
func (s *Scheduler) Due(project *domain.Project, spec *Spec, now time.Time) bool {
	s.mu.Lock()
	last, ok := s.lastRun[project.ID]
	s.mu.Unlock()

	if !ok {
		// First sighting: anchor to now so a restart does not fire
		// every scheduled project at once.
		s.mu.Lock()
		s.lastRun[project.ID] = now
		s.mu.Unlock()
		return false
	}

	return now.After(spec.Schedule.Next(last))
}

// Tick runs one scan over active projects, submitting any due tests
func (s *Scheduler) Tick(now time.Time) {
	projects, err := s.store.ListActiveProjects()
	if err != nil {
		s.logger.Error("schedule scan failed", "error", err)
		return
	}

	for _, project := range projects {
		spec := s.ParseSpec(project)
		if spec == nil || !s.Due(project, spec, now) {
			continue
		}

		s.mu.Lock()
		s.lastRun[project.ID] = now
		s.mu.Unlock()

		test, err := s.submit(project, spec.TestType, project.TestConfig)
		if err != nil {
			s.logger.Error("scheduled submission failed", "project_id", project.ID, "error", err)
			continue
		}
		s.logger.Info("scheduled test submitted", "project_id", project.ID, "test_id", test.ID, "test_type", spec.TestType)
	}
}

// Run loops until ctx is cancelled, scanning once a minute
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}
