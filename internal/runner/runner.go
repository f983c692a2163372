// Package runner defines the seam between the platform and the
// automation engine that actually performs tests. Adapters communicate
// only through the Outcome value; they never touch the record store.
package runner

import (
	"context"

	"github.com/sitesentry/qa-platform/internal/domain"
)

// Job describes one test execution request handed to an adapter.
type Job struct {
	TestID    string
	ProjectID string
	TargetURL string
	TestType  domain.TestType

	// Opaque per-project test preferences.
	Config map[string]any
}

// Outcome is the result of one execution attempt. Exactly one of the
// success fields (Results) or the failure fields (ErrorMessage) is set.
type Outcome struct {
	Results     map[string]any
	Screenshots []string
	Videos      []string
	Issues      []*domain.Issue

	ErrorMessage string
	ErrorStack   string
}

// Failed reports whether the outcome represents an execution failure
func (o *Outcome) Failed() bool {
	return o.ErrorMessage != ""
}

// Runner executes a test against a target and reports the outcome.
// Run must honor ctx cancellation; a cancelled run's outcome is
// discarded by the caller.
type Runner interface {
	Run(ctx context.Context, job Job) *Outcome
}
