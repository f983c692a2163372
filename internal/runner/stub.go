package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sitesentry/qa-platform/internal/domain"
	"gopkg.in/yaml.v3"
)

// Stub is the reference runner used when no real automation engine is
// configured. It waits a fixed interval and returns a canned success,
// optionally overridden per test type by a fixture file.
type Stub struct {
	delay    time.Duration
	fixtures map[string]fixture
}

// fixture is one canned outcome loaded from the fixtures file
type fixture struct {
	Results     map[string]any `yaml:"results"`
	Screenshots []string       `yaml:"screenshots"`
	Videos      []string       `yaml:"videos"`
	Error       string         `yaml:"error"`
	ErrorStack  string         `yaml:"error_stack"`
	Issues      []fixtureIssue `yaml:"issues"`
}

type fixtureIssue struct {
	Severity    string `yaml:"severity"`
	Category    string `yaml:"category"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
}

// NewStub creates a stub runner with the given simulated latency
func NewStub(delay time.Duration) *Stub {
	return &Stub{delay: delay}
}

// NewStubFromFile creates a stub runner whose per-test-type outcomes
// are loaded from a YAML fixtures file.
func NewStubFromFile(delay time.Duration, path string) (*Stub, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures: %w", err)
	}

	var fixtures map[string]fixture
	if err := yaml.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("parsing fixtures: %w", err)
	}

	return &Stub{delay: delay, fixtures: fixtures}, nil
}

// Run waits the configured interval, then reports the canned outcome
// for the job's test type. The wait is cancellable.
func (s *Stub) Run(ctx context.Context, job Job) *Outcome {
	select {
	case <-ctx.Done():
		return &Outcome{ErrorMessage: "run cancelled", ErrorStack: ctx.Err().Error()}
	case <-time.After(s.delay):
	}

	if fx, ok := s.fixtures[string(job.TestType)]; ok {
		return fx.toOutcome()
	}

	return &Outcome{
		Results: map[string]any{
			"summary": "Test completed successfully",
			"stats": map[string]any{
				"total_checks": 25,
				"passed":       22,
				"failed":       3,
			},
		},
	}
}

func (fx fixture) toOutcome() *Outcome {
	if fx.Error != "" {
		return &Outcome{ErrorMessage: fx.Error, ErrorStack: fx.ErrorStack}
	}

	out := &Outcome{
		Results:     fx.Results,
		Screenshots: fx.Screenshots,
		Videos:      fx.Videos,
	}
	for _, fi := range fx.Issues {
		out.Issues = append(out.Issues, &domain.Issue{
			Severity:    domain.IssueSeverity(fi.Severity),
			Category:    fi.Category,
			Title:       fi.Title,
			Description: fi.Description,
			URL:         fi.URL,
			Status:      domain.IssueOpen,
		})
	}
	return out
}
