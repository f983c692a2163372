package domain

import "time"

// Test represents one execution attempt against a project's target.
// It is mutated only by the dispatcher applying state transitions.
type Test struct {
	ID        string
	ProjectID string
	TestType  TestType
	Status    TestStatus

	// Populated on entry into COMPLETED.
	Results map[string]any

	Screenshots []string
	Videos      []string

	// Populated once execution begins / ends.
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *int

	// Populated on entry into FAILED.
	ErrorMessage string
	ErrorStack   string

	CreatedAt time.Time
}

// CanTransition reports whether the state machine permits moving from
// one status to another. Terminal states admit no transitions.
func CanTransition(from, to TestStatus) bool {
	switch from {
	case TestPending:
		return to == TestRunning || to == TestCancelled
	case TestRunning:
		return to == TestCompleted || to == TestFailed || to == TestCancelled
	}
	return false
}
