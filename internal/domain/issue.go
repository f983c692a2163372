package domain

import "time"

// Issue is a defect discovered during or reported against a test.
type Issue struct {
	ID       string
	TestID   string
	Severity IssueSeverity
	Category string

	Title       string
	Description string

	// Location evidence.
	URL             string
	ElementSelector string
	ScreenshotURL   string
	CodeSnippet     string

	Status   IssueStatus
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment is a remark left on an issue by a reviewer.
type Comment struct {
	ID        string
	IssueID   string
	UserID    string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ManualTestResult is a side-channel payload submitted by a human
// tester. It never participates in the test state machine.
type ManualTestResult struct {
	ID                  string
	TestID              string
	UserID              string
	TestData            map[string]any
	Screenshots         []string
	Videos              []string
	TestDurationSeconds *int
	SubmittedAt         time.Time
}
