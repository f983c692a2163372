package domain

// TestStatus represents the lifecycle state of a test run
type TestStatus string

const (
	TestPending   TestStatus = "pending"
	TestRunning   TestStatus = "running"
	TestCompleted TestStatus = "completed"
	TestFailed    TestStatus = "failed"
	TestCancelled TestStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted
func (s TestStatus) IsTerminal() bool {
	switch s {
	case TestCompleted, TestFailed, TestCancelled:
		return true
	}
	return false
}

// TestType identifies the kind of automated test to run
type TestType string

const (
	TypeFull        TestType = "full"
	TypeAuth        TestType = "auth"
	TypePerformance TestType = "performance"
	TypeSecurity    TestType = "security"
	TypeUI          TestType = "ui"
)

// KnownTestType reports whether t is one of the recognized test types
func KnownTestType(t TestType) bool {
	switch t {
	case TypeFull, TypeAuth, TypePerformance, TypeSecurity, TypeUI:
		return true
	}
	return false
}

// ProjectStatus represents the lifecycle state of a project
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
	ProjectDeleted  ProjectStatus = "deleted"
)

// IssueSeverity represents how serious a discovered issue is
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityMedium   IssueSeverity = "medium"
	SeverityLow      IssueSeverity = "low"
	SeverityInfo     IssueSeverity = "info"
)

// KnownSeverity reports whether s is a recognized severity level
func KnownSeverity(s IssueSeverity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// IssueStatus represents the triage state of an issue
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueFixed        IssueStatus = "fixed"
	IssueWontFix      IssueStatus = "wont_fix"
)
