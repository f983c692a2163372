package domain

import "time"

// Project is a registered target that tests run against. Deleted
// projects disappear from listings but keep their tests and issues.
type Project struct {
	ID          string
	UserID      string
	Name        string
	TargetURL   string
	Description string
	Status      ProjectStatus

	// Opaque test preferences, validated only at the boundary.
	TestConfig map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProjectStats is the per-project rollup returned by the aggregator.
type ProjectStats struct {
	TotalTests         int        `json:"total_tests"`
	LatestTest         *time.Time `json:"latest_test,omitempty"`
	OpenCriticalIssues int        `json:"open_critical_issues"`
}
