package teststore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sitesentry/qa-platform/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for projects, tests, issues
// and manual results. All status transitions are applied atomically
// with a current-status guard, so conflicting writes for the same test
// id cannot both commit.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Single writer; the sqlite driver returns SQLITE_BUSY under
	// concurrent write connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- projects ----

// CreateProject inserts a new project, filling in id and timestamps
func (s *Store) CreateProject(p *domain.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.ProjectActive
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	cfgJSON, err := marshalMap(p.TestConfig)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO projects (id, user_id, name, target_url, description, status, test_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Name, p.TargetURL, p.Description, string(p.Status), cfgJSON, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject retrieves a project by id, enforcing ownership
func (s *Store) GetProject(id, userID string) (*domain.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, name, target_url, description, status, test_config, created_at, updated_at
		FROM projects WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanProject(row)
}

// GetProjectByID retrieves a project regardless of owner. Used by the
// dispatcher and scheduler, never exposed through the API.
func (s *Store) GetProjectByID(id string) (*domain.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, name, target_url, description, status, test_config, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

// ListProjects returns a user's projects, excluding soft-deleted ones
func (s *Store) ListProjects(userID string) ([]*domain.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, name, target_url, description, status, test_config, created_at, updated_at
		FROM projects WHERE user_id = ? AND status != ? ORDER BY created_at
	`, userID, string(domain.ProjectDeleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ListActiveProjects returns all active projects across users. Used by
// the schedule scanner.
func (s *Store) ListActiveProjects() ([]*domain.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, name, target_url, description, status, test_config, created_at, updated_at
		FROM projects WHERE status = ? ORDER BY created_at
	`, string(domain.ProjectActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject updates mutable project fields
func (s *Store) UpdateProject(p *domain.Project) error {
	cfgJSON, err := marshalMap(p.TestConfig)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE projects SET name = ?, target_url = ?, description = ?, status = ?, test_config = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, p.Name, p.TargetURL, p.Description, string(p.Status), cfgJSON, p.UpdatedAt, p.ID, p.UserID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SoftDeleteProject marks a project deleted. Its tests and issues are
// retained for audit.
func (s *Store) SoftDeleteProject(id, userID string) error {
	res, err := s.db.Exec(`
		UPDATE projects SET status = ?, updated_at = ? WHERE id = ? AND user_id = ? AND status != ?
	`, string(domain.ProjectDeleted), time.Now().UTC(), id, userID, string(domain.ProjectDeleted))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- tests ----

// CreateTest inserts a new test in PENDING state
func (s *Store) CreateTest(t *domain.Test) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = domain.TestPending
	t.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO tests (id, project_id, test_type, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, string(t.TestType), string(t.Status), t.CreatedAt)
	return err
}

// GetTest retrieves a test by id regardless of owner
func (s *Store) GetTest(id string) (*domain.Test, error) {
	row := s.db.QueryRow(testSelect+` WHERE t.id = ?`, id)
	return scanTest(row)
}

// GetTestForUser retrieves a test by id, enforcing project ownership
func (s *Store) GetTestForUser(id, userID string) (*domain.Test, error) {
	row := s.db.QueryRow(testSelect+`
		JOIN projects p ON p.id = t.project_id
		WHERE t.id = ? AND p.user_id = ?
	`, id, userID)
	return scanTest(row)
}

// ListPendingTests returns all tests still in PENDING state, oldest
// first. Used to requeue jobs on startup.
func (s *Store) ListPendingTests() ([]*domain.Test, error) {
	rows, err := s.db.Query(testSelect+` WHERE t.status = ? ORDER BY t.created_at`, string(domain.TestPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []*domain.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// StartTest transitions a test from PENDING to RUNNING, stamping
// started_at. Returns ErrInvalidState if the test is no longer pending.
func (s *Store) StartTest(id string, now time.Time) error {
	return s.transition(id, func(tx *sql.Tx, cur domain.TestStatus, startedAt *time.Time) error {
		if !domain.CanTransition(cur, domain.TestRunning) {
			return fmt.Errorf("start test %s from %s: %w", id, cur, domain.ErrInvalidState)
		}
		_, err := tx.Exec(`UPDATE tests SET status = ?, started_at = ? WHERE id = ?`,
			string(domain.TestRunning), now.UTC(), id)
		return err
	})
}

// CompleteTest transitions a test from RUNNING to COMPLETED, storing
// results and media and finalizing the timing fields. Issues discovered
// by the run are inserted in the same transaction.
func (s *Store) CompleteTest(id string, results map[string]any, screenshots, videos []string, issues []*domain.Issue, now time.Time) error {
	if results == nil {
		return fmt.Errorf("complete test %s: results required: %w", id, domain.ErrInvalidArgument)
	}
	return s.transition(id, func(tx *sql.Tx, cur domain.TestStatus, startedAt *time.Time) error {
		if !domain.CanTransition(cur, domain.TestCompleted) {
			return fmt.Errorf("complete test %s from %s: %w", id, cur, domain.ErrInvalidState)
		}

		resultsJSON, err := json.Marshal(results)
		if err != nil {
			return err
		}
		shotsJSON, err := marshalList(screenshots)
		if err != nil {
			return err
		}
		videosJSON, err := marshalList(videos)
		if err != nil {
			return err
		}

		now = now.UTC()
		duration := durationSince(startedAt, now)
		_, err = tx.Exec(`
			UPDATE tests SET status = ?, results = ?, screenshots = ?, videos = ?, completed_at = ?, duration_seconds = ?
			WHERE id = ?
		`, string(domain.TestCompleted), string(resultsJSON), shotsJSON, videosJSON, now, duration, id)
		if err != nil {
			return err
		}

		for _, issue := range issues {
			if err := insertIssue(tx, id, issue, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// FailTest transitions a test from RUNNING to FAILED, capturing the
// error and finalizing the timing fields.
func (s *Store) FailTest(id, errMsg, errStack string, now time.Time) error {
	if errMsg == "" {
		return fmt.Errorf("fail test %s: error message required: %w", id, domain.ErrInvalidArgument)
	}
	return s.transition(id, func(tx *sql.Tx, cur domain.TestStatus, startedAt *time.Time) error {
		if !domain.CanTransition(cur, domain.TestFailed) {
			return fmt.Errorf("fail test %s from %s: %w", id, cur, domain.ErrInvalidState)
		}
		now = now.UTC()
		duration := durationSince(startedAt, now)
		_, err := tx.Exec(`
			UPDATE tests SET status = ?, error_message = ?, error_stack = ?, completed_at = ?, duration_seconds = ?
			WHERE id = ?
		`, string(domain.TestFailed), errMsg, errStack, now, duration, id)
		return err
	})
}

// CancelTest transitions a test from PENDING or RUNNING to CANCELLED.
// Timing fields are finalized only if execution had started.
func (s *Store) CancelTest(id string, now time.Time) error {
	return s.transition(id, func(tx *sql.Tx, cur domain.TestStatus, startedAt *time.Time) error {
		if !domain.CanTransition(cur, domain.TestCancelled) {
			return fmt.Errorf("cancel test %s from %s: %w", id, cur, domain.ErrInvalidState)
		}
		now = now.UTC()
		if cur == domain.TestRunning {
			duration := durationSince(startedAt, now)
			_, err := tx.Exec(`
				UPDATE tests SET status = ?, completed_at = ?, duration_seconds = ? WHERE id = ?
			`, string(domain.TestCancelled), now, duration, id)
			return err
		}
		_, err := tx.Exec(`UPDATE tests SET status = ? WHERE id = ?`, string(domain.TestCancelled), id)
		return err
	})
}

// transition runs fn inside a transaction after loading the current
// status and started_at under the same transaction. Either the whole
// status-plus-payload update commits or nothing does.
func (s *Store) transition(id string, fn func(tx *sql.Tx, cur domain.TestStatus, startedAt *time.Time) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	var startedAt sql.NullTime
	err = tx.QueryRow(`SELECT status, started_at FROM tests WHERE id = ?`, id).Scan(&status, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("test %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}

	var started *time.Time
	if startedAt.Valid {
		started = &startedAt.Time
	}

	if err := fn(tx, domain.TestStatus(status), started); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- issues ----

// CreateIssue inserts a manually reported issue
func (s *Store) CreateIssue(issue *domain.Issue) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertIssue(tx, issue.TestID, issue, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// GetIssueForUser retrieves an issue by id, enforcing project ownership
func (s *Store) GetIssueForUser(id, userID string) (*domain.Issue, error) {
	row := s.db.QueryRow(issueSelect+`
		JOIN tests t ON t.id = i.test_id
		JOIN projects p ON p.id = t.project_id
		WHERE i.id = ? AND p.user_id = ?
	`, id, userID)
	return scanIssue(row)
}

// ListIssuesByTest returns all issues recorded against a test
func (s *Store) ListIssuesByTest(testID string) ([]*domain.Issue, error) {
	rows, err := s.db.Query(issueSelect+` WHERE i.test_id = ? ORDER BY i.created_at`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []*domain.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// ---- comments ----

// CreateComment inserts a comment on an issue
func (s *Store) CreateComment(c *domain.Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO comments (id, issue_id, user_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.IssueID, c.UserID, c.Content, c.CreatedAt, c.UpdatedAt)
	return err
}

// ListComments returns all comments on an issue, oldest first
func (s *Store) ListComments(issueID string) ([]*domain.Comment, error) {
	rows, err := s.db.Query(`
		SELECT id, issue_id, user_id, content, created_at, updated_at
		FROM comments WHERE issue_id = ? ORDER BY created_at
	`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []*domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.UserID, &c.Content, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// ---- manual test results ----

// CreateManualResult stores a human-submitted test payload
func (s *Store) CreateManualResult(m *domain.ManualTestResult) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.SubmittedAt = time.Now().UTC()

	dataJSON, err := json.Marshal(m.TestData)
	if err != nil {
		return err
	}
	shotsJSON, err := marshalList(m.Screenshots)
	if err != nil {
		return err
	}
	videosJSON, err := marshalList(m.Videos)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO manual_test_results (id, test_id, user_id, test_data, screenshots, videos, test_duration_seconds, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TestID, m.UserID, string(dataJSON), shotsJSON, videosJSON, m.TestDurationSeconds, m.SubmittedAt)
	return err
}

// ListManualResults returns manual submissions for a test, oldest first
func (s *Store) ListManualResults(testID string) ([]*domain.ManualTestResult, error) {
	rows, err := s.db.Query(`
		SELECT id, test_id, user_id, test_data, screenshots, videos, test_duration_seconds, submitted_at
		FROM manual_test_results WHERE test_id = ? ORDER BY submitted_at
	`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.ManualTestResult
	for rows.Next() {
		var m domain.ManualTestResult
		var dataJSON string
		var shotsJSON, videosJSON sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&m.ID, &m.TestID, &m.UserID, &dataJSON, &shotsJSON, &videosJSON, &duration, &m.SubmittedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dataJSON), &m.TestData); err != nil {
			return nil, err
		}
		if m.Screenshots, err = unmarshalList(shotsJSON); err != nil {
			return nil, err
		}
		if m.Videos, err = unmarshalList(videosJSON); err != nil {
			return nil, err
		}
		if duration.Valid {
			d := int(duration.Int64)
			m.TestDurationSeconds = &d
		}
		results = append(results, &m)
	}
	return results, rows.Err()
}

// ---- statistics ----

// ProjectStats computes the per-project rollup inside one read
// transaction, so the counts and the latest timestamp come from a
// single logical snapshot.
func (s *Store) ProjectStats(projectID string) (*domain.ProjectStats, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var stats domain.ProjectStats
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tests WHERE project_id = ?`, projectID).Scan(&stats.TotalTests); err != nil {
		return nil, err
	}

	// Direct column reference so the driver keeps the TIMESTAMP type;
	// MAX() would come back as bare text.
	var latest time.Time
	err = tx.QueryRow(`SELECT created_at FROM tests WHERE project_id = ? ORDER BY created_at DESC LIMIT 1`, projectID).Scan(&latest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		stats.LatestTest = &latest
	}

	err = tx.QueryRow(`
		SELECT COUNT(*) FROM issues i
		JOIN tests t ON t.id = i.test_id
		WHERE t.project_id = ? AND i.severity = ? AND i.status = ?
	`, projectID, string(domain.SeverityCritical), string(domain.IssueOpen)).Scan(&stats.OpenCriticalIssues)
	if err != nil {
		return nil, err
	}

	return &stats, tx.Commit()
}

// ---- helpers ----

const testSelect = `
	SELECT t.id, t.project_id, t.test_type, t.status, t.results, t.screenshots, t.videos,
	       t.started_at, t.completed_at, t.duration_seconds, t.error_message, t.error_stack, t.created_at
	FROM tests t`

const issueSelect = `
	SELECT i.id, i.test_id, i.severity, i.category, i.title, i.description, i.url, i.element_selector,
	       i.screenshot_url, i.code_snippet, i.status, i.metadata, i.created_at, i.updated_at
	FROM issues i`

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*domain.Project, error) {
	var p domain.Project
	var status string
	var description, cfgJSON sql.NullString

	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.TargetURL, &description, &status, &cfgJSON, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	p.Status = domain.ProjectStatus(status)
	p.Description = description.String
	if cfgJSON.Valid && cfgJSON.String != "" {
		if err := json.Unmarshal([]byte(cfgJSON.String), &p.TestConfig); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func scanTest(row scanner) (*domain.Test, error) {
	var t domain.Test
	var testType, status string
	var resultsJSON, shotsJSON, videosJSON, errMsg, errStack sql.NullString
	var startedAt, completedAt sql.NullTime
	var duration sql.NullInt64

	err := row.Scan(&t.ID, &t.ProjectID, &testType, &status, &resultsJSON, &shotsJSON, &videosJSON,
		&startedAt, &completedAt, &duration, &errMsg, &errStack, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	t.TestType = domain.TestType(testType)
	t.Status = domain.TestStatus(status)
	t.ErrorMessage = errMsg.String
	t.ErrorStack = errStack.String

	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &t.Results); err != nil {
			return nil, err
		}
	}
	if t.Screenshots, err = unmarshalList(shotsJSON); err != nil {
		return nil, err
	}
	if t.Videos, err = unmarshalList(videosJSON); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if duration.Valid {
		d := int(duration.Int64)
		t.DurationSeconds = &d
	}
	return &t, nil
}

func scanIssue(row scanner) (*domain.Issue, error) {
	var i domain.Issue
	var severity, status string
	var description, url, selector, screenshot, snippet, metaJSON sql.NullString

	err := row.Scan(&i.ID, &i.TestID, &severity, &i.Category, &i.Title, &description, &url, &selector,
		&screenshot, &snippet, &status, &metaJSON, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	i.Severity = domain.IssueSeverity(severity)
	i.Status = domain.IssueStatus(status)
	i.Description = description.String
	i.URL = url.String
	i.ElementSelector = selector.String
	i.ScreenshotURL = screenshot.String
	i.CodeSnippet = snippet.String
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &i.Metadata); err != nil {
			return nil, err
		}
	}
	return &i, nil
}

func insertIssue(tx *sql.Tx, testID string, issue *domain.Issue, now time.Time) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	issue.TestID = testID
	if issue.Status == "" {
		issue.Status = domain.IssueOpen
	}
	issue.CreatedAt = now
	issue.UpdatedAt = now

	metaJSON, err := marshalMap(issue.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO issues (id, test_id, severity, category, title, description, url, element_selector,
		                    screenshot_url, code_snippet, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, issue.ID, issue.TestID, string(issue.Severity), issue.Category, issue.Title, issue.Description,
		issue.URL, issue.ElementSelector, issue.ScreenshotURL, issue.CodeSnippet, string(issue.Status),
		metaJSON, issue.CreatedAt, issue.UpdatedAt)
	return err
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalList(list []string) (sql.NullString, error) {
	if list == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalList(col sql.NullString) ([]string, error) {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(col.String), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func durationSince(startedAt *time.Time, now time.Time) int {
	if startedAt == nil {
		return 0
	}
	d := int(now.Sub(*startedAt).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
