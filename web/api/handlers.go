package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sitesentry/qa-platform/internal/domain"
	"github.com/sitesentry/qa-platform/internal/schema"
)

// ProjectResponse is the API representation of a project
type ProjectResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	TargetURL   string         `json:"target_url"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	TestConfig  map[string]any `json:"test_config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Rollup, present on listings.
	TotalTests         *int       `json:"total_tests,omitempty"`
	LatestTest         *time.Time `json:"latest_test,omitempty"`
	OpenCriticalIssues *int       `json:"critical_issues,omitempty"`
}

// TestResponse is the API representation of a test run
type TestResponse struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	TestType        string         `json:"test_type"`
	Status          string         `json:"status"`
	Results         map[string]any `json:"results,omitempty"`
	Screenshots     []string       `json:"screenshots,omitempty"`
	Videos          []string       `json:"videos,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds *int           `json:"duration_seconds,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorStack      string         `json:"error_stack,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// IssueResponse is the API representation of an issue
type IssueResponse struct {
	ID              string         `json:"id"`
	TestID          string         `json:"test_id"`
	Severity        string         `json:"severity"`
	Category        string         `json:"category"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	URL             string         `json:"url,omitempty"`
	ElementSelector string         `json:"element_selector,omitempty"`
	ScreenshotURL   string         `json:"screenshot_url,omitempty"`
	CodeSnippet     string         `json:"code_snippet,omitempty"`
	Status          string         `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// CommentResponse is the API representation of an issue comment
type CommentResponse struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func projectToResponse(p *domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		TargetURL:   p.TargetURL,
		Description: p.Description,
		Status:      string(p.Status),
		TestConfig:  p.TestConfig,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func testToResponse(t *domain.Test) TestResponse {
	return TestResponse{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		TestType:        string(t.TestType),
		Status:          string(t.Status),
		Results:         t.Results,
		Screenshots:     t.Screenshots,
		Videos:          t.Videos,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		DurationSeconds: t.DurationSeconds,
		ErrorMessage:    t.ErrorMessage,
		ErrorStack:      t.ErrorStack,
		CreatedAt:       t.CreatedAt,
	}
}

func issueToResponse(i *domain.Issue) IssueResponse {
	return IssueResponse{
		ID:              i.ID,
		TestID:          i.TestID,
		Severity:        string(i.Severity),
		Category:        i.Category,
		Title:           i.Title,
		Description:     i.Description,
		URL:             i.URL,
		ElementSelector: i.ElementSelector,
		ScreenshotURL:   i.ScreenshotURL,
		CodeSnippet:     i.CodeSnippet,
		Status:          string(i.Status),
		Metadata:        i.Metadata,
		CreatedAt:       i.CreatedAt,
	}
}

// userID extracts the caller identity set by the upstream auth proxy
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// httpError maps the domain error taxonomy onto status codes
func (s *Server) httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requireUser rejects requests without a caller identity
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return "", false
	}
	return uid, true
}

// ---- projects ----

func (s *Server) createProjectHandler() http.HandlerFunc {
	type request struct {
		Name        string         `json:"name"`
		TargetURL   string         `json:"target_url"`
		Description string         `json:"description"`
		TestConfig  map[string]any `json:"test_config"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name == "" || req.TargetURL == "" {
			writeError(w, http.StatusBadRequest, "name and target_url are required")
			return
		}
		if err := schema.ValidateTestConfig(req.TestConfig); err != nil {
			s.httpError(w, err)
			return
		}

		project := &domain.Project{
			UserID:      uid,
			Name:        req.Name,
			TargetURL:   req.TargetURL,
			Description: req.Description,
			TestConfig:  req.TestConfig,
		}
		if err := s.store.CreateProject(project); err != nil {
			s.httpError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, projectToResponse(project))
	}
}

func (s *Server) listProjectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		projects, err := s.store.ListProjects(uid)
		if err != nil {
			s.httpError(w, err)
			return
		}

		responses := make([]ProjectResponse, 0, len(projects))
		for _, p := range projects {
			resp := projectToResponse(p)

			rollup, err := s.aggregator.Summarize(r.Context(), p.ID)
			if err != nil {
				s.httpError(w, err)
				return
			}
			resp.TotalTests = &rollup.TotalTests
			resp.LatestTest = rollup.LatestTest
			resp.OpenCriticalIssues = &rollup.OpenCriticalIssues

			responses = append(responses, resp)
		}

		writeJSON(w, http.StatusOK, responses)
	}
}

func (s *Server) getProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		project, err := s.store.GetProject(r.PathValue("id"), uid)
		if err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projectToResponse(project))
	}
}

func (s *Server) updateProjectHandler() http.HandlerFunc {
	type request struct {
		Name        *string        `json:"name"`
		TargetURL   *string        `json:"target_url"`
		Description *string        `json:"description"`
		Status      *string        `json:"status"`
		TestConfig  map[string]any `json:"test_config"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		project, err := s.store.GetProject(r.PathValue("id"), uid)
		if err != nil {
			s.httpError(w, err)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		if req.Name != nil {
			project.Name = *req.Name
		}
		if req.TargetURL != nil {
			project.TargetURL = *req.TargetURL
		}
		if req.Description != nil {
			project.Description = *req.Description
		}
		if req.Status != nil {
			project.Status = domain.ProjectStatus(*req.Status)
		}
		if req.TestConfig != nil {
			if err := schema.ValidateTestConfig(req.TestConfig); err != nil {
				s.httpError(w, err)
				return
			}
			project.TestConfig = req.TestConfig
		}

		if err := s.store.UpdateProject(project); err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projectToResponse(project))
	}
}

func (s *Server) deleteProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		if err := s.store.SoftDeleteProject(r.PathValue("id"), uid); err != nil {
			s.httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- tests ----

func (s *Server) createTestHandler() http.HandlerFunc {
	type request struct {
		ProjectID string         `json:"project_id"`
		TestType  string         `json:"test_type"`
		Config    map[string]any `json:"config"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		project, err := s.store.GetProject(req.ProjectID, uid)
		if err != nil {
			s.httpError(w, err)
			return
		}

		config := req.Config
		if config == nil {
			config = project.TestConfig
		}

		test, err := s.dispatcher.Submit(project, domain.TestType(req.TestType), config)
		if err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, testToResponse(test))
	}
}

func (s *Server) getTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		test, err := s.store.GetTestForUser(r.PathValue("id"), uid)
		if err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, testToResponse(test))
	}
}

func (s *Server) cancelTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		id := r.PathValue("id")
		if _, err := s.store.GetTestForUser(id, uid); err != nil {
			s.httpError(w, err)
			return
		}

		if err := s.dispatcher.Cancel(id); err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				// Already terminal: report the current state instead
				// of failing the request outright.
				if test, getErr := s.store.GetTest(id); getErr == nil {
					writeJSON(w, http.StatusConflict, testToResponse(test))
					return
				}
			}
			s.httpError(w, err)
			return
		}

		test, err := s.store.GetTest(id)
		if err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, testToResponse(test))
	}
}

// ---- issues ----

func (s *Server) listIssuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		id := r.PathValue("id")
		if _, err := s.store.GetTestForUser(id, uid); err != nil {
			s.httpError(w, err)
			return
		}

		issues, err := s.store.ListIssuesByTest(id)
		if err != nil {
			s.httpError(w, err)
			return
		}

		responses := make([]IssueResponse, 0, len(issues))
		for _, i := range issues {
			responses = append(responses, issueToResponse(i))
		}
		writeJSON(w, http.StatusOK, responses)
	}
}

func (s *Server) createIssueHandler() http.HandlerFunc {
	type request struct {
		Severity        string         `json:"severity"`
		Category        string         `json:"category"`
		Title           string         `json:"title"`
		Description     string         `json:"description"`
		URL             string         `json:"url"`
		ElementSelector string         `json:"element_selector"`
		ScreenshotURL   string         `json:"screenshot_url"`
		CodeSnippet     string         `json:"code_snippet"`
		Metadata        map[string]any `json:"metadata"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		id := r.PathValue("id")
		if _, err := s.store.GetTestForUser(id, uid); err != nil {
			s.httpError(w, err)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !domain.KnownSeverity(domain.IssueSeverity(req.Severity)) {
			writeError(w, http.StatusBadRequest, "unknown severity")
			return
		}
		if req.Category == "" || req.Title == "" {
			writeError(w, http.StatusBadRequest, "category and title are required")
			return
		}

		issue := &domain.Issue{
			TestID:          id,
			Severity:        domain.IssueSeverity(req.Severity),
			Category:        req.Category,
			Title:           req.Title,
			Description:     req.Description,
			URL:             req.URL,
			ElementSelector: req.ElementSelector,
			ScreenshotURL:   req.ScreenshotURL,
			CodeSnippet:     req.CodeSnippet,
			Metadata:        req.Metadata,
		}
		if err := s.store.CreateIssue(issue); err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, issueToResponse(issue))
	}
}

// ---- manual results ----

func (s *Server) submitManualHandler() http.HandlerFunc {
	type request struct {
		TestData            map[string]any `json:"test_data"`
		Screenshots         []string       `json:"screenshots"`
		Videos              []string       `json:"videos"`
		TestDurationSeconds *int           `json:"test_duration_seconds"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		id := r.PathValue("id")
		if _, err := s.store.GetTestForUser(id, uid); err != nil {
			s.httpError(w, err)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading body")
			return
		}

		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := schema.ValidateManualResult(raw); err != nil {
			s.httpError(w, err)
			return
		}

		var req request
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		result := &domain.ManualTestResult{
			TestID:              id,
			UserID:              uid,
			TestData:            req.TestData,
			Screenshots:         req.Screenshots,
			Videos:              req.Videos,
			TestDurationSeconds: req.TestDurationSeconds,
		}
		if err := s.store.CreateManualResult(result); err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": result.ID, "message": "manual test results submitted"})
	}
}

// ---- comments ----

func (s *Server) listCommentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		id := r.PathValue("id")
		if _, err := s.store.GetIssueForUser(id, uid); err != nil {
			s.httpError(w, err)
			return
		}

		comments, err := s.store.ListComments(id)
		if err != nil {
			s.httpError(w, err)
			return
		}

		responses := make([]CommentResponse, 0, len(comments))
		for _, c := range comments {
			responses = append(responses, CommentResponse{
				ID:        c.ID,
				IssueID:   c.IssueID,
				UserID:    c.UserID,
				Content:   c.Content,
				CreatedAt: c.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, responses)
	}
}

func (s *Server) createCommentHandler() http.HandlerFunc {
	type request struct {
		Content string `json:"content"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		id := r.PathValue("id")
		if _, err := s.store.GetIssueForUser(id, uid); err != nil {
			s.httpError(w, err)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}

		comment := &domain.Comment{IssueID: id, UserID: uid, Content: req.Content}
		if err := s.store.CreateComment(comment); err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, CommentResponse{
			ID:        comment.ID,
			IssueID:   comment.IssueID,
			UserID:    comment.UserID,
			Content:   comment.Content,
			CreatedAt: comment.CreatedAt,
		})
	}
}
