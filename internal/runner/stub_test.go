package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sitesentry/qa-platform/internal/domain"
)

func TestStub_DefaultSuccess(t *testing.T) {
	stub := NewStub(0)

	out := stub.Run(context.Background(), Job{TestID: "t1", TargetURL: "https://example.com", TestType: domain.TypeFull})
	if out.Failed() {
		t.Fatalf("stub failed: %s", out.ErrorMessage)
	}

	stats, ok := out.Results["stats"].(map[string]any)
	if !ok {
		t.Fatalf("results = %v, want canned stats", out.Results)
	}
	if stats["failed"] != 3 {
		t.Errorf("stats.failed = %v, want 3", stats["failed"])
	}
}

func TestStub_CancellableWait(t *testing.T) {
	stub := NewStub(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := stub.Run(ctx, Job{TestID: "t1", TestType: domain.TypeFull})
	if time.Since(start) > time.Second {
		t.Fatal("cancelled run did not return promptly")
	}
	if !out.Failed() {
		t.Error("cancelled run reported success")
	}
}

func TestStub_Fixtures(t *testing.T) {
	fixtures := `
security:
  results:
    summary: "Security scan finished"
  issues:
    - severity: critical
      category: security
      title: "TLS certificate expired"
      url: "https://example.com/login"
performance:
  error: "page load exceeded budget"
  error_stack: "timeout at measure()"
`
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(fixtures), 0o644); err != nil {
		t.Fatal(err)
	}

	stub, err := NewStubFromFile(0, path)
	if err != nil {
		t.Fatal(err)
	}

	out := stub.Run(context.Background(), Job{TestType: domain.TypeSecurity})
	if out.Failed() {
		t.Fatalf("security fixture failed: %s", out.ErrorMessage)
	}
	if out.Results["summary"] != "Security scan finished" {
		t.Errorf("results = %v", out.Results)
	}
	if len(out.Issues) != 1 || out.Issues[0].Severity != domain.SeverityCritical {
		t.Errorf("issues = %v", out.Issues)
	}
	if out.Issues[0].Status != domain.IssueOpen {
		t.Errorf("issue status = %q, want open", out.Issues[0].Status)
	}

	out = stub.Run(context.Background(), Job{TestType: domain.TypePerformance})
	if !out.Failed() {
		t.Fatal("performance fixture should fail")
	}
	if out.ErrorMessage != "page load exceeded budget" {
		t.Errorf("ErrorMessage = %q", out.ErrorMessage)
	}

	// Types without a fixture fall back to the canned success.
	out = stub.Run(context.Background(), Job{TestType: domain.TypeFull})
	if out.Failed() || out.Results == nil {
		t.Error("fallback outcome missing")
	}
}

func TestStub_MissingFixtureFile(t *testing.T) {
	if _, err := NewStubFromFile(0, "/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing fixtures file")
	}
}
