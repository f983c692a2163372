package stats

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sitesentry/qa-platform/internal/domain"
	"github.com/sitesentry/qa-platform/internal/teststore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seedProject(t *testing.T) (*teststore.Store, *domain.Project) {
	t.Helper()
	store, err := teststore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	project := &domain.Project{UserID: "user-1", Name: "Example", TargetURL: "https://example.com"}
	if err := store.CreateProject(project); err != nil {
		t.Fatal(err)
	}
	return store, project
}

func completeTest(t *testing.T, store *teststore.Store, projectID string, issues []*domain.Issue) *domain.Test {
	t.Helper()
	test := &domain.Test{ProjectID: projectID, TestType: domain.TypeFull}
	if err := store.CreateTest(test); err != nil {
		t.Fatal(err)
	}
	if err := store.StartTest(test.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteTest(test.ID, map[string]any{"ok": true}, nil, nil, issues, time.Now()); err != nil {
		t.Fatal(err)
	}
	return test
}

func TestAggregator_SummarizeWithoutCache(t *testing.T) {
	store, project := seedProject(t)
	completeTest(t, store, project.ID, []*domain.Issue{{
		Severity: domain.SeverityCritical,
		Category: "security",
		Title:    "Open redirect",
	}})
	completeTest(t, store, project.ID, nil)

	a := New(store, nil, 0, testLogger())
	stats, err := a.Summarize(context.Background(), project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalTests != 2 {
		t.Errorf("TotalTests = %d, want 2", stats.TotalTests)
	}
	if stats.OpenCriticalIssues != 1 {
		t.Errorf("OpenCriticalIssues = %d, want 1", stats.OpenCriticalIssues)
	}
	if stats.LatestTest == nil {
		t.Error("LatestTest absent")
	}
}

func TestAggregator_CacheServesStaleUntilInvalidated(t *testing.T) {
	store, project := seedProject(t)
	completeTest(t, store, project.ID, nil)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	a := New(store, cache, time.Minute, testLogger())
	ctx := context.Background()

	first, err := a.Summarize(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.TotalTests != 1 {
		t.Fatalf("TotalTests = %d, want 1", first.TotalTests)
	}

	// New activity is invisible while the cached rollup lives.
	completeTest(t, store, project.ID, nil)
	second, err := a.Summarize(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.TotalTests != 1 {
		t.Errorf("cached TotalTests = %d, want stale 1", second.TotalTests)
	}

	a.Invalidate(ctx, project.ID)
	third, err := a.Summarize(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if third.TotalTests != 2 {
		t.Errorf("TotalTests after invalidation = %d, want 2", third.TotalTests)
	}
}

func TestAggregator_CacheExpiry(t *testing.T) {
	store, project := seedProject(t)
	completeTest(t, store, project.ID, nil)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	a := New(store, cache, time.Second, testLogger())
	ctx := context.Background()

	if _, err := a.Summarize(ctx, project.ID); err != nil {
		t.Fatal(err)
	}

	completeTest(t, store, project.ID, nil)
	mr.FastForward(2 * time.Second)

	stats, err := a.Summarize(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalTests != 2 {
		t.Errorf("TotalTests after TTL expiry = %d, want 2", stats.TotalTests)
	}
}

func TestAggregator_CacheDownFallsThrough(t *testing.T) {
	store, project := seedProject(t)
	completeTest(t, store, project.ID, nil)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })
	mr.Close()

	a := New(store, cache, time.Minute, testLogger())
	stats, err := a.Summarize(context.Background(), project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalTests != 1 {
		t.Errorf("TotalTests = %d, want 1 despite cache being down", stats.TotalTests)
	}
}
