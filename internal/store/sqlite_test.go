package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestQueryStatsEmpty(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	st, err := repo.QueryStats(context.Background())
	if err != nil {
		t.Fatalf("QueryStats failed: %v", err)
	}
	if st.Total != 0 || st.LastQueryAt != nil {
		t.Fatalf("expected empty stats, got %+v", st)
	}
}

func TestRecordQueryAggregates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestStore(t)
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	records := []QueryRecord{
		{SessionID: "a", StartedAt: base, Duration: 100 * time.Millisecond, Status: StatusCompleted, WebSearches: 2, WebFetches: 1},
		{SessionID: "a", StartedAt: base.Add(time.Second), Duration: 300 * time.Millisecond, Status: StatusFailed, Error: "upstream"},
		{SessionID: "b", StartedAt: base.Add(2 * time.Second), Duration: 200 * time.Millisecond, Status: StatusCompleted, Cached: true},
		{SessionID: "b", StartedAt: base.Add(3 * time.Second), Duration: 0, Status: StatusCanceled},
	}
	for _, rec := range records {
		if err := repo.RecordQuery(ctx, rec); err != nil {
			t.Fatalf("RecordQuery failed: %v", err)
		}
	}

	st, err := repo.QueryStats(ctx)
	if err != nil {
		t.Fatalf("QueryStats failed: %v", err)
	}
	if st.Total != 4 || st.Completed != 2 || st.Failed != 1 || st.Canceled != 1 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if st.Cached != 1 {
		t.Fatalf("expected 1 cached, got %d", st.Cached)
	}
	if st.WebSearches != 2 || st.WebFetches != 1 {
		t.Fatalf("unexpected tool totals: %+v", st)
	}
	if st.MaxDurationMS != 300 || st.AvgDurationMS != 150 {
		t.Fatalf("unexpected durations: avg=%v max=%d", st.AvgDurationMS, st.MaxDurationMS)
	}
	if st.LastQueryAt == nil || !st.LastQueryAt.Equal(base.Add(3*time.Second)) {
		t.Fatalf("unexpected last query time: %v", st.LastQueryAt)
	}
}

func TestRecordTranscriptionAggregates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	if err := repo.RecordTranscription(ctx, TranscriptionRecord{
		SessionID: "t1", StartedAt: now, Duration: time.Minute, Status: "completed",
		Language: "en", ChunksTranscribed: 4, AudioSeconds: 12.5,
	}); err != nil {
		t.Fatalf("RecordTranscription failed: %v", err)
	}
	if err := repo.RecordTranscription(ctx, TranscriptionRecord{
		SessionID: "t2", StartedAt: now, Status: "failed", Capture: true, Error: "provider closed",
	}); err != nil {
		t.Fatalf("RecordTranscription failed: %v", err)
	}

	st, err := repo.TranscriptionStats(ctx)
	if err != nil {
		t.Fatalf("TranscriptionStats failed: %v", err)
	}
	if st.Total != 2 || st.Completed != 1 || st.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if st.ChunksTranscribed != 4 || st.AudioSeconds != 12.5 {
		t.Fatalf("unexpected totals: %+v", st)
	}
}

func TestNewSQLiteFilePath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "metrics.db")
	repo, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer repo.Close()

	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
