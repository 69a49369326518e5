package db

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berezovskyi/wastebin/pkg/domain"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPaste(id string) *domain.Paste {
	return &domain.Paste{
		ID:          id,
		Content:     []byte("hello"),
		Fingerprint: "fp-" + id,
		Extension:   "txt",
		CreatedAt:   time.Now().UTC(),
		UID:         "uid-" + id,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPaste("abc123")
	exp := time.Now().Add(time.Hour).UTC()
	p.ExpiresAt = &exp
	if err := s.Insert(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Content) != "hello" || got.Extension != "txt" || got.Fingerprint != p.Fingerprint || got.UID != p.UID {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.ExpiresAt == nil || got.ExpiresAt.Sub(exp).Abs() > time.Second {
		t.Errorf("expires_at not preserved: %v", got.ExpiresAt)
	}
}

func TestInsertConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testPaste("dup")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.Insert(ctx, testPaste("dup"))
	if err != domain.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// The original row must survive the rejected insert.
	if _, err := s.Get(ctx, "dup"); err != nil {
		t.Fatalf("original row lost after conflict: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); err != domain.ErrPasteNotFound {
		t.Fatalf("expected ErrPasteNotFound, got %v", err)
	}
}

func TestGetExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPaste("old")
	past := time.Now().Add(-time.Minute).UTC()
	p.ExpiresAt = &past
	if err := s.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, "old"); err != domain.ErrPasteGone {
		t.Fatalf("expected ErrPasteGone, got %v", err)
	}
	// Plain Get does not clean up; the row is still physically present.
	exists, err := s.Exists(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("expired row should still exist before sweep")
	}
}

func TestGetAndMaybeBurnPlainPaste(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testPaste("keep")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.GetAndMaybeBurn(ctx, "keep"); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
}

func TestGetAndMaybeBurnConsumes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPaste("once")
	p.BurnAfterReading = true
	if err := s.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAndMaybeBurn(ctx, "once")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if string(got.Content) != "hello" {
		t.Errorf("unexpected content %q", got.Content)
	}
	if _, err := s.GetAndMaybeBurn(ctx, "once"); err != domain.ErrPasteNotFound {
		t.Fatalf("second read: expected ErrPasteNotFound, got %v", err)
	}
}

func TestGetAndMaybeBurnConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPaste("race")
	p.BurnAfterReading = true
	if err := s.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}

	const readers = 32
	var (
		wg       sync.WaitGroup
		winners  int64
		notFound int64
	)
	start := make(chan struct{})
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := s.GetAndMaybeBurn(ctx, "race")
			switch {
			case err == nil && string(got.Content) == "hello":
				atomic.AddInt64(&winners, 1)
			case err == domain.ErrPasteNotFound:
				atomic.AddInt64(&notFound, 1)
			default:
				t.Errorf("unexpected outcome: %v %v", got, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Errorf("exactly one reader must observe content, got %d", winners)
	}
	if notFound != readers-1 {
		t.Errorf("expected %d not-found, got %d", readers-1, notFound)
	}
}

func TestGetAndMaybeBurnLazyCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPaste("stale")
	past := time.Now().Add(-time.Second).UTC()
	p.ExpiresAt = &past
	if err := s.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetAndMaybeBurn(ctx, "stale"); err != domain.ErrPasteGone {
		t.Fatalf("expected ErrPasteGone, got %v", err)
	}
	exists, err := s.Exists(ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("expired row should have been removed by the burn read")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testPaste("gone")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("deleting absent id must succeed, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	for i, exp := range []*time.Time{&past, &past, &future, nil} {
		p := testPaste(string(rune('a' + i)))
		p.ExpiresAt = exp
		if err := s.Insert(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 purged rows, got %d", n)
	}
	if _, err := s.Get(ctx, "c"); err != nil {
		t.Errorf("future paste must survive purge: %v", err)
	}
	if _, err := s.Get(ctx, "d"); err != nil {
		t.Errorf("never-expiring paste must survive purge: %v", err)
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	version, err := s.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != len(migrations) {
		t.Errorf("expected schema version %d, got %d", len(migrations), version)
	}
}
