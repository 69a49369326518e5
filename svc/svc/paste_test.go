package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berezovskyi/wastebin/cfg"
	"github.com/berezovskyi/wastebin/pkg/domain"
	"github.com/berezovskyi/wastebin/svc/auth"
	"github.com/berezovskyi/wastebin/svc/cache"
	"github.com/berezovskyi/wastebin/svc/codec"
	"github.com/berezovskyi/wastebin/svc/db"
)

type testEnv struct {
	svc   *Paste
	store *db.SQLite
}

func newTestEnv(t *testing.T, c *cfg.Cfg) *testEnv {
	t.Helper()
	if c == nil {
		c = testConfig()
	}
	store, err := db.NewSQLite("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := c.ContentKeyBytes()
	if err != nil {
		t.Fatal(err)
	}
	cdc, err := codec.New(key)
	if err != nil {
		t.Fatal(err)
	}
	hl, err := cache.NewHighlight(c.CacheSize, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := auth.NewIssuer(c.SigningSecret.Bytes(), c.Issuer, c.TokenValidity)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPaste(store, hl, cdc, issuer, c)
	t.Cleanup(p.Shutdown)
	return &testEnv{svc: p, store: store}
}

func testConfig() *cfg.Cfg {
	return &cfg.Cfg{
		Addr:          "127.0.0.1:0",
		LogLevel:      "error",
		CacheSize:     64,
		MaxBodySize:   64 * 1024,
		SigningSecret: cfg.NewSecret("test-signing-secret-32-bytes-long!!"),
		Issuer:        "wastebin-test",
		TokenValidity: time.Hour,
		GraceWindow:   time.Minute,
		SweepInterval: time.Minute,
	}
}

func TestCreateReadRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	paste, token, err := env.svc.Create(ctx, domain.CreateParams{Text: "fn main() {}", Extension: "rs"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if token == "" {
		t.Error("deletion token must be returned")
	}
	if len(paste.ID) < 6 || len(paste.ID) > 12 {
		t.Errorf("id length %d outside 6-12 range: %q", len(paste.ID), paste.ID)
	}

	got, err := env.svc.Read(ctx, paste.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Content) != "fn main() {}" {
		t.Errorf("raw content mismatch: %q", got.Content)
	}
	if got.Extension != "rs" {
		t.Errorf("extension mismatch: %q", got.Extension)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, _, err := env.svc.Create(ctx, domain.CreateParams{Text: ""}); err != domain.ErrContentRequired {
		t.Errorf("empty text: expected ErrContentRequired, got %v", err)
	}
	big := make([]byte, 64*1024+1)
	if _, _, err := env.svc.Create(ctx, domain.CreateParams{Text: string(big)}); err != domain.ErrPasteTooLarge {
		t.Errorf("oversize text: expected ErrPasteTooLarge, got %v", err)
	}
	if _, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "x", ExpiresIn: -time.Second}); err != domain.ErrInvalidExpiry {
		t.Errorf("negative expiry: expected ErrInvalidExpiry, got %v", err)
	}
}

func TestBurnAfterReading(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	paste, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "read me once", BurnAfterReading: true})
	if err != nil {
		t.Fatal(err)
	}

	got, err := env.svc.Read(ctx, paste.ID)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if string(got.Content) != "read me once" {
		t.Errorf("content mismatch: %q", got.Content)
	}
	if _, err := env.svc.Read(ctx, paste.ID); err != domain.ErrPasteNotFound {
		t.Fatalf("second read: expected ErrPasteNotFound, got %v", err)
	}
}

func TestBurnAfterReadingConcurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	paste, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "contested", BurnAfterReading: true})
	if err != nil {
		t.Fatal(err)
	}

	const readers = 16
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
			got, err := env.svc.Read(ctx, paste.ID)
			switch {
			case err == nil && string(got.Content) == "contested":
				atomic.AddInt64(&winners, 1)
			case err == domain.ErrPasteNotFound:
				atomic.AddInt64(&notFound, 1)
			default:
				t.Errorf("unexpected outcome: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 || notFound != readers-1 {
		t.Errorf("expected 1 winner and %d not-found, got %d/%d", readers-1, winners, notFound)
	}
}

func TestExpiryWithoutSweeper(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	paste, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "short lived", ExpiresIn: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Second)

	_, err = env.svc.Read(ctx, paste.ID)
	if err != domain.ErrPasteGone && err != domain.ErrPasteNotFound {
		t.Fatalf("expected gone/not-found before any sweep, got %v", err)
	}
}

func TestSweeperPurgesExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	paste, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "sweep me", ExpiresIn: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := StartSweeper(ctx, env.store, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		exists, err := env.store.Exists(ctx, paste.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !exists {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("sweeper did not purge expired row in time")
}

func TestDeleteWithinGraceWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	paste, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "oops"})
	if err != nil {
		t.Fatal(err)
	}
	// No token at all: the grace window authorizes.
	if err := env.svc.Delete(ctx, paste.ID, ""); err != nil {
		t.Fatalf("grace-window delete: %v", err)
	}
	if _, err := env.svc.Read(ctx, paste.ID); err != domain.ErrPasteNotFound {
		t.Fatalf("expected ErrPasteNotFound after delete, got %v", err)
	}
}

func TestDeleteWithTokenAfterGrace(t *testing.T) {
	c := testConfig()
	c.GraceWindow = 10 * time.Millisecond
	env := newTestEnv(t, c)
	ctx := context.Background()

	paste, token, err := env.svc.Create(ctx, domain.CreateParams{Text: "kept"})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := env.svc.Delete(ctx, paste.ID, token); err != nil {
		t.Fatalf("token delete after grace: %v", err)
	}
}

func TestDeleteWrongTokenAfterGrace(t *testing.T) {
	c := testConfig()
	c.GraceWindow = 10 * time.Millisecond
	env := newTestEnv(t, c)
	ctx := context.Background()

	paste, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "protected"})
	if err != nil {
		t.Fatal(err)
	}
	// Token minted for a different paste must not authorize this one.
	other, otherToken, err := env.svc.Create(ctx, domain.CreateParams{Text: "other"})
	if err != nil {
		t.Fatal(err)
	}
	_ = other
	time.Sleep(50 * time.Millisecond)

	if err := env.svc.Delete(ctx, paste.ID, otherToken); err != domain.ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := env.svc.Delete(ctx, paste.ID, "garbage"); err != domain.ErrForbidden {
		t.Fatalf("expected ErrForbidden for garbage token, got %v", err)
	}
	// Paste is still readable after the failed attempts.
	if _, err := env.svc.Read(ctx, paste.ID); err != nil {
		t.Fatalf("paste must survive forbidden deletes: %v", err)
	}
}

func TestDeleteIdempotentOutcome(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	paste, token, err := env.svc.Create(ctx, domain.CreateParams{Text: "twice"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Delete(ctx, paste.ID, token); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := env.svc.Delete(ctx, paste.ID, token); err != domain.ErrPasteNotFound {
		t.Fatalf("second delete: expected ErrPasteNotFound, got %v", err)
	}
}

func TestRenderComposesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	paste, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "fn main() {}", Extension: "rs"})
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.svc.Render(ctx, paste.ID)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := env.svc.Render(ctx, paste.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first == "" || first != second {
		t.Error("rendered markup must be non-empty and stable")
	}
}

func TestEncryptedAtRestRoundTrip(t *testing.T) {
	c := testConfig()
	c.ContentKey = cfg.NewSecret("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	env := newTestEnv(t, c)
	ctx := context.Background()

	paste, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "sealed"})
	if err != nil {
		t.Fatal(err)
	}
	// Stored bytes must not be the plaintext.
	raw, err := env.store.Get(ctx, paste.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw.Content) == "sealed" {
		t.Error("content stored in cleartext despite configured key")
	}
	got, err := env.svc.Read(ctx, paste.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Content) != "sealed" {
		t.Errorf("decrypt mismatch: %q", got.Content)
	}
}

func TestShutdownRejectsLateOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	paste, token, err := env.svc.Create(ctx, domain.CreateParams{Text: "late", BurnAfterReading: true})
	if err != nil {
		t.Fatal(err)
	}

	env.svc.Shutdown()
	env.svc.Shutdown() // second call must be a no-op

	if _, _, err := env.svc.Create(ctx, domain.CreateParams{Text: "x"}); err == nil {
		t.Error("create after shutdown must fail")
	}
	if _, err := env.svc.Read(ctx, paste.ID); err == nil {
		t.Error("read after shutdown must fail")
	}
	if err := env.svc.Delete(ctx, paste.ID, token); err == nil {
		t.Error("delete after shutdown must fail")
	}
	// The evict queue is closed by now; a straggling invalidation must be
	// dropped, not panic on the closed channel.
	env.svc.enqueueEvict(paste.Fingerprint)
}
