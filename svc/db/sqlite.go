package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"crypto/rand"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/berezovskyi/wastebin/pkg/domain"
)

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultQueryTimeout = 5 * time.Second

	purgeBatchSize     = 100
	purgeMaxIterations = 10000
)

// purge batches are paced so the sweeper never monopolizes the write lock.
var purgeLimiter = rate.NewLimiter(rate.Limit(50), 10)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

// NewSQLite opens the paste store at path, or an ephemeral in-memory database
// when path is empty. Migrations run before the store is returned; a migration
// failure here is fatal to the caller.
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	dsn, memory := buildDSN(path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	if memory {
		// A shared-cache memory database lives only as long as one
		// connection does; a single pooled connection keeps it alive and
		// still serializes every transaction.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		db.SetConnMaxLifetime(1 * time.Hour)
		db.SetConnMaxIdleTime(10 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func buildDSN(path string) (dsn string, memory bool) {
	if path == "" {
		// Unique name so independent stores (tests) do not share state.
		var b [8]byte
		rand.Read(b[:])
		return fmt.Sprintf("file:mem%s?mode=memory&cache=shared&_txlock=immediate&_foreign_keys=on", hex.EncodeToString(b[:])), true
	}
	return fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path), false
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed, circuitHalfOpen:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return domain.ErrStorageUnavailable
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	// Expected outcomes never trip the breaker.
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConstraintViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Insert writes a new paste row. A duplicate id yields domain.ErrConflict so
// the caller can retry with a fresh identifier.
func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	const q = `
	INSERT INTO pastes (id, content, fingerprint, extension, created_at, expires_at, burn, uid)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Content, p.Fingerprint, p.Extension, p.CreatedAt.UTC(), nullableTime(p.ExpiresAt), p.BurnAfterReading, p.UID,
	)
	s.recordError(err)
	if isConstraintViolation(err) {
		return domain.ErrConflict
	}
	return errors.Wrap(err, "db insert")
}

// Get fetches a row without consuming it. Expired rows behave as gone even
// while still physically present; the sweeper or a burn read removes them.
func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, selectPasteQuery, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	if p.Expired(time.Now()) {
		return nil, domain.ErrPasteGone
	}
	return p, nil
}

// GetAndMaybeBurn fetches a row and, when it is marked burn-after-reading,
// deletes it in the same immediate transaction. Under concurrent calls for the
// same id exactly one caller observes the content; the rest see not-found.
// Expired rows are deleted as a side effect and reported as gone.
func (s *SQLite) GetAndMaybeBurn(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "begin burn tx")
	}
	defer tx.Rollback()

	p, err := scanPaste(tx.QueryRowContext(queryCtx, selectPasteQuery, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "burn select")
	}

	if p.Expired(time.Now()) {
		if _, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "delete expired")
		}
		if err := tx.Commit(); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "commit expired delete")
		}
		return nil, domain.ErrPasteGone
	}

	if p.BurnAfterReading {
		res, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
		if err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "burn delete")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another transaction consumed the paste between our begin
			// and now. Should not happen with immediate locking, but the
			// invariant is cheap to re-check.
			return nil, domain.ErrPasteNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "commit burn tx")
	}
	s.recordError(nil)
	return p, nil
}

// Delete removes a row. Deleting an absent id is not an error.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "db delete")
}

// Exists reports physical row presence regardless of expiry.
func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check")
	}
	return true, nil
}

// PurgeExpired deletes every row whose expiry is at or before now, in paced
// batches, and returns the number of rows removed. Only the sweeper calls it.
func (s *SQLite) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	total := 0
	for i := 0; i < purgeMaxIterations; i++ {
		if err := purgeLimiter.Wait(ctx); err != nil {
			return total, err
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		res, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= ?
				LIMIT ?
			)
		`, now.UTC(), purgeBatchSize)
		cancel()
		s.recordError(err)
		if err != nil {
			return total, errors.Wrap(err, "purge batch")
		}
		deleted, _ := res.RowsAffected()
		total += int(deleted)
		if deleted < purgeBatchSize {
			return total, nil
		}
	}
	return total, errors.New("purge hit iteration limit, more rows may remain")
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

const selectPasteQuery = `
SELECT id, content, fingerprint, extension, created_at, expires_at, burn, uid
FROM pastes WHERE id = ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p         domain.Paste
		extension sql.NullString
		expiresAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Content, &p.Fingerprint, &extension, &p.CreatedAt, &expiresAt, &p.BurnAfterReading, &p.UID); err != nil {
		return nil, err
	}
	p.Extension = extension.String
	p.CreatedAt = p.CreatedAt.UTC()
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		p.ExpiresAt = &t
	}
	return &p, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
