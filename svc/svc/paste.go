package svc

import (
	"context"
	"crypto/subtle"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/berezovskyi/wastebin/cfg"
	"github.com/berezovskyi/wastebin/metrics"
	"github.com/berezovskyi/wastebin/pkg/domain"
	"github.com/berezovskyi/wastebin/svc/auth"
	"github.com/berezovskyi/wastebin/svc/cache"
	"github.com/berezovskyi/wastebin/svc/codec"
	"github.com/berezovskyi/wastebin/svc/db"
	"github.com/berezovskyi/wastebin/svc/util"
)

const maxIDRetries = 5

// Paste wires the storage, codec, highlight cache and deletion authorization
// into the boundary operations the HTTP layer calls.
type Paste struct {
	db       *db.SQLite
	hl       *cache.Highlight
	codec    *codec.Codec
	issuer   *auth.Issuer
	cfg      *cfg.Cfg
	evictQ   chan string
	workerWg sync.WaitGroup
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewPaste(sqlDB *db.SQLite, hl *cache.Highlight, cdc *codec.Codec, issuer *auth.Issuer, c *cfg.Cfg) *Paste {
	if sqlDB == nil || hl == nil || cdc == nil || issuer == nil || c == nil {
		panic("paste service: nil dependency")
	}
	p := &Paste{
		db:     sqlDB,
		hl:     hl,
		codec:  cdc,
		issuer: issuer,
		cfg:    c,
		evictQ: make(chan string, 256),
	}
	// Cache invalidation after a delete is best-effort; it runs off the
	// request path so a slow markup tier cannot delay the deletion response.
	p.workerWg.Add(1)
	go p.evictWorker()
	return p
}

func (p *Paste) evictWorker() {
	defer p.workerWg.Done()
	for fingerprint := range p.evictQ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		p.hl.Invalidate(ctx, fingerprint)
		cancel()
	}
}

func (p *Paste) enqueueEvict(fingerprint string) {
	// Reads and deletes may still be draining when Shutdown closes the
	// queue; a dropped invalidation at that point is harmless.
	if p.shutdown.Load() {
		return
	}
	select {
	case p.evictQ <- fingerprint:
	default:
		util.Warn().Str("fingerprint", fingerprint).Msg("evict queue full, dropping invalidation")
	}
}

func (p *Paste) Shutdown() {
	if !p.shutdown.CompareAndSwap(false, true) {
		return
	}
	p.opWg.Wait()
	close(p.evictQ)
	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("evict worker didn't stop in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}

// Create stores a new paste and returns it together with its deletion token.
// Identifier collisions are retried internally and never surface unless the
// retry budget is exhausted.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, string, error) {
	if p.shutdown.Load() {
		return nil, "", errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if len(params.Text) == 0 {
		return nil, "", domain.ErrContentRequired
	}
	if int64(len(params.Text)) > p.cfg.MaxBodySize {
		return nil, "", domain.ErrPasteTooLarge
	}
	if params.ExpiresIn < 0 {
		return nil, "", domain.ErrInvalidExpiry
	}
	expiresIn := params.ExpiresIn
	if p.cfg.MaxExpiry > 0 && (expiresIn == 0 || expiresIn > p.cfg.MaxExpiry) {
		expiresIn = p.cfg.MaxExpiry
	}

	stored, fingerprint, err := p.codec.Encode([]byte(params.Text))
	if err != nil {
		return nil, "", errors.Wrap(err, "encode content")
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if expiresIn > 0 {
		t := now.Add(expiresIn)
		expiresAt = &t
	}

	for attempt := 0; attempt < maxIDRetries; attempt++ {
		id, err := util.GenID()
		if err != nil {
			return nil, "", err
		}
		token, err := p.issuer.Issue(id)
		if err != nil {
			return nil, "", errors.Wrap(err, "issue deletion token")
		}
		paste := &domain.Paste{
			ID:               id,
			Content:          stored,
			Fingerprint:      fingerprint,
			Extension:        params.Extension,
			CreatedAt:        now,
			ExpiresAt:        expiresAt,
			BurnAfterReading: params.BurnAfterReading,
			UID:              auth.Digest(token),
		}
		err = p.db.Insert(ctx, paste)
		if err == domain.ErrConflict {
			util.Warn().Str("id", id).Int("attempt", attempt+1).Msg("id collision, retrying")
			continue
		}
		if err != nil {
			return nil, "", errors.Wrap(err, "insert paste")
		}
		paste.Content = []byte(params.Text)
		metrics.PasteCreated.Inc()
		return paste, token, nil
	}
	return nil, "", domain.ErrIDGenerationFailed
}

// Read fetches a paste and returns it with plaintext content. A
// burn-after-reading paste is consumed atomically: of N concurrent reads,
// exactly one gets the content.
func (p *Paste) Read(ctx context.Context, id string) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	paste, err := p.db.GetAndMaybeBurn(ctx, id)
	if err != nil {
		return nil, err
	}
	plaintext, err := p.codec.Decode(paste.Content)
	if err != nil {
		return nil, err
	}
	paste.Content = plaintext
	if paste.BurnAfterReading {
		metrics.PasteBurned.Inc()
		p.enqueueEvict(paste.Fingerprint)
	}
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// Render returns the highlighted markup for a paste, composed from Read and
// the highlight cache.
func (p *Paste) Render(ctx context.Context, id string) (string, error) {
	paste, err := p.Read(ctx, id)
	if err != nil {
		return "", err
	}
	return p.hl.RenderOrFetch(ctx, paste.Fingerprint, paste.Extension, paste.Content)
}

// Delete removes a paste. Two authorization paths are tried and either one
// suffices: the universal grace window after creation, or a valid deletion
// token matching the stored digest.
func (p *Paste) Delete(ctx context.Context, id, token string) error {
	if p.shutdown.Load() {
		return errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	paste, err := p.db.Get(ctx, id)
	if err != nil {
		if errors.Cause(err) == domain.ErrPasteGone {
			return domain.ErrPasteNotFound
		}
		return err
	}
	if !p.authorizeDelete(paste, token) {
		return domain.ErrForbidden
	}
	if err := p.db.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	p.enqueueEvict(paste.Fingerprint)
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", id).Msg("paste deleted")
	return nil
}

func (p *Paste) authorizeDelete(paste *domain.Paste, token string) bool {
	if paste.WithinGrace(time.Now(), p.cfg.GraceWindow) {
		return true
	}
	if token == "" {
		return false
	}
	if err := p.issuer.Verify(paste.ID, token); err != nil {
		return false
	}
	digest := auth.Digest(token)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(paste.UID)) == 1
}
