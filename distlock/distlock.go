// Package distlock provides a mutually-exclusive, automatically-expiring
// lease over a named key, backed by a document store.
package distlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zebpalmer/mongoelector/internal/metrics"
	"github.com/zebpalmer/mongoelector/storage"
)

const (
	// DefaultTTL is the lease length when none is configured
	DefaultTTL = 600 * time.Second

	// DefaultStep is the sleep between blocking-acquire polls
	DefaultStep = 250 * time.Millisecond

	// DefaultMaxClockOffset is the tolerated divergence between the host
	// clock and the store clock
	DefaultMaxClockOffset = 500 * time.Millisecond

	// MinTTL is the lease granularity floor
	MinTTL = time.Second
)

// Config holds construction parameters for a DistLock.
type Config struct {
	// Key is the lock name. Required.
	Key string

	// TTL is the declared lease length (default 600s, minimum 1s)
	TTL time.Duration

	// Step is the sleep between blocking-acquire polls (default 250ms)
	Step time.Duration

	// MaxClockOffset is the tolerated host/store clock divergence
	// (default 500ms)
	MaxClockOffset time.Duration

	// SkipClockCheck disables the acquire-time clock offset guard
	SkipClockCheck bool

	// Host and PID identify the owner in the lock document
	// (default: os.Hostname / os.Getpid)
	Host string
	PID  int

	// Logger receives structured log output; nil emits nothing
	Logger *slog.Logger

	// Now overrides the wall-clock source; tests substitute the store
	// clock here. The store clock stays the expiry authority either way.
	Now func() time.Time
}

// DefaultConfig returns the defaults for a lock key.
func DefaultConfig(key string) Config {
	return Config{
		Key:            key,
		TTL:            DefaultTTL,
		Step:           DefaultStep,
		MaxClockOffset: DefaultMaxClockOffset,
	}
}

// AcquireOptions tune a single acquire call. The zero value blocks
// without a deadline.
type AcquireOptions struct {
	// NonBlocking makes a held lock an immediate ErrLockExists
	NonBlocking bool

	// Timeout bounds a blocking acquire; zero means no deadline
	Timeout time.Duration

	// Step overrides the configured poll sleep for this call
	Step time.Duration

	// Force deletes any existing lock document unconditionally before
	// installing ours. Administrative override.
	Force bool
}

// DistLock is a lease over a named key. At most one owner holds the lease
// at any store-observed instant; the lease expires on its own if the
// owner stops touching it. Safe for concurrent use; the in-memory lease
// record is guarded by a mutex.
type DistLock struct {
	store storage.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu          sync.Mutex
	ownerID     string
	expiresAt   time.Time
	touchStrike bool
}

// New creates a DistLock. Configuration problems surface here, never
// later.
func New(store storage.Store, cfg Config) (*DistLock, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("%w: lock key is required", ErrInvalidConfig)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < MinTTL {
		return nil, fmt.Errorf("%w: ttl %v below the one-second floor", ErrInvalidConfig, cfg.TTL)
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	if cfg.MaxClockOffset <= 0 {
		cfg.MaxClockOffset = DefaultMaxClockOffset
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &DistLock{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   now,
	}, nil
}

// Key returns the lock name.
func (l *DistLock) Key() string { return l.cfg.Key }

// TTL returns the configured lease length.
func (l *DistLock) TTL() time.Duration { return l.cfg.TTL }

// OwnerID returns the fingerprint of the last lease this instance
// acquired, or empty if none is held.
func (l *DistLock) OwnerID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ownerID
}

// ExpiresAt returns the last known expiry of the held lease.
func (l *DistLock) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Acquire blocks until the lease is installed or ctx is cancelled.
func (l *DistLock) Acquire(ctx context.Context) error {
	return l.AcquireWithOptions(ctx, AcquireOptions{})
}

// TryAcquire attempts a single non-blocking acquire; a held lock is
// ErrLockExists.
func (l *DistLock) TryAcquire(ctx context.Context) error {
	return l.AcquireWithOptions(ctx, AcquireOptions{NonBlocking: true})
}

// AcquireWithOptions installs a lock document for the key. Each poll
// iteration mints a fresh owner fingerprint, so a stale winning document
// cannot be mistaken for ours.
func (l *DistLock) AcquireWithOptions(ctx context.Context, opts AcquireOptions) error {
	if !l.cfg.SkipClockCheck {
		if err := l.checkClockOffset(ctx); err != nil {
			return err
		}
	}

	step := opts.Step
	if step <= 0 {
		step = l.cfg.Step
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = l.now().Add(opts.Timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := l.tryInstall(ctx, opts.Force)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues(l.cfg.Key, "error").Inc()
			return err
		}
		if ok {
			return nil
		}

		if opts.NonBlocking {
			metrics.LockAcquisitions.WithLabelValues(l.cfg.Key, "exists").Inc()
			return ErrLockExists
		}
		if !deadline.IsZero() && !l.now().Before(deadline) {
			metrics.LockAcquisitions.WithLabelValues(l.cfg.Key, "timeout").Inc()
			return ErrAcquireTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
	}
}

// tryInstall runs one acquire iteration: fresh fingerprint, create, and
// when the key is occupied, a steal of any expired lease. A false return
// with nil error means this iteration installed nothing: the lease is live
// and owned elsewhere, or a race with another contender was lost.
func (l *DistLock) tryInstall(ctx context.Context, force bool) (bool, error) {
	serverNow, err := l.store.ServerNow(ctx)
	if err != nil {
		return false, &StoreUnavailableError{Err: err}
	}

	doc := &storage.Lock{
		Key:       l.cfg.Key,
		OwnerID:   uuid.New().String(),
		Host:      l.cfg.Host,
		PID:       l.cfg.PID,
		CreatedAt: serverNow,
		ExpiresAt: serverNow.Add(l.cfg.TTL),
		TTL:       int(l.cfg.TTL / time.Second),
	}

	err = l.store.CreateIfAbsent(ctx, doc)
	if err == nil {
		l.record(doc, "acquired")
		return true, nil
	}
	if !errors.Is(err, storage.ErrExists) {
		return false, &StoreUnavailableError{Err: err}
	}

	current, err := l.store.Find(ctx, l.cfg.Key)
	if errors.Is(err, storage.ErrNotFound) {
		// Vanished between create and find; next iteration races again.
		return false, nil
	}
	if err != nil {
		return false, &StoreUnavailableError{Err: err}
	}

	switch {
	case force:
		if err := l.store.Delete(ctx, l.cfg.Key); err != nil {
			return false, &StoreUnavailableError{Err: err}
		}
	case current.Expired(serverNow):
		err := l.store.DeleteIfMatch(ctx, l.cfg.Key, current.OwnerID)
		if errors.Is(err, storage.ErrMismatch) {
			// Someone else stole it first.
			return false, nil
		}
		if err != nil {
			return false, &StoreUnavailableError{Err: err}
		}
	default:
		return false, nil
	}

	err = l.store.CreateIfAbsent(ctx, doc)
	if errors.Is(err, storage.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, &StoreUnavailableError{Err: err}
	}
	l.record(doc, "stolen")
	return true, nil
}

func (l *DistLock) record(doc *storage.Lock, how string) {
	l.mu.Lock()
	l.ownerID = doc.OwnerID
	l.expiresAt = doc.ExpiresAt
	l.touchStrike = false
	l.mu.Unlock()

	metrics.LockAcquisitions.WithLabelValues(l.cfg.Key, how).Inc()
	l.log.Info("Lock acquired",
		"key", l.cfg.Key,
		"ownerId", doc.OwnerID,
		"expiresAt", doc.ExpiresAt)
}

// Release deletes the lock document if we still own it. Releasing a lease
// owned elsewhere (or none at all) is a no-op. The in-memory record is
// cleared either way.
func (l *DistLock) Release(ctx context.Context) error {
	l.mu.Lock()
	ownerID := l.ownerID
	l.ownerID = ""
	l.expiresAt = time.Time{}
	l.touchStrike = false
	l.mu.Unlock()

	if ownerID == "" {
		return nil
	}

	err := l.store.DeleteIfMatch(ctx, l.cfg.Key, ownerID)
	if errors.Is(err, storage.ErrMismatch) {
		metrics.LockReleases.WithLabelValues(l.cfg.Key, "not_owned").Inc()
		return nil
	}
	if err != nil {
		return &StoreUnavailableError{Err: err}
	}

	metrics.LockReleases.WithLabelValues(l.cfg.Key, "released").Inc()
	l.log.Info("Lock released", "key", l.cfg.Key, "ownerId", ownerID)
	return nil
}

// ForceRelease deletes the lock document regardless of owner.
// Administrative override; clears the in-memory record.
func (l *DistLock) ForceRelease(ctx context.Context) error {
	l.mu.Lock()
	l.ownerID = ""
	l.expiresAt = time.Time{}
	l.touchStrike = false
	l.mu.Unlock()

	if err := l.store.Delete(ctx, l.cfg.Key); err != nil {
		return &StoreUnavailableError{Err: err}
	}
	metrics.LockReleases.WithLabelValues(l.cfg.Key, "forced").Inc()
	l.log.Warn("Lock force-released", "key", l.cfg.Key)
	return nil
}

// Touch renews the lease. The returned bool reports whether the lease is
// still held; routine loss is a normal outcome, not an error. A single
// transport failure keeps the lease and returns the error; a second
// consecutive transport failure counts as loss.
func (l *DistLock) Touch(ctx context.Context) (time.Time, bool, error) {
	l.mu.Lock()
	ownerID := l.ownerID
	l.mu.Unlock()

	if ownerID == "" {
		metrics.LockTouches.WithLabelValues(l.cfg.Key, "lost").Inc()
		return time.Time{}, false, nil
	}

	serverNow, err := l.store.ServerNow(ctx)
	if err == nil {
		newExpiry := serverNow.Add(l.cfg.TTL)
		err = l.store.UpdateIfMatch(ctx, l.cfg.Key, ownerID, newExpiry)
		if err == nil {
			l.mu.Lock()
			l.expiresAt = newExpiry
			l.touchStrike = false
			l.mu.Unlock()
			metrics.LockTouches.WithLabelValues(l.cfg.Key, "renewed").Inc()
			return newExpiry, true, nil
		}
		if errors.Is(err, storage.ErrMismatch) {
			l.clear()
			metrics.LockTouches.WithLabelValues(l.cfg.Key, "lost").Inc()
			l.log.Warn("Lock lost", "key", l.cfg.Key, "ownerId", ownerID)
			return time.Time{}, false, nil
		}
	}

	// Transport failure: one is tolerated so a single blip cannot flap
	// leadership, the second consecutive one counts as loss.
	metrics.LockTouches.WithLabelValues(l.cfg.Key, "error").Inc()
	l.mu.Lock()
	second := l.touchStrike
	l.touchStrike = true
	expiresAt := l.expiresAt
	l.mu.Unlock()

	if second {
		l.clear()
		l.log.Warn("Lock lost after consecutive touch failures",
			"key", l.cfg.Key, "ownerId", ownerID, "error", err)
		return time.Time{}, false, &StoreUnavailableError{Err: err}
	}
	l.log.Warn("Touch failed, keeping lease",
		"key", l.cfg.Key, "ownerId", ownerID, "error", err)
	return expiresAt, true, &StoreUnavailableError{Err: err}
}

func (l *DistLock) clear() {
	l.mu.Lock()
	l.ownerID = ""
	l.expiresAt = time.Time{}
	l.touchStrike = false
	l.mu.Unlock()
}

// Locked reports whether a non-expired lease exists for the key,
// regardless of owner.
func (l *DistLock) Locked(ctx context.Context) (bool, error) {
	current, err := l.Current(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	serverNow, err := l.store.ServerNow(ctx)
	if err != nil {
		return false, &StoreUnavailableError{Err: err}
	}
	return !current.Expired(serverNow), nil
}

// Owned reports whether a non-expired lease exists and its fingerprint
// matches ours. The store read is authoritative; the in-memory record is
// only the comparator.
func (l *DistLock) Owned(ctx context.Context) (bool, error) {
	l.mu.Lock()
	ownerID := l.ownerID
	l.mu.Unlock()
	if ownerID == "" {
		return false, nil
	}

	current, err := l.Current(ctx)
	if err != nil {
		return false, err
	}
	if current == nil || current.OwnerID != ownerID {
		return false, nil
	}
	serverNow, err := l.store.ServerNow(ctx)
	if err != nil {
		return false, &StoreUnavailableError{Err: err}
	}
	return !current.Expired(serverNow), nil
}

// Current returns the raw lock document, or nil when absent.
func (l *DistLock) Current(ctx context.Context) (*storage.Lock, error) {
	current, err := l.store.Find(ctx, l.cfg.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreUnavailableError{Err: err}
	}
	return current, nil
}

// WithLock acquires the lease, runs fn, and releases on every exit path
// including panic.
func (l *DistLock) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil {
			l.log.Warn("Scoped release failed", "key", l.cfg.Key, "error", err)
		}
	}()
	return fn(ctx)
}

func (l *DistLock) checkClockOffset(ctx context.Context) error {
	serverNow, err := l.store.ServerNow(ctx)
	if err != nil {
		return &StoreUnavailableError{Err: err}
	}
	offset := l.now().Sub(serverNow)
	if offset < 0 {
		offset = -offset
	}
	if offset > l.cfg.MaxClockOffset {
		metrics.LockAcquisitions.WithLabelValues(l.cfg.Key, "clock_offset").Inc()
		return &ClockOffsetError{Offset: offset, MaxOffset: l.cfg.MaxClockOffset}
	}
	return nil
}
