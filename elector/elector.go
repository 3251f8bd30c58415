// Package elector provides single-leader election among peers contending
// for the same key, built on distlock: a background worker acquires or
// renews the lease each poll, drives callback-visible state transitions,
// and publishes per-node status for cluster observability.
package elector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zebpalmer/mongoelector/distlock"
	"github.com/zebpalmer/mongoelector/internal/metrics"
	"github.com/zebpalmer/mongoelector/storage"
)

const (
	// DefaultTTL is the lease length when none is configured
	DefaultTTL = 15 * time.Second

	// MinTTL keeps the poll interval meaningful
	MinTTL = 2 * time.Second

	// MinPollInterval is the floor of the derived poll cadence
	MinPollInterval = time.Second
)

var (
	// ErrWorkerRunning indicates Poll was called while the background
	// worker is active
	ErrWorkerRunning = errors.New("background worker is running")

	// ErrStopped indicates the elector reached its terminal state and
	// cannot be restarted
	ErrStopped = errors.New("elector is stopped")
)

// Callback is a state-transition hook. Callbacks run on the worker,
// serialised, and must not call Stop synchronously (use RequestStop).
type Callback func()

// Config holds construction parameters for an Elector.
type Config struct {
	// Key is the election name shared by all contending peers. Required.
	Key string

	// TTL is the leadership lease length (default 15s, minimum 2s). The
	// poll interval is derived as max(1s, TTL/3).
	TTL time.Duration

	// OnLeader fires once per leadership acquisition
	OnLeader Callback

	// OnLeaderLoss fires once per leadership loss, including the loss
	// implied by stopping while leader
	OnLeaderLoss Callback

	// OnLoop fires at the end of every poll cycle regardless of state
	OnLoop Callback

	// AppVersion is published in this node's status document
	AppVersion string

	// DisableStatusReport turns off per-poll status document upserts
	DisableStatusReport bool

	// EnableStatusBreaker wraps status writes in a circuit breaker so a
	// down store is not hammered every poll
	EnableStatusBreaker bool

	// SkipClockCheck disables the underlying lock's clock offset guard
	SkipClockCheck bool

	// Host and PID identify this node (default: os.Hostname / os.Getpid)
	Host string
	PID  int

	// Logger receives structured log output; nil emits nothing
	Logger *slog.Logger

	// Now overrides the wall-clock source; tests substitute the store
	// clock here
	Now func() time.Time
}

// Elector coordinates a single-leader election for a key. One background
// worker owns all state transitions; accessors read published snapshots.
type Elector struct {
	cfg          Config
	store        storage.Store
	lock         *distlock.DistLock
	log          *slog.Logger
	now          func() time.Time
	instanceID   string
	pollInterval time.Duration

	// pollMu serialises poll cycles with Release and Poll so callbacks
	// never run concurrently
	pollMu sync.Mutex
	leader bool // worker-side view, guarded by pollMu

	// mu guards the published snapshots read by accessors
	mu          sync.RWMutex
	state       storage.NodeState
	isLeader    bool
	lastCluster []storage.NodeStatus

	runMu   sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	statusSink statusSink
}

// New creates an Elector contending for cfg.Key through the given store.
func New(store storage.Store, cfg Config) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", distlock.ErrInvalidConfig)
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("%w: election key is required", distlock.ErrInvalidConfig)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < MinTTL {
		return nil, fmt.Errorf("%w: ttl %v below the two-second floor", distlock.ErrInvalidConfig, cfg.TTL)
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

	lock, err := distlock.New(store, distlock.Config{
		Key:            cfg.Key,
		TTL:            cfg.TTL,
		SkipClockCheck: cfg.SkipClockCheck,
		Host:           cfg.Host,
		PID:            cfg.PID,
		Logger:         cfg.Logger,
		Now:            cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	pollInterval := cfg.TTL / 3
	if pollInterval < MinPollInterval {
		pollInterval = MinPollInterval
	}

	e := &Elector{
		cfg:          cfg,
		store:        store,
		lock:         lock,
		log:          log,
		now:          now,
		instanceID:   uuid.New().String(),
		pollInterval: pollInterval,
		state:        storage.NodeStarting,
	}
	e.statusSink = newStatusSink(e)
	return e, nil
}

// InstanceID returns this elector's stable identity, used to key its
// status document. Distinct from the per-acquisition lease fingerprint.
func (e *Elector) InstanceID() string { return e.instanceID }

// Key returns the election key.
func (e *Elector) Key() string { return e.cfg.Key }

// PollInterval returns the derived worker cadence.
func (e *Elector) PollInterval() time.Duration { return e.pollInterval }

// Start launches the background worker. Calling Start on a running
// elector is a no-op; a stopped elector cannot be restarted.
func (e *Elector) Start() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.run(ctx)

	e.log.Info("Leader election started",
		"key", e.cfg.Key,
		"instanceId", e.instanceID,
		"ttl", e.cfg.TTL,
		"pollInterval", e.pollInterval)
	return nil
}

// Run launches the worker and blocks until Stop is called elsewhere or
// ctx is cancelled.
func (e *Elector) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	e.runMu.Lock()
	done := e.done
	e.runMu.Unlock()

	select {
	case <-ctx.Done():
		e.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

// RequestStop asks the worker to exit after its current poll and returns
// immediately. This is the form callbacks may use.
func (e *Elector) RequestStop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Stop requests termination and blocks until the worker reaches the
// stopped state. Idempotent. Calling Stop synchronously from a callback
// deadlocks; callbacks use RequestStop.
func (e *Elector) Stop() {
	e.runMu.Lock()
	if !e.running {
		// Never started, or already stopped: settle the terminal state. A
		// Poll-driven elector runs the stopping sequence here, since it has
		// no worker to do it.
		wasStopped := e.stopped
		e.stopped = true
		e.runMu.Unlock()
		if wasStopped {
			return
		}
		if e.State() != storage.NodeStarting {
			e.shutdown()
			return
		}
		e.setState(storage.NodeStopped)
		return
	}
	cancel := e.cancel
	done := e.done
	e.runMu.Unlock()

	cancel()
	<-done

	e.runMu.Lock()
	e.running = false
	e.stopped = true
	e.runMu.Unlock()
}

// run is the background worker: an immediate poll, then one poll per
// interval until cancelled.
func (e *Elector) run(ctx context.Context) {
	defer close(e.done)

	e.setState(storage.NodeFollower)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

// Poll executes one poll cycle synchronously, producing the same
// transitions and callbacks as the worker. Rejected while the worker is
// running; intended for tests and step-driven embedding.
func (e *Elector) Poll(ctx context.Context) error {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return ErrWorkerRunning
	}
	if e.stopped {
		e.runMu.Unlock()
		return ErrStopped
	}
	e.runMu.Unlock()

	e.mu.Lock()
	if e.state == storage.NodeStarting {
		e.state = storage.NodeFollower
	}
	e.mu.Unlock()

	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	e.cycle(ctx)
	return nil
}

func (e *Elector) pollOnce(ctx context.Context) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	// Stop must not abort an in-flight store call, so the cycle context
	// is detached from the worker's and bounded by the poll interval.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.pollInterval)
	defer cancel()
	e.cycle(cctx)
}

// cycle is one turn of the state machine. Callers hold pollMu.
func (e *Elector) cycle(ctx context.Context) {
	if e.leader {
		_, held, err := e.lock.Touch(ctx)
		if err != nil {
			e.log.Warn("Touch failed", "key", e.cfg.Key, "error", err)
		}
		if !held {
			e.loseLeadership("lease lost")
		}
	} else {
		err := e.lock.TryAcquire(ctx)
		switch {
		case err == nil:
			e.gainLeadership()
		case errors.Is(err, distlock.ErrLockExists):
			// Still a follower.
		default:
			e.log.Warn("Acquire attempt failed", "key", e.cfg.Key, "error", err)
		}
	}

	if !e.cfg.DisableStatusReport {
		e.statusSink.publish(ctx)
		e.refreshCluster(ctx)
	}

	metrics.ElectorPolls.WithLabelValues(e.cfg.Key, string(e.State())).Inc()
	e.invoke("on_loop", e.cfg.OnLoop)
}

// gainLeadership fires on_leader and only then publishes the new state,
// so a reader observing leadership knows the callback has returned.
func (e *Elector) gainLeadership() {
	e.leader = true
	e.invoke("on_leader", e.cfg.OnLeader)

	e.mu.Lock()
	e.isLeader = true
	e.state = storage.NodeLeader
	e.mu.Unlock()

	metrics.ElectorTransitions.WithLabelValues(e.cfg.Key, "elected").Inc()
	metrics.ElectorLeader.WithLabelValues(e.cfg.Key, e.instanceID).Set(1)
	e.log.Info("Acquired leadership", "key", e.cfg.Key, "instanceId", e.instanceID)
}

func (e *Elector) loseLeadership(reason string) {
	e.leader = false
	e.invoke("on_leader_loss", e.cfg.OnLeaderLoss)

	e.mu.Lock()
	e.isLeader = false
	if e.state == storage.NodeLeader {
		e.state = storage.NodeFollower
	}
	e.mu.Unlock()

	metrics.ElectorTransitions.WithLabelValues(e.cfg.Key, "lost").Inc()
	metrics.ElectorLeader.WithLabelValues(e.cfg.Key, e.instanceID).Set(0)
	e.log.Warn("Lost leadership", "key", e.cfg.Key, "instanceId", e.instanceID, "reason", reason)
}

// Release relinquishes leadership while leaving the elector running; it
// will typically contend again on the next poll.
func (e *Elector) Release(ctx context.Context) error {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	if !e.leader {
		return nil
	}
	err := e.lock.Release(ctx)
	e.loseLeadership("released")
	return err
}

// shutdown runs the stopping sequence (on the worker, or from Stop for a
// Poll-driven elector): best-effort release
// bounded by twice the poll interval, status cleanup, terminal state.
func (e *Elector) shutdown() {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	e.setState(storage.NodeStopping)

	if e.leader {
		ctx, cancel := context.WithTimeout(context.Background(), 2*e.pollInterval)
		if err := e.lock.Release(ctx); err != nil {
			// The lease is left to expire naturally.
			e.log.Warn("Release at stop failed", "key", e.cfg.Key, "error", err)
		}
		cancel()
		e.loseLeadership("stopping")
	}

	if !e.cfg.DisableStatusReport {
		ctx, cancel := context.WithTimeout(context.Background(), e.pollInterval)
		e.statusSink.remove(ctx)
		cancel()
	}

	e.setState(storage.NodeStopped)
	e.log.Info("Leader election stopped", "key", e.cfg.Key, "instanceId", e.instanceID)
}

// invoke runs a callback with panic isolation: a throwing callback is
// logged and never causes a spurious transition.
func (e *Elector) invoke(name string, fn Callback) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Callback panicked", "callback", name, "key", e.cfg.Key, "panic", r)
		}
	}()
	fn()
}

func (e *Elector) setState(s storage.NodeState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// IsLeader reports the published leadership state. True guarantees
// on_leader has already returned.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// State returns the current lifecycle state.
func (e *Elector) State() storage.NodeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Running reports whether the background worker is active.
func (e *Elector) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// LeaderExists reports whether any node holds a non-expired lease for the
// election key.
func (e *Elector) LeaderExists(ctx context.Context) (bool, error) {
	return e.lock.Locked(ctx)
}

// CurrentLeader returns the live lease document, or nil when the
// leadership is vacant.
func (e *Elector) CurrentLeader(ctx context.Context) (*storage.Lock, error) {
	current, err := e.lock.Current(ctx)
	if err != nil || current == nil {
		return nil, err
	}
	serverNow, err := e.store.ServerNow(ctx)
	if err != nil {
		return nil, &distlock.StoreUnavailableError{Err: err}
	}
	if current.Expired(serverNow) {
		return nil, nil
	}
	return current, nil
}
