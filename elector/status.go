package elector

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/zebpalmer/mongoelector/storage"
)

// statusSink writes this node's status document, optionally through a
// circuit breaker so a down store is not hammered on every poll. Status
// writes are best effort throughout; failures are logged, never raised.
type statusSink struct {
	e       *Elector
	breaker *gobreaker.CircuitBreaker
}

func newStatusSink(e *Elector) statusSink {
	s := statusSink{e: e}
	if e.cfg.EnableStatusBreaker {
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "status-report:" + e.cfg.Key,
			MaxRequests: 1,
			Timeout:     2 * e.pollInterval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				e.log.Info("Status breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String())
			},
		})
	}
	return s
}

func (s statusSink) publish(ctx context.Context) {
	status := s.e.buildStatus()
	write := func() error { return s.e.store.UpsertStatus(ctx, &status) }

	var err error
	if s.breaker != nil {
		_, err = s.breaker.Execute(func() (interface{}, error) {
			return nil, write()
		})
	} else {
		err = write()
	}
	if err != nil {
		s.e.log.Warn("Status report failed",
			"key", s.e.cfg.Key,
			"instanceId", s.e.instanceID,
			"error", err)
	}
}

func (s statusSink) remove(ctx context.Context) {
	err := s.e.store.DeleteStatus(ctx, s.e.cfg.Key, s.e.instanceID)
	if err != nil {
		s.e.log.Warn("Status cleanup failed",
			"key", s.e.cfg.Key,
			"instanceId", s.e.instanceID,
			"error", err)
	}
}

// buildStatus snapshots this node's status document.
func (e *Elector) buildStatus() storage.NodeStatus {
	e.mu.RLock()
	state := e.state
	isLeader := e.isLeader
	e.mu.RUnlock()

	return storage.NodeStatus{
		ElectionKey: e.cfg.Key,
		OwnerID:     e.instanceID,
		Host:        e.cfg.Host,
		PID:         e.cfg.PID,
		AppVersion:  e.cfg.AppVersion,
		IsLeader:    isLeader,
		Heartbeat:   e.now(),
		State:       state,
	}
}

// NodeStatus returns this node's current status document as it would be
// published.
func (e *Elector) NodeStatus() storage.NodeStatus {
	return e.buildStatus()
}

// ClusterDetail reads the status documents of every node contending for
// this election key.
func (e *Elector) ClusterDetail(ctx context.Context) ([]storage.NodeStatus, error) {
	statuses, err := e.store.ListStatus(ctx, e.cfg.Key)
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// LastClusterDetail returns the snapshot cached by the most recent poll
// cycle, without a store round-trip.
func (e *Elector) LastClusterDetail() []storage.NodeStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]storage.NodeStatus, len(e.lastCluster))
	copy(out, e.lastCluster)
	return out
}

// refreshCluster rebuilds the cached cluster snapshot. Callers hold
// pollMu; the snapshot is published atomically under mu.
func (e *Elector) refreshCluster(ctx context.Context) {
	statuses, err := e.store.ListStatus(ctx, e.cfg.Key)
	if err != nil {
		e.log.Debug("Cluster snapshot refresh failed",
			"key", e.cfg.Key,
			"error", err)
		return
	}
	e.mu.Lock()
	e.lastCluster = statuses
	e.mu.Unlock()
}
