package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Supervisor runs the background duties of a marketplace process: the
// periodic conservation audit and, in distributed mode, replica heartbeats
// and leader election. Only the leader audits and cleans up dead replicas.
type Supervisor struct {
	config   *Config
	metrics  *Metrics
	replica  *Replica
	replicas *ReplicaStore
	lease    *LeaderLease
	auditor  *Auditor

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSupervisor creates a supervisor for replica over db.
func NewSupervisor(db *sql.DB, config *Config, replica *Replica, metrics *Metrics) *Supervisor {
	if config == nil {
		config = DefaultConfig()
	}

	return &Supervisor{
		config:   config,
		metrics:  metrics,
		replica:  replica,
		replicas: NewReplicaStore(db),
		lease:    NewLeaderLease(db, replica.ID, config.LeaderTerm),
		auditor:  NewAuditor(db, metrics),
	}
}

// Auditor returns the conservation auditor.
func (s *Supervisor) Auditor() *Auditor { return s.auditor }

// Replicas returns the replica registry.
func (s *Supervisor) Replicas() *ReplicaStore { return s.replicas }

// Start registers the replica (distributed mode) and launches the
// background loops. It returns once they are running.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.config.Distributed {
		if err := s.replicas.Join(ctx, s.replica); err != nil {
			s.cancel()
			return fmt.Errorf("failed to register replica: %w", err)
		}

		s.spawn(func() { s.heartbeatLoop(ctx) })
		s.spawn(func() { s.leaderDutiesLoop(ctx) })
	} else {
		s.spawn(func() { s.auditLoop(ctx) })
	}

	slog.Info("supervisor started",
		"replica_id", s.replica.ID,
		"distributed", s.config.Distributed,
		"audit_interval", s.config.AuditInterval)

	return nil
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// heartbeatLoop keeps the replica row fresh. A replica the leader evicted,
// e.g. after a long pause, joins again.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.replicas.Touch(ctx, s.replica.ID)
			if errors.Is(err, ErrNotFound) {
				slog.Warn("replica was evicted, joining again", "replica_id", s.replica.ID)
				err = s.replicas.Join(ctx, s.replica)
			}
			if err != nil {
				slog.Error("heartbeat failed", "replica_id", s.replica.ID, "error", err)
			}
		}
	}
}

// auditLoop audits on every tick (single-instance mode)
func (s *Supervisor) auditLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.auditor.Audit(ctx); err != nil {
				slog.Error("conservation audit failed", "error", err)
			}
		}
	}
}

// leaderDutiesLoop renews the leader lease every half term and, while the
// lease is held, runs the leader duties on the audit interval.
func (s *Supervisor) leaderDutiesLoop(ctx context.Context) {
	renew := time.NewTicker(s.config.LeaderTerm / 2)
	audit := time.NewTicker(s.config.AuditInterval)
	defer renew.Stop()
	defer audit.Stop()

	var leaseUntil time.Time
	for {
		select {
		case <-ctx.Done():
			if !leaseUntil.IsZero() {
				s.lease.Release(context.Background())
			}
			s.metrics.setLeader(s.replica.ID, false)
			return

		case <-renew.C:
			until, err := s.lease.Acquire(ctx)
			if err != nil {
				slog.Error("leader lease renewal failed", "replica_id", s.replica.ID, "error", err)
				until = time.Time{}
			}
			if until.IsZero() != leaseUntil.IsZero() {
				slog.Info("leadership changed", "replica_id", s.replica.ID, "leader", !until.IsZero())
			}
			leaseUntil = until
			s.metrics.setLeader(s.replica.ID, !leaseUntil.IsZero())

		case <-audit.C:
			// A lease that lapsed between renewals must not run duties.
			if leaseUntil.IsZero() || !time.Now().Before(leaseUntil) {
				continue
			}
			s.leaderDuties(ctx)
		}
	}
}

func (s *Supervisor) leaderDuties(ctx context.Context) {
	slog.Debug("leader performing duties", "replica_id", s.replica.ID)

	if _, err := s.replicas.Evict(ctx, s.config.ReplicaTimeout, s.replica.ID); err != nil {
		slog.Error("replica eviction failed", "error", err)
	}

	if live, err := s.replicas.Live(ctx, s.config.ReplicaTimeout); err == nil {
		s.metrics.setReplicas(len(live))
	}

	if _, err := s.auditor.Audit(ctx); err != nil {
		slog.Error("conservation audit failed", "error", err)
	}
}

// Shutdown stops the loops and, in distributed mode, gives up leadership
// and deregisters the replica.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	slog.Info("initiating graceful shutdown", "replica_id", s.replica.ID)

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}

	if s.config.Distributed {
		if err := s.lease.Release(context.Background()); err != nil {
			slog.Error("failed to release leader lease", "error", err)
		}
		if err := s.replicas.Leave(context.Background(), s.replica.ID); err != nil {
			slog.Error("failed to leave replica registry", "error", err)
		}
	}

	slog.Info("supervisor stopped", "replica_id", s.replica.ID)
	return nil
}
