package marketplace

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Replica is one marketplace process sharing the database in distributed
// mode. Replicas announce themselves in the replicas table and keep their
// row fresh; the leader evicts rows that stop moving.
type Replica struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewReplica describes the current process. The id combines the host name
// with a random suffix so two processes on one host never collide.
func NewReplica(version string) *Replica {
	hostname, _ := os.Hostname()
	return &Replica{
		ID:       fmt.Sprintf("%s-%s", hostname, defaultID()[:8]),
		Hostname: hostname,
		Version:  version,
	}
}

// ReplicaStore is the membership registry of distributed mode.
type ReplicaStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewReplicaStore creates a registry over db.
func NewReplicaStore(db *sql.DB) *ReplicaStore {
	return &ReplicaStore{db: db, now: time.Now}
}

// Join adds r to the registry. Joining again under the same id refreshes
// the row and keeps any leader lease it holds.
func (rs *ReplicaStore) Join(ctx context.Context, r *Replica) error {
	now := timestamp(rs.now())
	if _, err := rs.db.ExecContext(ctx, `
		INSERT INTO replicas (id, hostname, version, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET last_heartbeat = EXCLUDED.last_heartbeat,
			version = EXCLUDED.version
	`, r.ID, r.Hostname, r.Version, now); err != nil {
		return persistenceError("replicas.join", fmt.Errorf("failed to join as %s: %w", r.ID, err))
	}

	r.StartedAt, r.LastSeen = now, now
	slog.Info("replica joined", "replica_id", r.ID, "hostname", r.Hostname, "version", r.Version)
	return nil
}

// Touch marks replicaID as alive. It fails with ErrNotFound once the leader
// has evicted the replica; the caller is expected to Join again.
func (rs *ReplicaStore) Touch(ctx context.Context, replicaID string) error {
	const op = "replicas.touch"
	result, err := rs.db.ExecContext(ctx, `
		UPDATE replicas SET last_heartbeat = $1 WHERE id = $2
	`, timestamp(rs.now()), replicaID)
	if err != nil {
		return persistenceError(op, fmt.Errorf("heartbeat failed: %w", err))
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return newError(op, ErrNotFound, "replica %s", replicaID)
	}
	slog.Debug("replica heartbeat", "replica_id", replicaID)
	return nil
}

// Leave removes replicaID from the registry.
func (rs *ReplicaStore) Leave(ctx context.Context, replicaID string) error {
	if _, err := rs.db.ExecContext(ctx, `DELETE FROM replicas WHERE id = $1`, replicaID); err != nil {
		return persistenceError("replicas.leave", fmt.Errorf("failed to leave as %s: %w", replicaID, err))
	}

	slog.Info("replica left", "replica_id", replicaID)
	return nil
}

// Live lists the replicas seen within timeout, oldest first.
func (rs *ReplicaStore) Live(ctx context.Context, timeout time.Duration) ([]Replica, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT id, hostname, version, started_at, last_heartbeat
		FROM replicas
		WHERE last_heartbeat > $1
		ORDER BY started_at ASC, id ASC
	`, rs.cutoff(timeout))
	if err != nil {
		return nil, persistenceError("replicas.live", fmt.Errorf("failed to list replicas: %w", err))
	}
	defer rows.Close()

	live := []Replica{}
	for rows.Next() {
		var r Replica
		if err := rows.Scan(&r.ID, &r.Hostname, &r.Version, &r.StartedAt, &r.LastSeen); err != nil {
			return nil, persistenceError("replicas.live", fmt.Errorf("failed to scan replica: %w", err))
		}
		live = append(live, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("replicas.live", err)
	}
	return live, nil
}

// Evict deletes replicas not seen within timeout. keepID, the caller, is
// never evicted even if its own row is stale.
func (rs *ReplicaStore) Evict(ctx context.Context, timeout time.Duration, keepID string) (int, error) {
	result, err := rs.db.ExecContext(ctx, `
		DELETE FROM replicas WHERE last_heartbeat < $1 AND id != $2
	`, rs.cutoff(timeout), keepID)
	if err != nil {
		return 0, persistenceError("replicas.evict", fmt.Errorf("failed to evict replicas: %w", err))
	}

	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Warn("evicted silent replicas", "count", n, "timeout", timeout)
	}
	return int(n), nil
}

func (rs *ReplicaStore) cutoff(timeout time.Duration) time.Time {
	return timestamp(rs.now().Add(-timeout))
}
