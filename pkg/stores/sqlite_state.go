package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keelhq/keel/pkg/engine"
)

// Execution graph operations

// SaveExecutionGraph creates or replaces an execution graph.
func (s *SQLiteStore) SaveExecutionGraph(ctx context.Context, graph *engine.ExecutionGraph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to marshal execution graph %s: %w", graph.ExecutionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_graphs (execution_id, requester, status, start_time, end_time, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, graph.ExecutionID, graph.Requester, string(graph.Status),
		unixMillis(graph.StartTime), unixMillis(graph.EndTime), string(data), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save execution graph %s: %w", graph.ExecutionID, err)
	}
	return nil
}

// GetExecutionGraph loads an execution graph, or nil if it doesn't exist.
func (s *SQLiteStore) GetExecutionGraph(ctx context.Context, executionID string) (*engine.ExecutionGraph, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM execution_graphs WHERE execution_id = ?`, executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution graph %s: %w", executionID, err)
	}

	var graph engine.ExecutionGraph
	if err := json.Unmarshal([]byte(data), &graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution graph %s: %w", executionID, err)
	}
	return &graph, nil
}

// ListIncompleteExecutionIDs returns the ids of graphs that are not terminal,
// oldest first. Graphs leased by another live owner are left out.
func (s *SQLiteStore) ListIncompleteExecutionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id FROM execution_graphs
		WHERE status IN (?, ?) AND `+leaseAvailable+`
		ORDER BY start_time, execution_id`,
		string(engine.StatusNotStarted), string(engine.StatusRunning), s.cfg.Owner, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListExecutions returns execution summaries matching filter, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter engine.ExecutionFilter) ([]engine.ExecutionSummary, error) {
	var where []string
	var args []interface{}

	if filter.Requester != "" {
		where = append(where, "requester = ?")
		args = append(args, filter.Requester)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.StartedAfter.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, filter.StartedAfter.UnixMilli())
	}
	if !filter.StartedBefore.IsZero() {
		where = append(where, "start_time <= ?")
		args = append(args, filter.StartedBefore.UnixMilli())
	}
	if !filter.EndedAfter.IsZero() {
		where = append(where, "end_time >= ?")
		args = append(args, filter.EndedAfter.UnixMilli())
	}

	query := `SELECT execution_id, requester, status, start_time, end_time FROM execution_graphs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, execution_id DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []engine.ExecutionSummary
	for rows.Next() {
		var sum engine.ExecutionSummary
		var status string
		var start, end int64
		if err := rows.Scan(&sum.ExecutionID, &sum.Requester, &status, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		sum.Status = engine.Status(status)
		sum.StartTime = fromUnixMillis(start)
		sum.EndTime = fromUnixMillis(end)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Snapshot operations

// SaveResourceSnapshot records the resource as it was at ts. Saving twice at
// the same millisecond keeps the later copy.
func (s *SQLiteStore) SaveResourceSnapshot(ctx context.Context, r *engine.Resource, ts time.Time) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot of %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO resource_snapshots (resource_id, ts, data) VALUES (?, ?, ?)`,
		r.ID, ts.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("failed to save snapshot of %s: %w", r.ID, err)
	}
	return nil
}

// GetResourceSnapshot returns the latest snapshot of id recorded at or before
// ts, or nil.
func (s *SQLiteStore) GetResourceSnapshot(ctx context.Context, id string, ts time.Time) (*engine.Resource, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM resource_snapshots WHERE resource_id = ? AND ts <= ? ORDER BY ts DESC LIMIT 1`,
		id, ts.UnixMilli()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot of %s: %w", id, err)
	}

	var r engine.Resource
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot of %s: %w", id, err)
	}
	return &r, nil
}

// Queue operations
//
// A taken id is leased to this store's owner through the lease columns of
// execution_graphs. Other owners skip it until the id is re-queued, deleted,
// or the lease expires.

// leaseAvailable matches graphs that are unleased, leased to the owner bound
// to the first placeholder, or whose lease expired before the second.
const leaseAvailable = `(lease_owner IS NULL OR lease_owner = ? OR lease_expires <= ?)`

// Take removes the oldest queued execution id that no other owner holds and
// leases its graph to this store.
func (s *SQLiteStore) Take(ctx context.Context) (string, bool, error) {
	var id string
	var found bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		var seq int64
		err := tx.QueryRowContext(ctx, `
			SELECT q.seq, q.execution_id FROM execution_queue q
			LEFT JOIN execution_graphs g ON g.execution_id = q.execution_id
			WHERE g.execution_id IS NULL OR `+leaseAvailable+`
			ORDER BY q.seq LIMIT 1
		`, s.cfg.Owner, now.UnixMilli()).Scan(&seq, &id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read queue head: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM execution_queue WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("failed to dequeue %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE execution_graphs SET lease_owner = ?, lease_expires = ? WHERE execution_id = ?`,
			s.cfg.Owner, now.Add(s.cfg.LeaseTTL).UnixMilli(), id); err != nil {
			return fmt.Errorf("failed to lease %s: %w", id, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, found, nil
}

// Add appends an execution id to the queue and gives up this store's lease on it.
func (s *SQLiteStore) Add(ctx context.Context, executionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_queue (execution_id, enqueued_at) VALUES (?, ?)`,
			executionID, s.now().UnixMilli()); err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", executionID, err)
		}
		return s.releaseLease(ctx, tx, executionID)
	})
}

// Delete removes every queued copy of an execution id and this store's lease on it.
func (s *SQLiteStore) Delete(ctx context.Context, executionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM execution_queue WHERE execution_id = ?`, executionID); err != nil {
			return fmt.Errorf("failed to remove %s from queue: %w", executionID, err)
		}
		return s.releaseLease(ctx, tx, executionID)
	})
}

func (s *SQLiteStore) releaseLease(ctx context.Context, tx *sql.Tx, executionID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE execution_graphs SET lease_owner = NULL, lease_expires = 0
		WHERE execution_id = ? AND lease_owner = ?
	`, executionID, s.cfg.Owner); err != nil {
		return fmt.Errorf("failed to release lease on %s: %w", executionID, err)
	}
	return nil
}

// Bootstrap seeds the queue with ids that are not queued yet.
func (s *SQLiteStore) Bootstrap(ctx context.Context, executionIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range executionIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO execution_queue (execution_id, enqueued_at)
				SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM execution_queue WHERE execution_id = ?)
			`, id, s.now().UnixMilli(), id)
			if err != nil {
				return fmt.Errorf("failed to bootstrap %s: %w", id, err)
			}
		}
		return nil
	})
}

// IsEmpty reports whether the queue holds no ids.
func (s *SQLiteStore) IsEmpty(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM execution_queue)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check queue: %w", err)
	}
	return !exists, nil
}

// Audit operations

// Audit records a terminal execution graph as an audit entry.
func (s *SQLiteStore) Audit(ctx context.Context, graph *engine.ExecutionGraph) error {
	details := AuditDetails{
		StartTime: graph.StartTime,
		EndTime:   graph.EndTime,
		Resources: make(map[string]string, len(graph.ExecutionPlan)),
	}
	for id, v := range graph.ExecutionPlan {
		status := engine.StatusSucceeded
		if v.Process != nil {
			status = v.Process.EndStatus
		}
		details.Resources[id] = string(status)
	}

	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	return s.CreateAuditEntry(ctx, &AuditEntry{
		Action:    AuditActionExecutionCompleted,
		Actor:     graph.Requester,
		TargetID:  graph.ExecutionID,
		Status:    string(graph.Status),
		Details:   string(data),
		Timestamp: s.now(),
	})
}

// CreateAuditEntry inserts an audit entry and sets its ID.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, status, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Action, entry.Actor, entry.TargetID, entry.Status, entry.Details, entry.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action, actor string, limit, offset int) ([]*AuditEntry, error) {
	query := `SELECT id, action, actor, target_id, status, details, timestamp FROM audit WHERE 1=1`
	var args []interface{}

	if action != "" {
		query += " AND action = ?"
		args = append(args, action)
	}
	if actor != "" {
		query += " AND actor = ?"
		args = append(args, actor)
	}

	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(limit), offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var target, status, details sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &target, &status, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.TargetID = target.String
		e.Status = status.String
		e.Details = details.String
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
