package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"trainhub-realtime/internal/database"
	"trainhub-realtime/internal/domain"
	"trainhub-realtime/pkg/constants"
	"trainhub-realtime/pkg/resilience"
)

// CallHistorySchema creates the archive table. Rows are partitioned by user
// and ordered newest first.
const CallHistorySchema = `
	CREATE TABLE IF NOT EXISTS call_history (
		user_id    text,
		ended_at   timestamp,
		call_id    text,
		peer_id    text,
		peer_name  text,
		direction  text,
		kind       text,
		status     text,
		started_at timestamp,
		PRIMARY KEY ((user_id), ended_at, call_id)
	) WITH CLUSTERING ORDER BY (ended_at DESC, call_id ASC)
`

// CallHistoryRepository archives finished calls in Cassandra
type CallHistoryRepository struct {
	db      *database.CassandraDB
	breaker *resilience.Breaker
}

// NewCallHistoryRepository creates a new CallHistoryRepository
func NewCallHistoryRepository(db *database.CassandraDB) *CallHistoryRepository {
	return &CallHistoryRepository{
		db:      db,
		breaker: resilience.NewBreaker("cassandra", resilience.Options{}),
	}
}

// EnsureSchema creates the archive table if it is missing
func (r *CallHistoryRepository) EnsureSchema(ctx context.Context) error {
	if err := r.db.ExecWithContext(ctx, CallHistorySchema); err != nil {
		return fmt.Errorf("failed to create call_history table: %w", err)
	}
	return nil
}

// Record writes one row per participant in a single logged batch
func (r *CallHistoryRepository) Record(ctx context.Context, call domain.CallSession) error {
	query := `
		INSERT INTO call_history (
			user_id, ended_at, call_id, peer_id, peer_name,
			direction, kind, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		USING TTL ?
	`
	ttl := int(constants.CallHistoryTTL.Seconds())

	entries := domain.HistoryEntries(call)
	err := r.breaker.Execute(ctx, "record_call", func(ctx context.Context) error {
		batch := r.db.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
		for _, e := range entries {
			batch.Query(query,
				e.UserID,
				e.EndedAt,
				e.CallID,
				e.PeerID,
				e.PeerName,
				string(e.Direction),
				string(e.Kind),
				string(e.Status),
				e.StartedAt,
				ttl,
			)
		}
		return r.db.Session.ExecuteBatch(batch)
	})
	if err != nil {
		return fmt.Errorf("failed to record call %s: %w", call.ID, err)
	}
	return nil
}

// ListByUser returns a page of the user's calls, newest first, and the
// page state for the next page (empty when exhausted).
func (r *CallHistoryRepository) ListByUser(ctx context.Context, userID string, limit int, pageState []byte) ([]domain.CallHistoryEntry, []byte, error) {
	query := `
		SELECT user_id, ended_at, call_id, peer_id, peer_name,
		       direction, kind, status, started_at
		FROM call_history
		WHERE user_id = ?
	`
	q, cancel := r.db.QueryWithContext(ctx, query, userID)
	defer cancel()

	iter := q.PageSize(ClampLimit(limit)).PageState(pageState).Iter()

	var entries []domain.CallHistoryEntry
	for {
		var e domain.CallHistoryEntry
		var direction, kind, status string
		if !iter.Scan(
			&e.UserID,
			&e.EndedAt,
			&e.CallID,
			&e.PeerID,
			&e.PeerName,
			&direction,
			&kind,
			&status,
			&e.StartedAt,
		) {
			break
		}
		e.Direction = domain.CallDirection(direction)
		e.Kind = domain.CallKind(kind)
		e.Status = domain.CallStatus(status)
		entries = append(entries, e)
	}

	next := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch call history: %w", err)
	}
	return entries, next, nil
}

// ClampLimit bounds a requested page size to [1, MaxHistoryLimit],
// falling back to DefaultHistoryLimit for non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return constants.DefaultHistoryLimit
	case limit > constants.MaxHistoryLimit:
		return constants.MaxHistoryLimit
	default:
		return limit
	}
}
