package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/kimhsiao/ledgersync/internal/db"
	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/multistep"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/sync/state"
)

const queueColumns = `operation_id, operation_type, target_collection, document_id, payload,
	payload_hash, status, retry_count, last_error, priority, owner_id,
	parent_operation_id, step_number, total_steps, created_at, updated_at,
	last_attempt_at, next_attempt_at`

// eligibleWhere selects due items in a dispatchable status whose earlier
// steps have all synced. Bind its arguments with eligibleArgs.
var eligibleWhere = `q.status IN (` + placeholders(len(state.DispatchableStatuses())) + `)
	AND q.next_attempt_at <= ?
	AND NOT EXISTS (
		SELECT 1 FROM sync_queue p
		WHERE p.parent_operation_id = q.parent_operation_id
		  AND p.step_number < q.step_number
		  AND p.status != 'synced'
	)`

func eligibleArgs(now time.Time) []interface{} {
	statuses := state.DispatchableStatuses()
	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return append(args, now.UnixNano())
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// SQLite is the durable Store backed by modernc.org/sqlite.
type SQLite struct {
	db *db.DB
}

// NewSQLite wraps an open, migrated database.
func NewSQLite(database *db.DB) *SQLite {
	return &SQLite{db: database}
}

// OpenSQLite opens path, applies migrations and returns the store.
func OpenSQLite(path string) (*SQLite, error) {
	database, err := db.OpenAndMigrate(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to open queue database", err)
	}
	return NewSQLite(database), nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Insert implements Store.
func (s *SQLite) Insert(ctx context.Context, item *queue.Item) (bool, error) {
	row, err := item.ToModel()
	if err != nil {
		return false, errors.Wrap(errors.ErrValidation, "failed to encode item", err)
	}

	query := `INSERT INTO sync_queue (` + queueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		row.OperationID, row.OperationType, row.TargetCollection, row.DocumentID, string(row.Payload),
		row.PayloadHash, row.Status, row.RetryCount, row.LastError, row.Priority, row.OwnerID,
		row.ParentOperationID, row.StepNumber, row.TotalSteps, row.CreatedAt, row.UpdatedAt,
		row.LastAttemptAt, row.NextAttemptAt,
	)
	if err != nil {
		logging.Error("Queue insert failed", err, map[string]interface{}{"operation_id": item.OperationID})
		return false, errors.Wrap(errors.ErrDatabase, "failed to insert item", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to read insert result", err)
	}
	return n == 1, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, operationID string) (*queue.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE operation_id = ?`, operationID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "item %s not found", operationID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get item", err)
	}
	return item, nil
}

// CompareAndSwap implements Store.
func (s *SQLite) CompareAndSwap(ctx context.Context, item *queue.Item, expected queue.Status) error {
	row, err := item.ToModel()
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "failed to encode item", err)
	}

	query := `UPDATE sync_queue SET
		operation_type = ?, payload = ?, payload_hash = ?, status = ?, retry_count = ?,
		last_error = ?, priority = ?, updated_at = ?, last_attempt_at = ?, next_attempt_at = ?
		WHERE operation_id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query,
		row.OperationType, string(row.Payload), row.PayloadHash, row.Status, row.RetryCount,
		row.LastError, row.Priority, row.UpdatedAt, row.LastAttemptAt, row.NextAttemptAt,
		row.OperationID, string(expected),
	)
	if err != nil {
		logging.Error("Queue update failed", err, map[string]interface{}{"operation_id": item.OperationID})
		return errors.Wrap(errors.ErrDatabase, "failed to update item", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to read update result", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sync_queue WHERE operation_id = ?`, item.OperationID).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.Newf(errors.ErrNotFound, "item %s not found", item.OperationID)
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to read item status", err)
	}
	return errors.Newf(errors.ErrStaleState, "item %s is %s, expected %s", item.OperationID, current, expected)
}

// ListEligible implements Store.
func (s *SQLite) ListEligible(ctx context.Context, ownerID string, now time.Time, limit int) ([]*queue.Item, error) {
	query := `SELECT ` + prefixed("q", queueColumns) + ` FROM sync_queue q WHERE ` + eligibleWhere
	args := eligibleArgs(now)
	if ownerID != "" {
		query += ` AND q.owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY q.priority ASC, q.created_at ASC, q.operation_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryItems(ctx, query, args...)
}

// EligibleOwners implements Store.
func (s *SQLite) EligibleOwners(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT q.owner_id FROM sync_queue q WHERE `+eligibleWhere+` ORDER BY q.owner_id`,
		eligibleArgs(now)...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list owners", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan owner", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// ListByStatus implements Store.
func (s *SQLite) ListByStatus(ctx context.Context, status queue.Status, ownerID string) ([]*queue.Item, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE status = ?`
	args := []interface{}{string(status)}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY priority ASC, created_at ASC, operation_id ASC`
	return s.queryItems(ctx, query, args...)
}

// ListStale implements Store.
func (s *SQLite) ListStale(ctx context.Context, before time.Time) ([]*queue.Item, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
		WHERE status = 'in_progress' AND COALESCE(last_attempt_at, updated_at) < ?
		ORDER BY created_at ASC`
	return s.queryItems(ctx, query, before.UnixNano())
}

// Counts implements Store.
func (s *SQLite) Counts(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to count items", err)
	}
	defer rows.Close()

	counts := make(map[queue.Status]int, len(queue.Statuses))
	for _, st := range queue.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan count", err)
		}
		counts[queue.Status(status)] = n
	}
	return counts, rows.Err()
}

// PurgeSynced implements Store.
func (s *SQLite) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = 'synced' AND updated_at < ?`, before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to purge synced items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read purge result", err)
	}
	return int(n), nil
}

// RecordConflict implements Store.
func (s *SQLite) RecordConflict(ctx context.Context, c *models.ConflictLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO conflict_log (id, operation_id, owner_id, target_collection,
		document_id, local_version, remote_version, local_device_id, remote_device_id, resolution, detail, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OperationID, c.OwnerID, c.Collection, c.DocumentID, c.LocalVersion, c.RemoteVersion,
		c.LocalDeviceID, c.RemoteDeviceID, c.Resolution, c.Detail, c.DetectedAt,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to record conflict", err)
	}
	return nil
}

// ListConflicts implements Store.
func (s *SQLite) ListConflicts(ctx context.Context, ownerID string, limit int) ([]*models.ConflictLog, error) {
	query := `SELECT id, operation_id, owner_id, target_collection, document_id, local_version, remote_version,
		local_device_id, remote_device_id, resolution, detail, detected_at FROM conflict_log`
	var args []interface{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY detected_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		c := &models.ConflictLog{}
		if err := rows.Scan(&c.ID, &c.OperationID, &c.OwnerID, &c.Collection, &c.DocumentID,
			&c.LocalVersion, &c.RemoteVersion, &c.LocalDeviceID, &c.RemoteDeviceID,
			&c.Resolution, &c.Detail, &c.DetectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan conflict", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveOperation implements multistep.Repository.
func (s *SQLite) SaveOperation(ctx context.Context, op *multistep.Operation) error {
	row, err := op.ToModel()
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "failed to encode operation", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO multi_step_operations
		(id, owner_id, name, base_priority, steps, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			steps = excluded.steps,
			completed = excluded.completed,
			updated_at = excluded.updated_at`,
		row.ID, row.OwnerID, row.Name, row.BasePriority, string(row.Steps), row.Completed, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to save operation", err)
	}
	return nil
}

// LoadOperation implements multistep.Repository.
func (s *SQLite) LoadOperation(ctx context.Context, id string) (*multistep.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner_id, name, base_priority, steps, completed, created_at, updated_at
		FROM multi_step_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "operation %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load operation", err)
	}
	return op, nil
}

// ListIncompleteOperations implements multistep.Repository.
func (s *SQLite) ListIncompleteOperations(ctx context.Context, ownerID string) ([]*multistep.Operation, error) {
	query := `SELECT id, owner_id, name, base_priority, steps, completed, created_at, updated_at
		FROM multi_step_operations WHERE completed = 0`
	var args []interface{}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list operations", err)
	}
	defer rows.Close()

	var out []*multistep.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan operation", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(sc scanner) (*queue.Item, error) {
	var row models.SyncQueue
	var payload string
	if err := sc.Scan(
		&row.OperationID, &row.OperationType, &row.TargetCollection, &row.DocumentID, &payload,
		&row.PayloadHash, &row.Status, &row.RetryCount, &row.LastError, &row.Priority, &row.OwnerID,
		&row.ParentOperationID, &row.StepNumber, &row.TotalSteps, &row.CreatedAt, &row.UpdatedAt,
		&row.LastAttemptAt, &row.NextAttemptAt,
	); err != nil {
		return nil, err
	}
	row.Payload = json.RawMessage(payload)
	return queue.FromModel(&row)
}

func scanOperation(sc scanner) (*multistep.Operation, error) {
	var row models.MultiStepOperation
	var steps string
	if err := sc.Scan(&row.ID, &row.OwnerID, &row.Name, &row.BasePriority, &steps,
		&row.Completed, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return nil, err
	}
	row.Steps = json.RawMessage(steps)
	return multistep.FromModel(&row)
}

func (s *SQLite) queryItems(ctx context.Context, query string, args ...interface{}) ([]*queue.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query items", err)
	}
	defer rows.Close()

	var items []*queue.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan item", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = alias + "." + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
