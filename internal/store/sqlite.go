package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/isaacmuchunu/offsync/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Backend on database/sql. The same schema serves SQLite
// and PostgreSQL; only placeholder syntax differs.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Backend = (*SQLStore)(nil)

// OpenSQLite opens or creates a SQLite database file and migrates it.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps WAL readers consistent.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, dialectSQLite)
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver and migrates it.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store requires a dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newSQLStore(ctx, db, dialectPostgres)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) exec(ctx context.Context, e execer, query string, args ...any) error {
	_, err := e.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// queryData runs a query selecting a single JSON data column and decodes each row.
func (s *SQLStore) queryData(ctx context.Context, query string, args []any, decode func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		if err := decode([]byte(data)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) getData(ctx context.Context, query string, id string, out any) error {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(query), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), out)
}

func limitClause(limit int) string {
	if limit > 0 {
		return " LIMIT " + strconv.Itoa(limit)
	}
	return ""
}

// ==================== Operations ====================

const upsertOperation = `INSERT INTO operations (id, seq, priority, status, created_at, data)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET seq = excluded.seq, priority = excluded.priority,
		status = excluded.status, created_at = excluded.created_at, data = excluded.data`

func (s *SQLStore) putOperation(ctx context.Context, e execer, op *models.SyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	return s.exec(ctx, e, upsertOperation,
		op.ID, int64(op.Seq), int(op.Priority), string(op.Status), op.CreatedAt.UnixNano(), string(data))
}

// ListOperations returns operations in drain order, optionally filtered by status.
func (s *SQLStore) ListOperations(ctx context.Context, statuses ...models.OperationStatus) ([]*models.SyncOperation, error) {
	query := "SELECT data FROM operations"
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY priority DESC, created_at ASC, seq ASC"

	var ops []*models.SyncOperation
	err := s.queryData(ctx, query, args, func(data []byte) error {
		var op models.SyncOperation
		if err := json.Unmarshal(data, &op); err != nil {
			return fmt.Errorf("unmarshal operation: %w", err)
		}
		ops = append(ops, &op)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// SaveOperation inserts or replaces an operation.
func (s *SQLStore) SaveOperation(ctx context.Context, op *models.SyncOperation) error {
	return s.putOperation(ctx, s.db, op)
}

// DeleteOperation removes an operation. Deleting a missing id is not an error.
func (s *SQLStore) DeleteOperation(ctx context.Context, id string) error {
	return s.exec(ctx, s.db, "DELETE FROM operations WHERE id = ?", id)
}

// ReplaceOperations saves and removes operations atomically.
func (s *SQLStore) ReplaceOperations(ctx context.Context, save []*models.SyncOperation, remove []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range remove {
			if err := s.exec(ctx, tx, "DELETE FROM operations WHERE id = ?", id); err != nil {
				return err
			}
		}
		for _, op := range save {
			if err := s.putOperation(ctx, tx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

// ==================== Dead letters ====================

// DeadLetter moves an operation out of the active queue in one transaction.
func (s *SQLStore) DeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, "DELETE FROM operations WHERE id = ?", dl.Operation.ID); err != nil {
			return err
		}
		return s.exec(ctx, tx, `INSERT INTO dead_letters (operation_id, dead_lettered_at, data) VALUES (?, ?, ?)
			ON CONFLICT (operation_id) DO UPDATE SET dead_lettered_at = excluded.dead_lettered_at, data = excluded.data`,
			dl.Operation.ID, dl.DeadLetteredAt.UnixNano(), string(data))
	})
}

// ListDeadLetters returns dead letters, oldest first.
func (s *SQLStore) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	var out []*models.DeadLetter
	err := s.queryData(ctx, "SELECT data FROM dead_letters ORDER BY dead_lettered_at ASC, operation_id ASC", nil,
		func(data []byte) error {
			var dl models.DeadLetter
			if err := json.Unmarshal(data, &dl); err != nil {
				return fmt.Errorf("unmarshal dead letter: %w", err)
			}
			out = append(out, &dl)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// GetDeadLetter returns the dead letter for an operation id.
func (s *SQLStore) GetDeadLetter(ctx context.Context, operationID string) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	if err := s.getData(ctx, "SELECT data FROM dead_letters WHERE operation_id = ?", operationID, &dl); err != nil {
		return nil, fmt.Errorf("dead letter %s: %w", operationID, err)
	}
	return &dl, nil
}

// DeleteDeadLetter removes a dead letter.
func (s *SQLStore) DeleteDeadLetter(ctx context.Context, operationID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM dead_letters WHERE operation_id = ?"), operationID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("dead letter %s: %w", operationID, ErrNotFound)
	}
	return nil
}

// RequeueDeadLetter removes a dead letter and saves op in one transaction.
func (s *SQLStore) RequeueDeadLetter(ctx context.Context, operationID string, op *models.SyncOperation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM dead_letters WHERE operation_id = ?"), operationID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("dead letter %s: %w", operationID, ErrNotFound)
		}
		return s.putOperation(ctx, tx, op)
	})
}

// ==================== History ====================

// AppendHistory records a finished sync pass.
func (s *SQLStore) AppendHistory(ctx context.Context, entry *models.SyncHistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	return s.exec(ctx, s.db, "INSERT INTO history (id, started_at, data) VALUES (?, ?, ?)",
		entry.ID, entry.StartedAt.UnixNano(), string(data))
}

// ListHistory returns sync passes, newest first.
func (s *SQLStore) ListHistory(ctx context.Context, limit int) ([]*models.SyncHistoryEntry, error) {
	var out []*models.SyncHistoryEntry
	err := s.queryData(ctx, "SELECT data FROM history ORDER BY started_at DESC, id DESC"+limitClause(limit), nil,
		func(data []byte) error {
			var e models.SyncHistoryEntry
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("unmarshal history entry: %w", err)
			}
			out = append(out, &e)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// ==================== Resolutions ====================

// SaveResolution inserts or replaces the resolution for a conflict.
func (s *SQLStore) SaveResolution(ctx context.Context, r *models.ConflictResolution) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	return s.exec(ctx, s.db, `INSERT INTO resolutions (conflict_id, resolved_at, data) VALUES (?, ?, ?)
		ON CONFLICT (conflict_id) DO UPDATE SET resolved_at = excluded.resolved_at, data = excluded.data`,
		r.ConflictID, r.ResolvedAt.UnixNano(), string(data))
}

// ListResolutions returns resolutions, newest first.
func (s *SQLStore) ListResolutions(ctx context.Context, limit int) ([]*models.ConflictResolution, error) {
	var out []*models.ConflictResolution
	err := s.queryData(ctx, "SELECT data FROM resolutions ORDER BY resolved_at DESC, conflict_id DESC"+limitClause(limit), nil,
		func(data []byte) error {
			var r models.ConflictResolution
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal resolution: %w", err)
			}
			out = append(out, &r)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	return out, nil
}

// ==================== Manual conflicts ====================

// SaveConflict persists a conflict awaiting manual resolution.
func (s *SQLStore) SaveConflict(ctx context.Context, c *models.SyncConflict) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conflict: %w", err)
	}
	return s.exec(ctx, s.db, `INSERT INTO manual_conflicts (id, detected_at, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET detected_at = excluded.detected_at, data = excluded.data`,
		c.ID, c.DetectedAt.UnixNano(), string(data))
}

// ListConflicts returns pending conflicts in detection order.
func (s *SQLStore) ListConflicts(ctx context.Context) ([]*models.SyncConflict, error) {
	var out []*models.SyncConflict
	err := s.queryData(ctx, "SELECT data FROM manual_conflicts ORDER BY detected_at ASC, id ASC", nil,
		func(data []byte) error {
			var c models.SyncConflict
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("unmarshal conflict: %w", err)
			}
			out = append(out, &c)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return out, nil
}

// GetConflict returns a pending conflict by id.
func (s *SQLStore) GetConflict(ctx context.Context, id string) (*models.SyncConflict, error) {
	var c models.SyncConflict
	if err := s.getData(ctx, "SELECT data FROM manual_conflicts WHERE id = ?", id, &c); err != nil {
		return nil, fmt.Errorf("conflict %s: %w", id, err)
	}
	return &c, nil
}

// DeleteConflict removes a pending conflict. Deleting a missing id is not an error.
func (s *SQLStore) DeleteConflict(ctx context.Context, id string) error {
	return s.exec(ctx, s.db, "DELETE FROM manual_conflicts WHERE id = ?", id)
}
