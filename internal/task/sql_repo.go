package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"daybook/internal/bucket"
	"daybook/internal/model"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		section TEXT NOT NULL,
		scope TEXT NOT NULL,
		bucket_key TEXT,
		priority_rank INTEGER NOT NULL,
		priority TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		estimate_min INTEGER,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_group_idx ON tasks (owner_id, scope, bucket_key, section, priority_rank)`,
}

const taskColumns = `id, owner_id, title, description, section, scope, bucket_key, priority_rank, priority, completed, tags, estimate_min, version, created_at, updated_at`

// SQLStore keeps tasks in SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects with the named driver ("sqlite" or "postgres") and migrates.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d := Dialect(driver)
	if d != DialectSQLite && d != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == DialectSQLite {
		// One connection serializes writers and keeps :memory: databases whole.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, d)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing handle without migrating it.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Atomic(ctx context.Context, ownerID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqlTx{tx: tx, dialect: s.dialect, ownerID: ownerID}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
	ownerID string
}

// rebind rewrites ? placeholders to $1..$n for Postgres.
func rebind(d Dialect, q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (x *sqlTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return x.tx.ExecContext(ctx, rebind(x.dialect, q), args...)
}

func (x *sqlTx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return x.tx.QueryContext(ctx, rebind(x.dialect, q), args...)
}

func (x *sqlTx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return x.tx.QueryRowContext(ctx, rebind(x.dialect, q), args...)
}

// advisoryKey maps a group key onto the bigint space of pg advisory locks.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func (x *sqlTx) Lock(ctx context.Context, keys ...string) error {
	if x.dialect != DialectPostgres {
		return nil
	}
	keys = slices.Clone(keys)
	slices.Sort(keys)
	for _, k := range slices.Compact(keys) {
		if _, err := x.exec(ctx, `SELECT pg_advisory_xact_lock(?)`, advisoryKey(k)); err != nil {
			return fmt.Errorf("advisory lock %s: %w", k, err)
		}
	}
	return nil
}

func whereFilter(f bucket.Filter) (string, []any) {
	conds := []string{"owner_id = ?"}
	args := []any{f.OwnerID}
	if f.Scope != nil {
		conds = append(conds, "scope = ?")
		args = append(args, string(*f.Scope))
	}
	if f.NoKey {
		conds = append(conds, "bucket_key IS NULL")
	}
	if f.Key != nil {
		conds = append(conds, "bucket_key = ?")
		args = append(args, f.Key.String())
	}
	if f.Section != nil {
		conds = append(conds, "section = ?")
		args = append(args, string(*f.Section))
	}
	if f.Completed != nil {
		conds = append(conds, "completed = ?")
		args = append(args, boolInt(*f.Completed))
	}
	return strings.Join(conds, " AND "), args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (model.Task, error) {
	var (
		t         model.Task
		section   string
		scope     string
		bucketKey sql.NullString
		priority  string
		completed int
		tags      string
		estimate  sql.NullInt64
		created   string
		updated   string
	)
	if err := sc.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &section, &scope, &bucketKey,
		&t.Rank, &priority, &completed, &tags, &estimate, &t.Version, &created, &updated); err != nil {
		return model.Task{}, err
	}
	t.Section = model.Section(section)
	t.Priority = model.Priority(priority)
	t.Completed = completed != 0
	var key model.Day
	if bucketKey.Valid {
		var err error
		if key, err = model.ParseDay(bucketKey.String); err != nil {
			return model.Task{}, fmt.Errorf("task %s bucket_key: %w", t.ID, err)
		}
	}
	t.SetBucket(model.Scope(scope), key)
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return model.Task{}, fmt.Errorf("task %s tags: %w", t.ID, err)
	}
	if estimate.Valid {
		v := int(estimate.Int64)
		t.EstimateMin = &v
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return model.Task{}, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return model.Task{}, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	t.Normalize()
	return t, nil
}

// taskArgs returns the column values of t in taskColumns order.
func taskArgs(t model.Task) ([]any, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	var key any
	if k, ok := t.BucketKey(); ok {
		key = k.String()
	}
	var estimate any
	if t.EstimateMin != nil {
		estimate = *t.EstimateMin
	}
	return []any{
		t.ID, t.OwnerID, t.Title, t.Description, string(t.Section), string(t.Scope), key,
		t.Rank, string(t.Priority), boolInt(t.Completed), string(tagsJSON), estimate, t.Version,
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (x *sqlTx) Get(ctx context.Context, id model.TaskID) (model.Task, error) {
	row := x.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND id = ?`, x.ownerID, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	return t, err
}

func (x *sqlTx) List(ctx context.Context, f bucket.Filter) ([]model.Task, error) {
	where, args := whereFilter(f)
	rows, err := x.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTasks(out)
	return out, nil
}

func (x *sqlTx) CountActive(ctx context.Context, g bucket.Group, excludeID string) (int, error) {
	where, args := whereFilter(g.Filter())
	var n int
	err := x.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where+` AND completed = 0 AND id <> ?`,
		append(args, excludeID)...).Scan(&n)
	return n, err
}

func (x *sqlTx) MaxRank(ctx context.Context, g bucket.Group) (int, bool, error) {
	where, args := whereFilter(g.Filter())
	var max sql.NullInt64
	if err := x.queryRow(ctx, `SELECT MAX(priority_rank) FROM tasks WHERE `+where, args...).Scan(&max); err != nil {
		return 0, false, err
	}
	return int(max.Int64), max.Valid, nil
}

func (x *sqlTx) ShiftRanks(ctx context.Context, g bucket.Group, from int, excludeID string) (int, error) {
	where, args := whereFilter(g.Filter())
	args = append(args, from, excludeID)
	res, err := x.exec(ctx, `UPDATE tasks SET priority_rank = priority_rank + 1 WHERE `+where+` AND priority_rank >= ? AND id <> ?`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (x *sqlTx) Insert(ctx context.Context, t model.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return err
}

func (x *sqlTx) Replace(ctx context.Context, t model.Task, expectedVersion int) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	// args[2:] skips id and owner_id, which never change.
	set := append(args[2:], x.ownerID, t.ID, expectedVersion)
	res, err := x.exec(ctx, `UPDATE tasks SET title = ?, description = ?, section = ?, scope = ?, bucket_key = ?,
		priority_rank = ?, priority = ?, completed = ?, tags = ?, estimate_min = ?, version = ?, created_at = ?, updated_at = ?
		WHERE owner_id = ? AND id = ? AND version = ?`, set...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var v int
	err = x.queryRow(ctx, `SELECT version FROM tasks WHERE owner_id = ? AND id = ?`, x.ownerID, t.ID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return errStaleWrite
}

func (x *sqlTx) Delete(ctx context.Context, id model.TaskID) error {
	res, err := x.exec(ctx, `DELETE FROM tasks WHERE owner_id = ? AND id = ?`, x.ownerID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (x *sqlTx) DeleteCompleted(ctx context.Context) (int, error) {
	res, err := x.exec(ctx, `DELETE FROM tasks WHERE owner_id = ? AND completed = 1`, x.ownerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (x *sqlTx) Advance(ctx context.Context, scope model.Scope, to model.Day, now time.Time) (int, error) {
	// YYYY-MM-DD keys compare chronologically as strings.
	res, err := x.exec(ctx, `UPDATE tasks SET bucket_key = ?, version = version + 1, updated_at = ?
		WHERE owner_id = ? AND scope = ? AND completed = 0 AND bucket_key IS NOT NULL AND bucket_key < ?`,
		to.String(), now.UTC().Format(time.RFC3339Nano), x.ownerID, string(scope), to.String())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
