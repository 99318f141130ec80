package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/seantiz/pipetrigger/internal/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	driver    string
	timestamp string
	serial    string
	dollar    bool
}

var (
	sqliteDialect   = dialect{driver: "sqlite", timestamp: "DATETIME", serial: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	postgresDialect = dialect{driver: "pgx", timestamp: "TIMESTAMPTZ", serial: "BIGSERIAL PRIMARY KEY", dollar: true}
)

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS invocations (
    id          TEXT PRIMARY KEY,
    event_id    TEXT NOT NULL,
    source      TEXT NOT NULL,
    profile     TEXT NOT NULL,
    container   TEXT NOT NULL,
    blob_name   TEXT NOT NULL,
    status      TEXT NOT NULL,
    phase       TEXT NOT NULL,
    compute     TEXT NOT NULL DEFAULT '',
    experiment  TEXT NOT NULL DEFAULT '',
    run_id      TEXT NOT NULL DEFAULT '',
    run_status  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  ` + d.timestamp + ` NOT NULL,
    started_at  ` + d.timestamp + `,
    finished_at ` + d.timestamp + `
)`,
		`CREATE INDEX IF NOT EXISTS invocations_event ON invocations (source, event_id)`,
		`CREATE TABLE IF NOT EXISTS invocation_events (
    id            ` + d.serial + `,
    invocation_id TEXT NOT NULL,
    seq           INTEGER NOT NULL,
    line          TEXT NOT NULL,
    created_at    ` + d.timestamp + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS invocation_events_invocation ON invocation_events (invocation_id, seq)`,
	}
}

// rebind rewrites ? placeholders to $n for dialects that need it.
func (d dialect) rebind(query string) string {
	if !d.dollar {
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

// Compile-time interface satisfaction check.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open opens the ledger for driver ("sqlite" or "postgres") and runs
// migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open(sqliteDialect.driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLStore{db: db, dialect: sqliteDialect}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore connects to PostgreSQL through the pgx stdlib driver and
// runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: postgresDialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

const invocationColumns = `id, event_id, source, profile, container, blob_name, status, phase,
	compute, experiment, run_id, run_status, error, duration_ms, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row scanner) (*model.Invocation, error) {
	inv := &model.Invocation{}
	err := row.Scan(
		&inv.ID, &inv.EventID, &inv.Source, &inv.Profile, &inv.Container, &inv.BlobName,
		&inv.Status, &inv.Phase, &inv.Compute, &inv.Experiment, &inv.RunID, &inv.RunStatus,
		&inv.Error, &inv.DurationMS, &inv.CreatedAt, &inv.StartedAt, &inv.FinishedAt,
	)
	return inv, err
}

// CreateInvocation inserts a new invocation record.
func (s *SQLStore) CreateInvocation(ctx context.Context, inv *model.Invocation) error {
	_, err := s.exec(ctx,
		`INSERT INTO invocations (`+invocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.EventID, inv.Source, inv.Profile, inv.Container, inv.BlobName,
		inv.Status, inv.Phase, inv.Compute, inv.Experiment, inv.RunID, inv.RunStatus,
		inv.Error, inv.DurationMS, inv.CreatedAt, inv.StartedAt, inv.FinishedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// GetInvocation retrieves an invocation by ID.
func (s *SQLStore) GetInvocation(ctx context.Context, id string) (*model.Invocation, error) {
	inv, err := scanInvocation(s.queryRow(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

// FindByEvent implements Store.
func (s *SQLStore) FindByEvent(ctx context.Context, source, eventID string) (*model.Invocation, error) {
	inv, err := scanInvocation(s.queryRow(ctx,
		`SELECT `+invocationColumns+` FROM invocations
		WHERE source = ? AND event_id = ? AND status <> ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		source, eventID, model.StatusSkipped))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find invocation by event: %w", err)
	}
	return inv, nil
}

// ListInvocations returns a page of invocations ordered by created_at DESC,
// along with the total count matching the filter.
func (s *SQLStore) ListInvocations(ctx context.Context, f ListFilter) ([]*model.Invocation, int, error) {
	var where []string
	var args []any
	if f.Profile != "" {
		where = append(where, "profile = ?")
		args = append(args, f.Profile)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, s.dialect.rebind("SELECT COUNT(*) FROM invocations"+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invocations: %w", err)
	}

	rows, err := tx.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+invocationColumns+` FROM invocations`+clause+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []*model.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate invocations: %w", err)
	}
	return out, total, nil
}

// UpdateInvocationStatus moves an invocation to status after checking the
// transition against its current status. Terminal statuses also set
// finished_at.
func (s *SQLStore) UpdateInvocationStatus(ctx context.Context, id, status string) error {
	var current string
	err := s.queryRow(ctx, `SELECT status FROM invocations WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get invocation status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	var result sql.Result
	switch {
	case status == model.StatusRunning:
		result, err = s.exec(ctx,
			"UPDATE invocations SET status = ?, started_at = ? WHERE id = ? AND status = ?",
			status, now, id, current)
	case model.IsTerminal(status):
		result, err = s.exec(ctx,
			"UPDATE invocations SET status = ?, finished_at = ? WHERE id = ? AND status = ?",
			status, now, id, current)
	default:
		result, err = s.exec(ctx,
			"UPDATE invocations SET status = ? WHERE id = ? AND status = ?",
			status, id, current)
	}
	if err != nil {
		return fmt.Errorf("update invocation status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		// Lost a race with a concurrent update of the same record.
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// UpdateInvocation writes every mutable field of inv.
func (s *SQLStore) UpdateInvocation(ctx context.Context, inv *model.Invocation) error {
	result, err := s.exec(ctx,
		`UPDATE invocations SET status = ?, phase = ?, compute = ?, experiment = ?,
			run_id = ?, run_status = ?, error = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		inv.Status, inv.Phase, inv.Compute, inv.Experiment,
		inv.RunID, inv.RunStatus, inv.Error, inv.DurationMS, inv.StartedAt, inv.FinishedAt,
		inv.ID,
	)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetInvocationStats returns aggregate statistics over all invocations.
func (s *SQLStore) GetInvocationStats(ctx context.Context) (*InvocationStats, error) {
	stats := &InvocationStats{
		CountByStatus:  make(map[string]int),
		CountByProfile: make(map[string]int),
	}

	var avg sql.NullFloat64
	err := s.queryRow(ctx,
		`SELECT COUNT(*), CAST(AVG(duration_ms) AS DOUBLE PRECISION) FROM invocations`,
	).Scan(&stats.Total, &avg)
	if err != nil {
		return nil, fmt.Errorf("aggregate invocations: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	for column, dest := range map[string]map[string]int{
		"status":  stats.CountByStatus,
		"profile": stats.CountByProfile,
	} {
		if err := s.countBy(ctx, column, dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *SQLStore) countBy(ctx context.Context, column string, dest map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM invocations GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		dest[key] = n
	}
	return rows.Err()
}

// InsertEventLine appends a progress line to an invocation.
func (s *SQLStore) InsertEventLine(ctx context.Context, invocationID string, seq int, line string) error {
	_, err := s.exec(ctx,
		"INSERT INTO invocation_events (invocation_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		invocationID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event line: %w", err)
	}
	return nil
}

// GetEventLines returns the progress lines of an invocation ordered by seq.
func (s *SQLStore) GetEventLines(ctx context.Context, invocationID string) ([]model.EventLine, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, invocation_id, seq, line, created_at FROM invocation_events
		WHERE invocation_id = ? ORDER BY seq`), invocationID)
	if err != nil {
		return nil, fmt.Errorf("get event lines: %w", err)
	}
	defer rows.Close()

	var lines []model.EventLine
	for rows.Next() {
		var l model.EventLine
		if err := rows.Scan(&l.ID, &l.InvocationID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event lines: %w", err)
	}
	return lines, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
