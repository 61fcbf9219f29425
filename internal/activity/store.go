// Package activity is the Activity Store (spec.md §4.2): the relational
// source of truth for task status. An activity header is created once per
// agent-id; every status transition is an append-only log row, and the
// header's current status is always derived from the latest log row
// rather than updated in place.
//
// Grounded on the sqlite3 connection and retry-on-busy style of
// zkoranges-go-claw/internal/persistence/store.go, with a much smaller
// two-table schema matching agentexec/activity/models.py's Activity +
// ActivityLog tables instead of that teacher's multi-table chat schema.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

// Store is the SQLite-backed Activity Store.
type Store struct {
	db     *sql.DB
	prefix string
}

// Open creates (or reuses) the SQLite database at path and applies schema.
// An empty path uses an in-memory database, convenient for tests.
func Open(path, tablePrefix string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, prefix: tablePrefix}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) activityTable() string    { return s.prefix + "activity" }
func (s *Store) activityLogTable() string { return s.prefix + "activity_log" }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL UNIQUE,
			agent_type TEXT,
			created_at DATETIME NOT NULL,
			metadata TEXT
		);`, s.activityTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			activity_id INTEGER NOT NULL REFERENCES %s(id),
			message TEXT NOT NULL,
			status TEXT NOT NULL,
			percentage INTEGER,
			created_at DATETIME NOT NULL
		);`, s.activityLogTable(), s.activityTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_activity_created_idx ON %s (activity_id, created_at);`,
			s.activityLogTable(), s.activityLogTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with bounded
// exponential backoff and jitter. maxRetries=5 gives ~3s total wait on top
// of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// Create allocates a header and first Queued log row atomically. If
// agentID is empty one is generated by the caller's id source; this
// package never mints ids itself (that is the Queue Facade's concern),
// it only enforces uniqueness.
func (s *Store) Create(ctx context.Context, agentID, taskName, initialMessage string, metadata map[string]string) error {
	metaVal, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (agent_id, agent_type, created_at, metadata) VALUES (?, ?, ?, ?);`, s.activityTable()),
			agentID, taskName, now, metaVal,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return taskerr.ErrDuplicateAgent
			}
			return fmt.Errorf("insert activity: %w", err)
		}
		activityID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (activity_id, message, status, percentage, created_at) VALUES (?, ?, ?, ?, ?);`, s.activityLogTable()),
			activityID, initialMessage, string(StatusQueued), 0, now,
		); err != nil {
			return fmt.Errorf("insert initial log: %w", err)
		}

		return tx.Commit()
	})
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Append adds one log row, resolving the header id from agentID via a
// subquery insert so the header never needs to be loaded into memory.
func (s *Store) Append(ctx context.Context, agentID, message string, status Status, percentage *int) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`
				INSERT INTO %s (activity_id, message, status, percentage, created_at)
				SELECT id, ?, ?, ?, ? FROM %s WHERE agent_id = ?;
			`, s.activityLogTable(), s.activityTable()),
			message, string(status), percentage, time.Now().UTC(), agentID,
		)
		if err != nil {
			return fmt.Errorf("append log: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return taskerr.ErrUnknownAgent
		}
		return nil
	})
}

func metadataWhere(filter map[string]string, alias string) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	var clauses []string
	var args []any
	for key, value := range filter {
		clauses = append(clauses, fmt.Sprintf("json_extract(%s.metadata, '$.'||?) = ?", alias))
		args = append(args, key, value)
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// allStatuses enumerates every Status value, used to derive the
// query-building helpers below from Status.active/Status.sortRank instead
// of duplicating their logic as hand-written SQL literals.
var allStatuses = []Status{StatusQueued, StatusRunning, StatusComplete, StatusError, StatusCanceled}

// activeStatusArgs returns the statuses for which Status.active is true, as
// query args for an `IN (...)` clause built by the caller with a matching
// number of placeholders.
func activeStatusArgs() []any {
	args := make([]any, 0, len(allStatuses))
	for _, s := range allStatuses {
		if s.active() {
			args = append(args, string(s))
		}
	}
	return args
}

// activePlaceholders returns "?, ?, ..." sized to activeStatusArgs's length.
func activePlaceholders() string {
	return strings.TrimSuffix(strings.Repeat("?, ", len(activeStatusArgs())), ", ")
}

// statusOrderExpr builds a SQL CASE expression over column that ranks each
// status by Status.sortRank, so the ordering SQL performs for pagination is
// generated from the same rule Go callers use rather than a parallel
// hand-written copy of it.
func statusOrderExpr(column string) string {
	var b strings.Builder
	b.WriteString("CASE " + column)
	for _, s := range allStatuses {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", s, s.sortRank())
	}
	b.WriteString(" ELSE 2 END")
	return b.String()
}

const latestLogCTE = `
	latest_log AS (
		SELECT activity_id, message, status, percentage, created_at,
			row_number() OVER (PARTITION BY activity_id ORDER BY created_at DESC) AS rn
		FROM %[1]s
	),
	started_at AS (
		SELECT activity_id, min(created_at) AS started_at
		FROM %[1]s
		GROUP BY activity_id
	)
`

// List returns a page of activity summaries ordered active-first (Running
// before Queued), then inactive, each group by started_at descending.
func (s *Store) List(ctx context.Context, page, pageSize int, metadataFilter map[string]string) ([]ListItem, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}

	where, args := metadataWhere(metadataFilter, "a")

	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s a WHERE 1=1%s;`, s.activityTable(), where)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activities: %w", err)
	}

	listQuery := fmt.Sprintf(`
		WITH `+latestLogCTE+`
		SELECT a.agent_id, a.agent_type, ll.message, ll.status, ll.created_at, ll.percentage, sa.started_at
		FROM %[2]s a
		JOIN latest_log ll ON ll.activity_id = a.id AND ll.rn = 1
		JOIN started_at sa ON sa.activity_id = a.id
		WHERE 1=1%[3]s
		ORDER BY
			`+statusOrderExpr("ll.status")+`,
			sa.started_at DESC
		LIMIT ? OFFSET ?;
	`, s.activityLogTable(), s.activityTable(), where)

	queryArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, listQuery, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var items []ListItem
	for rows.Next() {
		var item ListItem
		var status string
		var percentage sql.NullInt64
		if err := rows.Scan(&item.AgentID, &item.AgentType, &item.LatestLogMessage, &status, &item.LatestLogTimestamp, &percentage, &item.StartedAt); err != nil {
			return nil, 0, fmt.Errorf("scan activity row: %w", err)
		}
		item.Status = Status(status)
		if percentage.Valid {
			p := int(percentage.Int64)
			item.Percentage = &p
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate activity rows: %w", err)
	}

	return items, total, nil
}

// Detail returns the full header and ordered log history for agentID, or
// nil when not found or when metadataFilter excludes it — the two cases
// are indistinguishable by design so callers cannot probe for existence
// across tenants.
func (s *Store) Detail(ctx context.Context, agentID string, metadataFilter map[string]string) (*Detail, error) {
	where, args := metadataWhere(metadataFilter, "a")
	query := fmt.Sprintf(`
		SELECT a.id, a.agent_id, a.agent_type, a.created_at, a.metadata
		FROM %s a
		WHERE a.agent_id = ?%s;
	`, s.activityTable(), where)

	queryArgs := append([]any{agentID}, args...)
	var activityID int64
	var metaRaw sql.NullString
	detail := &Detail{}
	err := s.db.QueryRowContext(ctx, query, queryArgs...).Scan(&activityID, &detail.AgentID, &detail.AgentType, &detail.CreatedAt, &metaRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}

	metadata, err := unmarshalMetadata(metaRaw)
	if err != nil {
		return nil, err
	}
	detail.Metadata = metadata

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT message, status, percentage, created_at FROM %s WHERE activity_id = ? ORDER BY created_at ASC;`, s.activityLogTable()),
		activityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query activity logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry LogEntry
		var status string
		var percentage sql.NullInt64
		if err := rows.Scan(&entry.Message, &status, &percentage, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		entry.Status = Status(status)
		if percentage.Valid {
			p := int(percentage.Int64)
			entry.Percentage = &p
		}
		detail.Logs = append(detail.Logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}

	return detail, nil
}

// CountActive returns the number of activities whose latest status is
// Queued or Running.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		WITH `+latestLogCTE+`
		SELECT count(*)
		FROM %[2]s a
		JOIN latest_log ll ON ll.activity_id = a.id AND ll.rn = 1
		WHERE ll.status IN (`+activePlaceholders()+`);
	`, s.activityLogTable(), s.activityTable())

	var count int
	err := s.db.QueryRowContext(ctx, query, activeStatusArgs()...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return count, nil
}

// CancelPending appends a Canceled log row to every activity whose latest
// status is Queued or Running, returning the number canceled.
func (s *Store) CancelPending(ctx context.Context) (int, error) {
	var canceled int
	err := retryOnBusy(ctx, 5, func() error {
		query := fmt.Sprintf(`
			WITH `+latestLogCTE+`
			INSERT INTO %[1]s (activity_id, message, status, percentage, created_at)
			SELECT a.id, 'Canceled due to shutdown', ?, NULL, ?
			FROM %[2]s a
			JOIN latest_log ll ON ll.activity_id = a.id AND ll.rn = 1
			WHERE ll.status IN (`+activePlaceholders()+`);
		`, s.activityLogTable(), s.activityTable())

		args := append([]any{string(StatusCanceled), time.Now().UTC()}, activeStatusArgs()...)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("cancel pending: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		canceled = int(affected)
		return nil
	})
	return canceled, err
}
