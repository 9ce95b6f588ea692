package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/models"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Dialect selects the SQL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLite extended result codes used for constraint mapping.
const (
	sqliteConstraint           = 19
	sqliteConstraintForeignKey = 787
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// Options configures Open.
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // postgres connection string
	Path   string // sqlite file path
	Logger *logging.Logger
}

// SQLStore implements Store on SQLite (modernc.org/sqlite) or PostgreSQL (lib/pq).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *logging.Logger
	now     func() time.Time
}

// Open connects, applies pending migrations, and returns a ready store.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}

	var (
		db      *sql.DB
		dialect Dialect
		target  string
		err     error
	)
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite", "sqlite3":
		dialect = DialectSQLite
		target = opts.Path
		if dir := filepath.Dir(target); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
			}
		}
		db, err = sql.Open("sqlite", target+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
		if err == nil {
			// One writer avoids SQLITE_BUSY under WAL.
			db.SetMaxOpenConns(1)
		}
	case "postgres", "postgresql":
		dialect = DialectPostgres
		target = redactDSN(opts.DSN)
		db, err = sql.Open("postgres", opts.DSN)
	default:
		return nil, &errors.ErrDatabaseOpen{Path: opts.Driver, Err: fmt.Errorf("unsupported driver")}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: target, Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: target, Err: err}
	}

	if err := migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database ready", "driver", string(dialect), "target", target)
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// OpenSQLite is shorthand for a file-backed SQLite store.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	return Open(ctx, Options{Driver: "sqlite", Path: path, Logger: logging.Nop()})
}

func migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	gooseDialect, dir := "sqlite3", "migrations/sqlite"
	if dialect == DialectPostgres {
		gooseDialect, dir = "postgres", "migrations/postgres"
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return &errors.ErrDatabaseMigration{Dialect: gooseDialect, Err: err}
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return &errors.ErrDatabaseMigration{Dialect: gooseDialect, Err: err}
	}
	return nil
}

// MigrationFiles lists the embedded migration files for a dialect.
func MigrationFiles(dialect Dialect) ([]string, error) {
	dir := "migrations/sqlite"
	if dialect == DialectPostgres {
		dir = "migrations/postgres"
	}
	return fs.Glob(migrations, dir+"/*.sql")
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...interface{}) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.mapError(op, err)
	}
	return res, nil
}

func (s *SQLStore) mapError(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqliteConstraintUnique, sqliteConstraintPrimaryKey, sqliteConstraint:
			return ErrConflict
		case sqliteConstraintForeignKey:
			return ErrAccountInUse
		}
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrAccountInUse
		}
	}
	return &errors.ErrDatabaseQuery{Operation: op, Err: err}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Account operations

const accountColumns = `id, platform, external_id, url, display_name, active,
	access_token_enc, refresh_token_enc, token_expires_at, token_issued_at, token_scope,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		acc                    models.Account
		access, refresh, scope sql.NullString
		expiresAt, issuedAt    sql.NullTime
	)
	if err := row.Scan(&acc.ID, &acc.Platform, &acc.ExternalID, &acc.URL, &acc.DisplayName, &acc.Active,
		&access, &refresh, &expiresAt, &issuedAt, &scope, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	if access.Valid && access.String != "" {
		acc.Credential = &models.Credential{
			AccessToken:  access.String,
			RefreshToken: refresh.String,
			Scope:        scope.String,
		}
		if expiresAt.Valid {
			acc.Credential.ExpiresAt = expiresAt.Time.UTC()
		}
		if issuedAt.Valid {
			acc.Credential.IssuedAt = issuedAt.Time.UTC()
		}
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return &acc, nil
}

func (s *SQLStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.mapError("get account", err)
	}
	return acc, nil
}

func (s *SQLStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, s.mapError("list accounts", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, s.mapError("scan account", err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("list accounts", err)
	}
	return out, nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	now := s.now()
	created := acc.CreatedAt
	if created.IsZero() {
		created = now
	}
	access, refresh, expires, issued, scope := credentialArgs(acc.Credential)
	_, err := s.exec(ctx, "create account", `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, models.NormalizePlatform(acc.Platform), acc.ExternalID, acc.URL, acc.DisplayName, acc.Active,
		access, refresh, expires, issued, scope, created.UTC(), now)
	return err
}

func (s *SQLStore) UpdateAccount(ctx context.Context, acc *models.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	res, err := s.exec(ctx, "update account", `UPDATE accounts
		SET platform = ?, external_id = ?, url = ?, display_name = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		models.NormalizePlatform(acc.Platform), acc.ExternalID, acc.URL, acc.DisplayName, acc.Active, s.now(), acc.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func credentialArgs(cred *models.Credential) (access, refresh sql.NullString, expires, issued sql.NullTime, scope sql.NullString) {
	if cred == nil {
		return
	}
	access = sql.NullString{String: cred.AccessToken, Valid: cred.AccessToken != ""}
	refresh = sql.NullString{String: cred.RefreshToken, Valid: cred.RefreshToken != ""}
	expires = sql.NullTime{Time: cred.ExpiresAt.UTC(), Valid: !cred.ExpiresAt.IsZero()}
	issued = sql.NullTime{Time: cred.IssuedAt.UTC(), Valid: !cred.IssuedAt.IsZero()}
	scope = sql.NullString{String: cred.Scope, Valid: cred.Scope != ""}
	return
}

func (s *SQLStore) UpdateCredential(ctx context.Context, accountID string, cred *models.Credential) error {
	access, refresh, expires, issued, scope := credentialArgs(cred)
	res, err := s.exec(ctx, "update credential", `UPDATE accounts
		SET access_token_enc = ?, refresh_token_enc = ?, token_expires_at = ?, token_issued_at = ?, token_scope = ?, updated_at = ?
		WHERE id = ?`,
		access, refresh, expires, issued, scope, s.now(), accountID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx, "set account active", `UPDATE accounts SET active = ?, updated_at = ? WHERE id = ?`, active, s.now(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) DeleteAccount(ctx context.Context, id string) error {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM metrics_snapshots WHERE account_id = ?`), id).Scan(&n)
	if err != nil {
		return s.mapError("count snapshots", err)
	}
	if n > 0 {
		return ErrAccountInUse
	}
	res, err := s.exec(ctx, "delete account", `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Snapshot operations

const snapshotColumns = `id, account_id, run_id, collected_at, followers, posts, likes, comments, views, shares, engagement_rate, extra`

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func ptrInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return models.Int64(v.Int64)
}

func (s *SQLStore) CreateSnapshot(ctx context.Context, snap *models.MetricsSnapshot) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM accounts WHERE id = ?`), snap.AccountID).Scan(&exists)
	if err != nil {
		return s.mapError("check snapshot account", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	extra := snap.Extra
	if extra == nil {
		extra = map[string]interface{}{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode snapshot extra: %w", err)
	}
	rate := sql.NullFloat64{}
	if snap.EngagementRate != nil {
		rate = sql.NullFloat64{Float64: *snap.EngagementRate, Valid: true}
	}
	runID := sql.NullString{String: snap.RunID, Valid: snap.RunID != ""}

	_, err = s.exec(ctx, "create snapshot", `INSERT INTO metrics_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.AccountID, runID, snap.CollectedAt.UTC(),
		nullInt(snap.Followers), nullInt(snap.Posts), nullInt(snap.Likes),
		nullInt(snap.Comments), nullInt(snap.Views), nullInt(snap.Shares),
		rate, string(extraJSON))
	return err
}

func scanSnapshot(row rowScanner) (*models.MetricsSnapshot, error) {
	var (
		snap                                              models.MetricsSnapshot
		runID                                             sql.NullString
		followers, posts, likes, comments, views, shares sql.NullInt64
		rate                                              sql.NullFloat64
		extra                                             string
	)
	if err := row.Scan(&snap.ID, &snap.AccountID, &runID, &snap.CollectedAt,
		&followers, &posts, &likes, &comments, &views, &shares, &rate, &extra); err != nil {
		return nil, err
	}
	snap.RunID = runID.String
	snap.CollectedAt = snap.CollectedAt.UTC()
	snap.Followers = ptrInt(followers)
	snap.Posts = ptrInt(posts)
	snap.Likes = ptrInt(likes)
	snap.Comments = ptrInt(comments)
	snap.Views = ptrInt(views)
	snap.Shares = ptrInt(shares)
	if rate.Valid {
		snap.EngagementRate = models.Float64(rate.Float64)
	}
	snap.Extra = map[string]interface{}{}
	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &snap.Extra); err != nil {
			return nil, fmt.Errorf("decode snapshot extra: %w", err)
		}
	}
	return &snap, nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, id string) (*models.MetricsSnapshot, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+snapshotColumns+` FROM metrics_snapshots WHERE id = ?`), id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.mapError("get snapshot", err)
	}
	return snap, nil
}

func (s *SQLStore) ListSnapshots(ctx context.Context, accountID string, limit int) ([]*models.MetricsSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM metrics_snapshots`
	var args []interface{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY collected_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.mapError("list snapshots", err)
	}
	defer rows.Close()

	var out []*models.MetricsSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, s.mapError("scan snapshot", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("list snapshots", err)
	}
	return out, nil
}

// Run operations

const runColumns = `id, started_at, finished_at, status, processed, failed, error_summary, platform_filter, trigger_source`

func (s *SQLStore) CreateRun(ctx context.Context, run *models.CollectionRun) error {
	_, err := s.exec(ctx, "create run", `INSERT INTO collection_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC(), finishedArg(run.FinishedAt), string(run.Status),
		run.Processed, run.Failed, run.ErrorSummary, run.PlatformFilter, string(run.Trigger))
	return err
}

func (s *SQLStore) FinishRun(ctx context.Context, run *models.CollectionRun) error {
	res, err := s.exec(ctx, "finish run", `UPDATE collection_runs
		SET finished_at = ?, status = ?, processed = ?, failed = ?, error_summary = ?
		WHERE id = ?`,
		finishedArg(run.FinishedAt), string(run.Status), run.Processed, run.Failed, run.ErrorSummary, run.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func finishedArg(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func scanRun(row rowScanner) (*models.CollectionRun, error) {
	var (
		run      models.CollectionRun
		finished sql.NullTime
		status   string
		trigger  string
	)
	if err := row.Scan(&run.ID, &run.StartedAt, &finished, &status, &run.Processed, &run.Failed,
		&run.ErrorSummary, &run.PlatformFilter, &trigger); err != nil {
		return nil, err
	}
	run.StartedAt = run.StartedAt.UTC()
	if finished.Valid {
		t := finished.Time.UTC()
		run.FinishedAt = &t
	}
	run.Status = models.RunStatus(status)
	run.Trigger = models.RunTrigger(trigger)
	return &run, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.CollectionRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM collection_runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.mapError("get run", err)
	}
	return run, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]*models.CollectionRun, error) {
	query := `SELECT ` + runColumns + ` FROM collection_runs ORDER BY started_at DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.mapError("list runs", err)
	}
	defer rows.Close()

	var out []*models.CollectionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, s.mapError("scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("list runs", err)
	}
	return out, nil
}

// redactDSN hides the password of a postgres URL for logging.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":***" + dsn[at:]
	}
	return dsn
}
