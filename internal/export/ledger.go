package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNoJob is returned by LoadJob when the ledger holds no job yet.
var ErrNoJob = errors.New("export: ledger holds no job")

// Ledger is the durable progress record of one export job. Every write is
// committed before the caller applies the matching Graph transition, so a
// crash can lose at most the in-memory step that followed it.
//
// The database uses a single connection: SQLite has one writer, and pinning
// the pool avoids SQLITE_BUSY between worker slots.
type Ledger struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Entry is one persisted node with its progress bookkeeping.
type Entry struct {
	Node

	Attempts   int
	LastError  string
	DoneDigest string // digest recorded when the node reached Done
	LocalMD5   string
}

// uriPathEscaper escapes the characters SQLite URI filenames treat as
// delimiters.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// OpenLedger opens or creates the ledger database at dbPath and applies
// migrations.
func OpenLedger(ctx context.Context, dbPath string, logger *slog.Logger) (*Ledger, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		uriPathEscaper.Replace(dbPath),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("export: opening ledger %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger opened", slog.String("path", dbPath))

	return &Ledger{db: db, path: dbPath, logger: logger, now: time.Now}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// CreateJob inserts the ledger's job row.
func (l *Ledger) CreateJob(ctx context.Context, job *Job) error {
	roots, err := json.Marshal(job.Roots)
	if err != nil {
		return fmt.Errorf("export: encoding roots: %w", err)
	}

	now := l.now().UnixNano()

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, output_root, roots, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.OutputRoot, string(roots), string(job.Status), job.CreatedAt.UnixNano(), now)
	if err != nil {
		return fmt.Errorf("export: ledger create job %s: %w", job.ID, err)
	}

	return nil
}

// LoadJob returns the ledger's job, or ErrNoJob.
func (l *Ledger) LoadJob(ctx context.Context) (*Job, error) {
	var (
		job       Job
		roots     string
		status    string
		lastError sql.NullString
		created   int64
	)

	err := l.db.QueryRowContext(ctx,
		`SELECT job_id, output_root, roots, status, last_error, created_at
		 FROM jobs ORDER BY created_at LIMIT 1`).
		Scan(&job.ID, &job.OutputRoot, &roots, &status, &lastError, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}

	if err != nil {
		return nil, fmt.Errorf("export: ledger load job: %w", err)
	}

	if err := json.Unmarshal([]byte(roots), &job.Roots); err != nil {
		return nil, fmt.Errorf("export: decoding roots of job %s: %w", job.ID, err)
	}

	job.Status = JobStatus(status)
	job.LastError = lastError.String
	job.CreatedAt = time.Unix(0, created)

	return &job, nil
}

// SetJobStatus records the job's lifecycle status.
func (l *Ledger) SetJobStatus(ctx context.Context, jobID string, status JobStatus, lastError string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
		string(status), nullString(lastError), l.now().UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("export: ledger job status %s: %w", jobID, err)
	}

	return nil
}

// RecordRoots persists seeded root nodes and the job's root list in one
// transaction.
func (l *Ledger) RecordRoots(ctx context.Context, jobID string, roots []Node) error {
	ids := make([]string, len(roots))
	for i := range roots {
		ids[i] = roots[i].ID
	}

	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("export: encoding roots: %w", err)
	}

	return l.withTx(ctx, "record roots", func(tx *sql.Tx) error {
		if err := l.insertNodes(ctx, tx, roots); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET roots = ?, updated_at = ? WHERE job_id = ?`,
			string(encoded), l.now().UnixNano(), jobID)

		return err
	})
}

// RecordExpansion persists a container's children and moves the container to
// Listed, atomically.
func (l *Ledger) RecordExpansion(ctx context.Context, container Node, children []Node) error {
	err := l.withTx(ctx, "record expansion", func(tx *sql.Tx) error {
		if err := l.insertNodes(ctx, tx, children); err != nil {
			return err
		}

		return l.updateState(ctx, tx, container.ID, StateListed, "")
	})
	if err != nil {
		return err
	}

	l.logger.Debug("ledger: expansion recorded",
		slog.String("node_id", container.ID),
		slog.Int("children", len(children)),
	)

	return nil
}

// SetState records a node's new state. Moving to Fetching counts one attempt.
// A non-empty errInfo replaces the last error.
func (l *Ledger) SetState(ctx context.Context, id string, state State, errInfo string) error {
	return l.updateState(ctx, l.db, id, state, errInfo)
}

// RecordAttempt counts a failed container listing without changing state.
func (l *Ledger) RecordAttempt(ctx context.Context, id, errInfo string) error {
	return l.exec(ctx, id, "record attempt",
		`UPDATE nodes SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE node_id = ?`,
		nullString(errInfo), l.now().UnixNano(), id)
}

// Complete moves a node to Done, recording the remote digest and the MD5 of
// the committed local file.
func (l *Ledger) Complete(ctx context.Context, id, digest, localMD5 string) error {
	return l.exec(ctx, id, "complete",
		`UPDATE nodes SET state = ?, last_error = NULL, digest = ?, done_digest = ?, local_md5 = ?,
		 updated_at = ? WHERE node_id = ?`,
		StateDone.String(), nullString(digest), nullString(digest), nullString(localMD5),
		l.now().UnixNano(), id)
}

// Invalidate moves a Done node back to Listed with its new remote digest and
// a fresh attempt budget.
func (l *Ledger) Invalidate(ctx context.Context, id, digest string) error {
	return l.exec(ctx, id, "invalidate",
		`UPDATE nodes SET state = ?, digest = ?, attempts = 0, last_error = ?, updated_at = ? WHERE node_id = ?`,
		StateListed.String(), nullString(digest), "remote version changed", l.now().UnixNano(), id)
}

// Reopen moves a Done node back to Listed with a fresh attempt budget, e.g.
// when its local file has gone missing.
func (l *Ledger) Reopen(ctx context.Context, id, reason string) error {
	return l.exec(ctx, id, "reopen",
		`UPDATE nodes SET state = ?, attempts = 0, last_error = ?, updated_at = ? WHERE node_id = ?`,
		StateListed.String(), nullString(reason), l.now().UnixNano(), id)
}

// ResetForResume rewrites states that only make sense inside a running
// process: Queued and Fetching return to Listed and keep their attempt
// counts, so an interrupted retry sequence stays within the cap. A Failed
// leaf returns to Listed and a Failed container to Undiscovered, both with a
// fresh attempt budget.
func (l *Ledger) ResetForResume(ctx context.Context) (int64, error) {
	var total int64

	err := l.withTx(ctx, "reset for resume", func(tx *sql.Tx) error {
		now := l.now().UnixNano()

		stmts := []struct {
			query string
			args  []any
		}{
			{
				`UPDATE nodes SET state = ?, updated_at = ? WHERE state IN (?, ?)`,
				[]any{StateListed.String(), now, StateQueued.String(), StateFetching.String()},
			},
			{
				`UPDATE nodes SET state = ?, attempts = 0, updated_at = ? WHERE state = ? AND kind = ?`,
				[]any{StateListed.String(), now, StateFailed.String(), KindLeaf.String()},
			},
			{
				`UPDATE nodes SET state = ?, attempts = 0, updated_at = ? WHERE state = ? AND kind = ?`,
				[]any{StateUndiscovered.String(), now, StateFailed.String(), KindContainer.String()},
			},
		}

		for _, s := range stmts {
			res, err := tx.ExecContext(ctx, s.query, s.args...)
			if err != nil {
				return err
			}

			n, err := res.RowsAffected()
			if err != nil {
				return err
			}

			total += n
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		l.logger.Info("ledger: reset interrupted nodes", slog.Int64("count", total))
	}

	return total, nil
}

// Load returns every entry in discovery order, so parents precede children.
func (l *Ledger) Load(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT node_id, parent_id, service, kind, name, path, mime_type, size, modified_at,
		        digest, seq, state, attempts, last_error, done_digest, local_md5
		 FROM nodes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("export: ledger load: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: ledger load: %w", err)
	}

	return entries, nil
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id string) (Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT node_id, parent_id, service, kind, name, path, mime_type, size, modified_at,
		        digest, seq, state, attempts, last_error, done_digest, local_md5
		 FROM nodes WHERE node_id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	return e, err
}

// Counts returns the number of nodes per state.
func (l *Ledger) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM nodes GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("export: ledger counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)

	for rows.Next() {
		var (
			name string
			n    int
		)

		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("export: ledger counts: %w", err)
		}

		st, err := ParseState(name)
		if err != nil {
			return nil, err
		}

		counts[st] = n
	}

	return counts, rows.Err()
}

// Failures lists every Failed node in discovery order.
func (l *Ledger) Failures(ctx context.Context) ([]Failure, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT node_id, name, path, COALESCE(last_error, '') FROM nodes WHERE state = ? ORDER BY seq`,
		StateFailed.String())
	if err != nil {
		return nil, fmt.Errorf("export: ledger failures: %w", err)
	}
	defer rows.Close()

	var out []Failure

	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.NodeID, &f.Name, &f.Path, &f.Reason); err != nil {
			return nil, fmt.Errorf("export: ledger failures: %w", err)
		}

		out = append(out, f)
	}

	return out, rows.Err()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Ledger) updateState(ctx context.Context, ex execer, id string, state State, errInfo string) error {
	attemptInc := 0
	if state == StateFetching {
		attemptInc = 1
	}

	res, err := ex.ExecContext(ctx,
		`UPDATE nodes SET state = ?, attempts = attempts + ?,
		        last_error = COALESCE(?, last_error), updated_at = ?
		 WHERE node_id = ?`,
		state.String(), attemptInc, nullString(errInfo), l.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("export: ledger set %s %s: %w", id, state, err)
	}

	return requireRow(res, id)
}

func (l *Ledger) exec(ctx context.Context, id, op, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("export: ledger %s %s: %w", op, id, err)
	}

	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("export: ledger rows affected for %s: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s not in ledger", ErrUnknownNode, id)
	}

	return nil
}

func (l *Ledger) insertNodes(ctx context.Context, tx *sql.Tx, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO nodes (node_id, parent_id, service, kind, name, path, mime_type, size,
		                    modified_at, digest, seq, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("export: ledger prepare insert: %w", err)
	}
	defer stmt.Close()

	now := l.now().UnixNano()

	for i := range nodes {
		n := &nodes[i]

		var modified sql.NullInt64
		if !n.Modified.IsZero() {
			modified = sql.NullInt64{Int64: n.Modified.UnixNano(), Valid: true}
		}

		_, err := stmt.ExecContext(ctx,
			n.ID, nullString(n.ParentID), string(n.Service), n.Kind.String(), n.Name, n.Path,
			nullString(n.MimeType), n.Size, modified, nullString(n.Digest), n.Seq,
			n.State.String(), now)
		if err != nil {
			return fmt.Errorf("export: ledger insert %s (%s): %w", n.ID, n.Path, err)
		}
	}

	return nil
}

func (l *Ledger) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("export: ledger begin %s: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrUnknownNode) {
			return err
		}

		return fmt.Errorf("export: ledger %s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("export: ledger commit %s: %w", op, err)
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc rowScanner) (Entry, error) {
	var (
		e                             Entry
		parent, mime, digest          sql.NullString
		lastErr, doneDigest, localMD5 sql.NullString
		service, kind, state          string
		modified                      sql.NullInt64
	)

	err := sc.Scan(&e.ID, &parent, &service, &kind, &e.Name, &e.Path, &mime, &e.Size, &modified,
		&digest, &e.Seq, &state, &e.Attempts, &lastErr, &doneDigest, &localMD5)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}

		return Entry{}, fmt.Errorf("export: ledger scan: %w", err)
	}

	if e.Kind, err = ParseKind(kind); err != nil {
		return Entry{}, err
	}

	if e.State, err = ParseState(state); err != nil {
		return Entry{}, err
	}

	e.Service = Service(service)
	e.ParentID = parent.String
	e.MimeType = mime.String
	e.Digest = digest.String
	e.LastError = lastErr.String
	e.DoneDigest = doneDigest.String
	e.LocalMD5 = localMD5.String

	if modified.Valid {
		e.Modified = time.Unix(0, modified.Int64)
	}

	return e, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
