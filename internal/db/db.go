package db

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"issuespan/internal/models"
)

// timeLayout is how timestamps are stored. RFC3339 in UTC sorts
// lexicographically, so MAX(updated_at) is the latest timestamp.
const timeLayout = time.RFC3339

// DB represents the database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS repositories (
		name TEXT NOT NULL,
		organization TEXT NOT NULL REFERENCES organizations(name),
		PRIMARY KEY (name, organization)
	);

	CREATE TABLE IF NOT EXISTS issues (
		id INTEGER PRIMARY KEY,
		number INTEGER NOT NULL,
		title TEXT,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT,
		repository TEXT NOT NULL,
		organization TEXT NOT NULL,
		author TEXT,
		assignee TEXT,
		FOREIGN KEY (repository, organization) REFERENCES repositories(name, organization)
	);
	CREATE INDEX IF NOT EXISTS idx_issues_repo ON issues(organization, repository, updated_at);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY,
		issue_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		actor TEXT,
		label_name TEXT,
		assignee_name TEXT,
		comment_author TEXT,
		comment_body TEXT,
		FOREIGN KEY (issue_id) REFERENCES issues(id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_issue ON events(issue_id, created_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// UpsertOrganization inserts an organization if absent.
func (db *DB) UpsertOrganization(ctx context.Context, name string) error {
	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO organizations (name) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("failed to save organization: %w", err)
	}
	return nil
}

// UpsertRepository inserts a repository if absent.
func (db *DB) UpsertRepository(ctx context.Context, org, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO repositories (name, organization) VALUES (?, ?)`, name, org)
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	return nil
}

// LastIssueUpdatedAt returns the checkpoint for a repository: the maximum
// updated_at across its persisted issues, or the zero time when none exist.
// The zero time is the sync epoch: a fetch given it starts from the
// beginning of the repository's history.
func (db *DB) LastIssueUpdatedAt(ctx context.Context, org, repo string) (time.Time, error) {
	var latest sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT MAX(updated_at) FROM issues WHERE organization = ? AND repository = ?`,
		org, repo).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last issue update time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}

	t, err := time.Parse(timeLayout, latest.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse checkpoint %q: %w", latest.String, err)
	}
	return t, nil
}

const upsertIssueSQL = `
INSERT INTO issues (id, number, title, state, created_at, updated_at, closed_at, repository, organization, author, assignee)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	number = excluded.number,
	title = excluded.title,
	state = excluded.state,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	closed_at = excluded.closed_at,
	repository = excluded.repository,
	organization = excluded.organization,
	author = excluded.author,
	assignee = excluded.assignee
`

const insertEventSQL = `
INSERT INTO events (id, issue_id, event_type, created_at, actor, label_name, assignee_name, comment_author, comment_body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`

// ApplyPage applies one fetched page atomically: every issue and event in
// the page, or none. Issues replace their existing row; events are
// insert-if-absent, so redelivering a page after a retry is a no-op.
func (db *DB) ApplyPage(ctx context.Context, issues []models.Issue, events []models.Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	issueStmt, err := tx.PrepareContext(ctx, upsertIssueSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare issue upsert: %w", err)
	}
	defer issueStmt.Close()

	for _, is := range issues {
		_, err := issueStmt.ExecContext(ctx,
			is.ID, is.Number, is.Title, is.State,
			fmtTime(is.CreatedAt), fmtTime(is.UpdatedAt), fmtTimePtr(is.ClosedAt),
			is.Repository, is.Organization, nullable(is.Author), nullable(is.Assignee),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert issue #%d: %w", is.Number, err)
		}
	}

	eventStmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer eventStmt.Close()

	for _, ev := range events {
		_, err := eventStmt.ExecContext(ctx,
			ev.ID, ev.IssueID, ev.Type, fmtTime(ev.CreatedAt), nullable(ev.Actor),
			nullable(ev.LabelName), nullable(ev.AssigneeName),
			nullable(ev.CommentAuthor), nullable(ev.CommentBody),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %d: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page: %w", err)
	}
	return nil
}

// ListIssues returns issues for an organization, optionally filtered to a
// single repository (empty repo means all).
func (db *DB) ListIssues(ctx context.Context, org, repo string) ([]models.Issue, error) {
	query := `
	SELECT id, number, title, state, created_at, updated_at, closed_at, repository, organization, author, assignee
	FROM issues WHERE organization = ?`
	args := []any{org}
	if repo != "" {
		query += ` AND repository = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY repository, number`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		var (
			is                       models.Issue
			created, updated         string
			closed, author, assignee sql.NullString
			title                    sql.NullString
		)
		if err := rows.Scan(&is.ID, &is.Number, &title, &is.State, &created, &updated,
			&closed, &is.Repository, &is.Organization, &author, &assignee); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		is.Title = title.String
		is.Author = author.String
		is.Assignee = assignee.String
		if is.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		if is.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		if closed.Valid {
			t, err := time.Parse(timeLayout, closed.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse closed_at: %w", err)
			}
			is.ClosedAt = &t
		}
		issues = append(issues, is)
	}
	return issues, rows.Err()
}

// ListEventsByRepo returns all events for an organization's issues ordered
// by issue then timestamp, optionally filtered to a single repository.
func (db *DB) ListEventsByRepo(ctx context.Context, org, repo string) ([]models.Event, error) {
	query := `
	SELECT e.id, e.issue_id, e.event_type, e.created_at, e.actor, e.label_name, e.assignee_name, e.comment_author, e.comment_body
	FROM events e
	JOIN issues i ON e.issue_id = i.id
	WHERE i.organization = ?`
	args := []any{org}
	if repo != "" {
		query += ` AND i.repository = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY e.issue_id, e.created_at, e.id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev                         models.Event
			created                    string
			actor, label, assignee     sql.NullString
			commentAuthor, commentBody sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.IssueID, &ev.Type, &created, &actor,
			&label, &assignee, &commentAuthor, &commentBody); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("failed to parse event created_at: %w", err)
		}
		ev.Actor = actor.String
		ev.LabelName = label.String
		ev.AssigneeName = assignee.String
		ev.CommentAuthor = commentAuthor.String
		ev.CommentBody = commentBody.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// exportableTables is the allowlist for Stats and ExportTable.
var exportableTables = []string{"organizations", "repositories", "issues", "events"}

// Stats returns row counts per table.
func (db *DB) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(exportableTables))
	for _, table := range exportableTables {
		var count int64
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// ExportTable writes up to limit rows of a table as CSV, header first.
func (db *DB) ExportTable(ctx context.Context, w io.Writer, table string, limit int) error {
	allowed := false
	for _, t := range exportableTables {
		if t == table {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("unknown table %q", table)
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := db.QueryContext(ctx, `SELECT * FROM `+table+` LIMIT `+strconv.Itoa(limit))
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to read columns: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	values := make([]sql.NullString, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	record := make([]string, len(cols))

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			record[i] = v.String
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
