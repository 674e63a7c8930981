package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"

	"agentrelay/internal/transcript"
)

// SQLite keeps every transcript as one row of a single table.
type SQLite struct {
	db    *sql.DB
	path  string
	clock clock.Clock
}

// NewSQLite opens the database at dbPath and creates the table if it
// does not exist.
func NewSQLite(dbPath string, clk clock.Clock) (*SQLite, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLite{db: db, path: dbPath, clock: clk}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS transcripts_updated_at ON transcripts(updated_at);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLite) location(id string) string {
	return s.path + "#" + id
}

func (s *SQLite) Create(ctx context.Context, id, content string) (*transcript.SessionData, error) {
	now := s.clock.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcripts (id, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		id, content, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transcript: %w", err)
	}
	return transcript.NewSessionData(id, content, now, now), nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*transcript.SessionData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content, created_at, updated_at FROM transcripts WHERE id = ?`,
		id,
	)
	var (
		content            string
		created, updatedAt time.Time
	)
	err := row.Scan(&content, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return transcript.NewSessionData(id, content, created, updatedAt), nil
}

func (s *SQLite) List(ctx context.Context) ([]transcript.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at, updated_at FROM transcripts ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	infos := []transcript.SessionInfo{}
	for rows.Next() {
		var (
			id, content        string
			created, updatedAt time.Time
		)
		if err := rows.Scan(&id, &content, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		infos = append(infos, transcript.SessionInfo{
			SessionID:  id,
			Title:      transcript.ListingTitle(id, content),
			CreatedAt:  created,
			ModifiedAt: updatedAt,
			FilePath:   s.location(id),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	transcript.SortNewestFirst(infos)
	return infos, nil
}

func (s *SQLite) Update(ctx context.Context, id, content string) (*transcript.SessionData, error) {
	now := s.clock.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (id, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		id, content, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("update transcript: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
