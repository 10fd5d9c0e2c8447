// Package sessionstore keeps named context states in a SQLite database so
// long-running services can park and resume sequences.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

// ErrNotFound reports a name with no stored record.
var ErrNotFound = errors.New("sessionstore: no such session")

// Record is one stored state.
type Record struct {
	Name        string
	Model       string
	Fingerprint uint64
	Tokens      []tokenizer.Token
	State       []byte
	Created     time.Time
}

// Info describes a record without its payload.
type Info struct {
	Name       string
	Model      string
	Tokens     int
	StateBytes int
	Created    time.Time
}

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sessionstore: path is required")
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sessionstore: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open: %w", err)
	}
	if err := bootstrap(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			name        TEXT PRIMARY KEY,
			model       TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			tokens      BLOB,
			n_tokens    INTEGER NOT NULL,
			state       BLOB,
			created_at  INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("sessionstore: create sessions table: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put inserts or replaces the record named r.Name.
func (s *Store) Put(ctx context.Context, r Record) error {
	if r.Name == "" {
		return errors.New("sessionstore: name must not be empty")
	}
	if r.Created.IsZero() {
		r.Created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (name, model, fingerprint, tokens, n_tokens, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			model = excluded.model,
			fingerprint = excluded.fingerprint,
			tokens = excluded.tokens,
			n_tokens = excluded.n_tokens,
			state = excluded.state,
			created_at = excluded.created_at`,
		r.Name, r.Model, strconv.FormatUint(r.Fingerprint, 16),
		inference.EncodeTokens(r.Tokens), len(r.Tokens), r.State, r.Created.UnixMilli())
	if err != nil {
		return fmt.Errorf("sessionstore: put %q: %w", r.Name, err)
	}
	return nil
}

// Get loads the record called name.
func (s *Store) Get(ctx context.Context, name string) (Record, error) {
	var (
		r       = Record{Name: name}
		fp      string
		toks    []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT model, fingerprint, tokens, state, created_at FROM sessions WHERE name = ?`, name).
		Scan(&r.Model, &fp, &toks, &r.State, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return Record{}, fmt.Errorf("sessionstore: get %q: %w", name, err)
	}
	if r.Fingerprint, err = strconv.ParseUint(fp, 16, 64); err != nil {
		return Record{}, fmt.Errorf("sessionstore: get %q: %w", name, errs.Corrupt("fingerprint", nil, fp))
	}
	if r.Tokens, err = inference.DecodeTokens(toks); err != nil {
		return Record{}, fmt.Errorf("sessionstore: get %q: %w", name, err)
	}
	r.Created = time.UnixMilli(created)
	return r, nil
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, model, n_tokens, COALESCE(length(state), 0), created_at FROM sessions ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Info
	for rows.Next() {
		var (
			in      Info
			created int64
		)
		if err := rows.Scan(&in.Name, &in.Model, &in.Tokens, &in.StateBytes, &created); err != nil {
			return nil, fmt.Errorf("sessionstore: scan: %w", err)
		}
		in.Created = time.UnixMilli(created)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}
	return out, nil
}

// Delete removes name. Deleting a missing name returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("sessionstore: delete %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// Capture stores the state of c under name.
func (s *Store) Capture(ctx context.Context, c *inference.Context, name string, tokens []tokenizer.Token) (Record, error) {
	blob, err := c.State()
	if err != nil {
		return Record{}, err
	}
	r := Record{
		Name:        name,
		Model:       c.Model().Desc(),
		Fingerprint: c.Model().Fingerprint(),
		Tokens:      tokens,
		State:       blob,
		Created:     time.Now(),
	}
	return r, s.Put(ctx, r)
}

// Restore loads name into c. It returns at most capacity tokens and the
// stored token count. Records saved from another model are rejected before
// c is touched.
func (s *Store) Restore(ctx context.Context, c *inference.Context, name string, capacity int) ([]tokenizer.Token, int, error) {
	r, err := s.Get(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	if fp := c.Model().Fingerprint(); r.Fingerprint != fp {
		return nil, 0, fmt.Errorf("sessionstore: restore %q: %w", name,
			errs.Corrupt("model fingerprint", fmt.Sprintf("%016x", fp), fmt.Sprintf("%016x", r.Fingerprint)))
	}
	if _, err := c.SetState(r.State); err != nil {
		return nil, 0, fmt.Errorf("sessionstore: restore %q: %w", name, err)
	}
	stored := len(r.Tokens)
	if capacity >= 0 && stored > capacity {
		r.Tokens = r.Tokens[:capacity]
	}
	return r.Tokens, stored, nil
}
