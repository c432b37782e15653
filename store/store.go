package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrIdeaNotFound = errors.New("idea not found")

const (
	settingWaveformCacheLimit = "waveform_cache_limit"

	// DefaultWaveformCacheLimit applies until the user sets a limit.
	DefaultWaveformCacheLimit = 40
)

const schema = `
	CREATE TABLE IF NOT EXISTS ideas (
		id TEXT PRIMARY KEY,
		rawText TEXT NOT NULL,
		summary TEXT NOT NULL,
		tag TEXT NOT NULL,
		nextStep TEXT NOT NULL,
		risk TEXT NOT NULL,
		audioPath TEXT,
		status TEXT NOT NULL,
		transcriptionStatus TEXT NOT NULL,
		lastTranscriptionError TEXT,
		createdAt INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS ideas_createdAt ON ideas(createdAt);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

const ideaColumns = `id, rawText, summary, tag, nextStep, risk, audioPath, status,
	transcriptionStatus, lastTranscriptionError, createdAt`

// Store persists ideas and user settings in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers from the worker pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddIdea stores a new idea built from rawText. Ideas with a clip start
// with a pending transcription; text-only ideas are already done.
func (s *Store) AddIdea(ctx context.Context, rawText, audioPath string) (*Idea, error) {
	normalized := NormalizeText(rawText)
	idea := &Idea{
		ID:                  uuid.NewString(),
		RawText:             normalized,
		Summary:             Summarize(normalized),
		Tag:                 InferTag(normalized),
		NextStep:            defaultNextStep,
		Risk:                defaultRisk,
		AudioPath:           audioPath,
		Status:              StatusNew,
		TranscriptionStatus: TranscriptionDone,
		CreatedAt:           s.now().Truncate(time.Millisecond),
	}
	if audioPath != "" {
		idea.TranscriptionStatus = TranscriptionPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ideas (`+ideaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, idea.ID, idea.RawText, idea.Summary, idea.Tag, idea.NextStep, idea.Risk,
		nullString(idea.AudioPath), idea.Status, idea.TranscriptionStatus,
		nullString(idea.LastTranscriptionError), idea.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert idea: %w", err)
	}
	return idea, nil
}

// Idea returns the idea with the given id or ErrIdeaNotFound.
func (s *Store) Idea(ctx context.Context, id string) (*Idea, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id = ?`, id)
	idea, err := scanIdea(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrIdeaNotFound, id)
		}
		return nil, err
	}
	return idea, nil
}

// ListIdeas returns all ideas, newest first.
func (s *Store) ListIdeas(ctx context.Context) ([]*Idea, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ideaColumns+`
		FROM ideas
		ORDER BY createdAt DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query ideas: %w", err)
	}
	defer rows.Close()

	ideas := make([]*Idea, 0)
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, err
		}
		ideas = append(ideas, idea)
	}
	return ideas, rows.Err()
}

// PendingIdeas returns ideas with a clip whose transcription never
// finished, oldest first.
func (s *Store) PendingIdeas(ctx context.Context) ([]*Idea, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ideaColumns+`
		FROM ideas
		WHERE transcriptionStatus = ? AND audioPath IS NOT NULL
		ORDER BY createdAt ASC
	`, TranscriptionPending)
	if err != nil {
		return nil, fmt.Errorf("query pending ideas: %w", err)
	}
	defer rows.Close()

	var ideas []*Idea
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, err
		}
		ideas = append(ideas, idea)
	}
	return ideas, rows.Err()
}

// UpdateStatus sets the review state of an idea.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ideas SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return expectRow(res, id)
}

// UpdateTranscriptionStatus sets the transcription state and error message
// without touching the text.
func (s *Store) UpdateTranscriptionStatus(ctx context.Context, id string, status TranscriptionStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ideas SET transcriptionStatus = ?, lastTranscriptionError = ?
		WHERE id = ?
	`, status, nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("update transcription status: %w", err)
	}
	return expectRow(res, id)
}

// UpdateIdeaText commits transcribed text together with its derived
// summary and tag and marks the transcription done, in one statement.
func (s *Store) UpdateIdeaText(ctx context.Context, id, text string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ideas SET rawText = ?, summary = ?, tag = ?,
			transcriptionStatus = ?, lastTranscriptionError = NULL
		WHERE id = ?
	`, text, Summarize(text), InferTag(text), TranscriptionDone, id)
	if err != nil {
		return fmt.Errorf("update idea text: %w", err)
	}
	return expectRow(res, id)
}

// WaveformCacheLimit returns the stored cache limit or the default.
func (s *Store) WaveformCacheLimit(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingWaveformCacheLimit).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultWaveformCacheLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query setting: %w", err)
	}

	limit, err := strconv.Atoi(value)
	if err != nil {
		return DefaultWaveformCacheLimit, nil
	}
	return limit, nil
}

func (s *Store) SetWaveformCacheLimit(ctx context.Context, limit int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, settingWaveformCacheLimit, strconv.Itoa(limit))
	if err != nil {
		return fmt.Errorf("store setting: %w", err)
	}
	return nil
}

// SeedWaveformCacheLimit stores limit unless the user already set one.
func (s *Store) SeedWaveformCacheLimit(ctx context.Context, limit int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, settingWaveformCacheLimit, strconv.Itoa(limit))
	if err != nil {
		return fmt.Errorf("seed setting: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdea(row scanner) (*Idea, error) {
	var idea Idea
	var audioPath, lastError sql.NullString
	var createdAt int64

	if err := row.Scan(&idea.ID, &idea.RawText, &idea.Summary, &idea.Tag,
		&idea.NextStep, &idea.Risk, &audioPath, &idea.Status,
		&idea.TranscriptionStatus, &lastError, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan idea: %w", err)
	}

	idea.AudioPath = audioPath.String
	idea.LastTranscriptionError = lastError.String
	idea.CreatedAt = time.UnixMilli(createdAt)
	return &idea, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrIdeaNotFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
