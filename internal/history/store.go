// Package history keeps completed analyses, their spoken summaries and the
// live session timeline for as long as the process runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/visionvoice/internal/config"
	"github.com/loqalabs/visionvoice/internal/vision"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("history: record not found")

// Record is one completed image analysis. Records are never updated once
// added.
type Record struct {
	ID        string            `json:"id"`
	Summary   string            `json:"summary"`
	Details   []string          `json:"details"`
	Citations []vision.Citation `json:"sources,omitempty"`
	Language  string            `json:"language"`
	Image     vision.Image      `json:"-"`
	CreatedAt time.Time         `json:"timestamp"`
}

// Speech is the synthesized summary for a record.
type Speech struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Event is one entry on a live session timeline.
type Event struct {
	ID        int64
	SessionID string
	RecordID  string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store is an in-memory SQLite database. Nothing is written to disk.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "history")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS records (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    summary TEXT NOT NULL,
    details TEXT NOT NULL,
    citations TEXT NOT NULL,
    language TEXT,
    mime_type TEXT,
    image BLOB,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS speech (
    record_id TEXT PRIMARY KEY,
    pcm BLOB NOT NULL,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    FOREIGN KEY(record_id) REFERENCES records(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    record_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores rec, assigning an id and timestamp when missing, and prunes the
// oldest records beyond the configured maximum.
func (s *Store) Add(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if rec.Details == nil {
		rec.Details = []string{}
	}
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return Record{}, err
	}
	citations, err := json.Marshal(rec.Citations)
	if err != nil {
		return Record{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records(id, summary, details, citations, language, mime_type, image, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Summary, string(details), string(citations), rec.Language, rec.Image.MIMEType, rec.Image.Data, rec.CreatedAt.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("history prune failed", slog.String("error", err.Error()))
	}
	return rec, nil
}

// List returns up to limit records, most recent first. Image bytes are left
// out; use Get for the full record.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, summary, details, citations, language, mime_type, NULL, created_at
		 FROM records ORDER BY created_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, summary, details, citations, language, mime_type, image, created_at
		 FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec       Record
		details   string
		citations string
		language  sql.NullString
		mime      sql.NullString
		image     []byte
		created   int64
	)
	if err := sc.Scan(&rec.ID, &rec.Summary, &details, &citations, &language, &mime, &image, &created); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
		return Record{}, fmt.Errorf("decode details: %w", err)
	}
	if err := json.Unmarshal([]byte(citations), &rec.Citations); err != nil {
		return Record{}, fmt.Errorf("decode citations: %w", err)
	}
	rec.Language = language.String
	rec.Image = vision.Image{MIMEType: mime.String, Data: image}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}

// PutSpeech attaches synthesized audio to a record. It is a no-op when speech
// retention is disabled.
func (s *Store) PutSpeech(ctx context.Context, recordID string, sp Speech) error {
	if !s.cfg.KeepSpeech {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speech(record_id, pcm, sample_rate, channels) VALUES(?, ?, ?, ?)
		 ON CONFLICT(record_id) DO NOTHING`,
		recordID, sp.PCM, sp.SampleRate, sp.Channels)
	if err != nil {
		return fmt.Errorf("insert speech: %w", err)
	}
	return nil
}

func (s *Store) Speech(ctx context.Context, recordID string) (Speech, error) {
	var sp Speech
	err := s.db.QueryRowContext(ctx,
		`SELECT pcm, sample_rate, channels FROM speech WHERE record_id = ?`, recordID).
		Scan(&sp.PCM, &sp.SampleRate, &sp.Channels)
	if errors.Is(err, sql.ErrNoRows) {
		return Speech{}, ErrNotFound
	}
	return sp, err
}

// AppendEvent writes an entry onto a session timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, record_id, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.RecordID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were appended.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, record_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var recordID sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &recordID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.RecordID = recordID.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops records beyond max_records and timeline entries beyond
// timeline_cap, oldest first.
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE seq IN (
			SELECT seq FROM records ORDER BY created_at DESC, seq DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	if s.cfg.TimelineCap > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE id IN (
			SELECT id FROM events ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.TimelineCap)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
