package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	_ "modernc.org/sqlite"
)

// Response lifecycle event types.
const (
	EventSubmitted  = "submitted"
	EventDispatched = "dispatched"
	EventDelivered  = "delivered"
	EventFailed     = "failed"
	EventStale      = "stale"
	EventSaved      = "saved"
	EventReset      = "reset"
)

// Event is one entry in a response's timeline.
type Event struct {
	ID         int64
	ResponseID string
	Epoch      uint64
	Type       string
	Units      int
	Detail     string
	CreatedAt  time.Time
}

// Store journals response lifecycles in SQLite. In ephemeral mode every
// call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS responses (
    response_id TEXT PRIMARY KEY,
    epoch INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    response_id TEXT NOT NULL,
    epoch INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    units INTEGER NOT NULL DEFAULT 0,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(response_id) REFERENCES responses(response_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_response_created ON events(response_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginResponse registers a response so its events can be recorded.
func (s *Store) BeginResponse(ctx context.Context, responseID string, epoch uint64) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses(response_id, epoch, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(response_id) DO NOTHING`,
		responseID, int64(epoch), s.clock().UTC())
	return err
}

// Record appends evt to its response timeline, registering the response on
// first use.
func (s *Store) Record(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if err := s.BeginResponse(ctx, evt.ResponseID, evt.Epoch); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(response_id, epoch, event_type, units, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.ResponseID, int64(evt.Epoch), evt.Type, evt.Units, evt.Detail, evt.CreatedAt)
	return err
}

// ListResponseEvents returns up to limit events of a response, oldest first.
func (s *Store) ListResponseEvents(ctx context.Context, responseID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, response_id, epoch, event_type, units, detail, created_at
		 FROM events WHERE response_id = ? ORDER BY id ASC LIMIT ?`, responseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			epoch   int64
			detail  sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.ResponseID, &epoch, &e.Type, &e.Units, &detail, &created); err != nil {
			return nil, err
		}
		e.Epoch = uint64(epoch)
		e.Detail = detail.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention. It runs on startup and after
// every saved response.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM responses WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxResponses > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM responses WHERE response_id IN (
			SELECT response_id FROM responses ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxResponses)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral journal holds no database handle.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
