// Package store is the destination calendar: a SQLite table of mirrored
// events, accessed through bun. Only rows created by calmirror live here,
// so every row is tagged with its source identity in Title.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"calmirror/internal/model"
)

// ErrNotFound is returned when deleting a reference that does not exist.
var ErrNotFound = errors.New("event not found")

// ErrInvalidRange is returned when an event does not end after it starts.
var ErrInvalidRange = errors.New("event end is not after start")

// Event is one mirrored event row.
type Event struct {
	bun.BaseModel `bun:"table:mirrored_events,alias:e"`

	ID        string    `bun:"id,pk"`
	Title     string    `bun:"title,notnull"`
	StartUTC  int64     `bun:"start_utc,notnull"`
	EndUTC    int64     `bun:"end_utc,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func (e Event) toModel() model.MergeEvent {
	return model.MergeEvent{
		Title:     e.Title,
		Start:     time.Unix(e.StartUTC, 0).UTC(),
		End:       time.Unix(e.EndUTC, 0).UTC(),
		OriginRef: e.ID,
	}
}

// Store wraps the bun handle.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

// Open opens (and creates) the SQLite database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?mode=rwc&_busy_timeout=5000"
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite serializes writers anyway and :memory: is per connection.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	s := &Store{db: db, now: time.Now}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*Event)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*Event)(nil)).
		Index("mirrored_events_title_start_idx").
		IfNotExists().
		Column("title", "start_utc").
		Exec(ctx); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// FetchMirrored returns events titled identity whose start lies in
// [start, end], ordered by start.
func (s *Store) FetchMirrored(ctx context.Context, identity string, start, end time.Time) ([]model.MergeEvent, error) {
	var rows []Event
	if err := s.db.NewSelect().
		Model(&rows).
		Where("title = ?", identity).
		Where("start_utc >= ?", start.Unix()).
		Where("start_utc <= ?", end.Unix()).
		Order("start_utc ASC", "end_utc ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("select mirrored: %w", err)
	}
	return toModels(rows), nil
}

// ListBetween returns every mirrored event starting in [start, end].
func (s *Store) ListBetween(ctx context.Context, start, end time.Time) ([]model.MergeEvent, error) {
	var rows []Event
	if err := s.db.NewSelect().
		Model(&rows).
		Where("start_utc >= ?", start.Unix()).
		Where("start_utc <= ?", end.Unix()).
		Order("start_utc ASC", "title ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("select between: %w", err)
	}
	return toModels(rows), nil
}

// CreateEvent inserts a new event and returns its reference.
func (s *Store) CreateEvent(ctx context.Context, title string, start, end time.Time) (string, error) {
	if !end.After(start) {
		return "", fmt.Errorf("%w: %s", ErrInvalidRange, start.UTC().Format(time.RFC3339))
	}
	row := Event{
		ID:        uuid.NewString(),
		Title:     title,
		StartUTC:  start.UTC().Unix(),
		EndUTC:    end.UTC().Unix(),
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return row.ID, nil
}

// DeleteEvent removes the event with the given reference.
func (s *Store) DeleteEvent(ctx context.Context, ref string) error {
	res, err := s.db.NewDelete().
		Model((*Event)(nil)).
		Where("id = ?", ref).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toModels(rows []Event) []model.MergeEvent {
	out := make([]model.MergeEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}
