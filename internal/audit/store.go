package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/systmms/secretbroker/internal/policy"
)

// eventRecord is the Bun model for the insert-only audit_events table.
type eventRecord struct {
	bun.BaseModel `bun:"table:audit_events"`

	ID         int64     `bun:",pk,autoincrement"`
	Time       time.Time `bun:",notnull"`
	Caller     string    `bun:",notnull"`
	Path       string    `bun:",notnull"`
	Capability string    `bun:",notnull"`
	Outcome    string    `bun:",notnull"`
	Backend    string
	ErrorKind  string
	Reason     string
	CacheHit   bool
}

// StoreSink persists audit events to a SQLite database via Bun. The table is
// insert-only: the sink exposes no update or delete path.
type StoreSink struct {
	db *bun.DB
}

// NewStoreSink opens (or creates) the audit database at dsn. Use ":memory:"
// for tests.
func NewStoreSink(ctx context.Context, dsn string) (*StoreSink, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit store %s: %w", dsn, err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	if _, err := db.NewCreateTable().
		Model((*eventRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit_events table: %w", err)
	}

	return &StoreSink{db: db}, nil
}

// Record appends one event.
func (s *StoreSink) Record(ctx context.Context, event Event) error {
	rec := eventRecord{
		Time:       event.Time,
		Caller:     event.Caller,
		Path:       event.Path,
		Capability: string(event.Capability),
		Outcome:    string(event.Outcome),
		Backend:    event.Backend,
		ErrorKind:  event.ErrorKind,
		Reason:     event.Reason,
		CacheHit:   event.CacheHit,
	}
	if _, err := s.db.NewInsert().Model(&rec).Exec(ctx); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events, most recent first. Used by
// `secretbroker audit --last N`.
func (s *StoreSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []eventRecord
	err := s.db.NewSelect().
		Model(&records).
		OrderExpr("id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	events := make([]Event, 0, len(records))
	for _, rec := range records {
		events = append(events, Event{
			Time:       rec.Time,
			Caller:     rec.Caller,
			Path:       rec.Path,
			Capability: policy.Capability(rec.Capability),
			Outcome:    Outcome(rec.Outcome),
			Backend:    rec.Backend,
			ErrorKind:  rec.ErrorKind,
			Reason:     rec.Reason,
			CacheHit:   rec.CacheHit,
		})
	}
	return events, nil
}

// Close closes the database.
func (s *StoreSink) Close() error {
	return s.db.Close()
}
