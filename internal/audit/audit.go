// Package audit keeps the append-only log of lending events. Events are written inside the
// transaction that performed the change, so the log and the tables never disagree.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/errkind"
	"libracirc/internal/storage"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Aggregate types.
const (
	Loan   = "loan"
	Item   = "item"
	Member = "member"
)

// Event types.
const (
	LoanOpened          = "LoanOpened"
	LoanClosed          = "LoanClosed"
	LoansMarkedOverdue  = "LoansMarkedOverdue"
	StockAdjusted       = "StockAdjusted"
	ItemAdded           = "ItemAdded"
	ItemUpdated         = "ItemUpdated"
	ItemRetired         = "ItemRetired"
	MemberRegistered    = "MemberRegistered"
	MemberUpdated       = "MemberUpdated"
	MemberStatusChanged = "MemberStatusChanged"
	MemberDeleted       = "MemberDeleted"
)

// ErrNoEvents means nothing was ever recorded for an aggregate.
var ErrNoEvents = errkind.New(errkind.NotFound, "events_not_found", "no events recorded")

// AggregateTypes lists the aggregates events are recorded for.
var AggregateTypes = []string{Loan, Item, Member}

const (
	defaultStreamLimit = 100
	maxStreamLimit     = 1000
)

// Event is one entry of the log.
type Event struct {
	ID            int64     `json:"id" db:"id"`
	AggregateID   string    `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string    `json:"aggregate_type" db:"aggregate_type"`
	EventType     string    `json:"event_type" db:"event_type"`
	EventData     Payload   `json:"event_data" db:"event_data"`
	Version       int       `json:"version" db:"version"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Payload is a raw JSON document stored as JSONB or TEXT depending on the dialect.
type Payload json.RawMessage

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append((*p)[:0], v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("cannot scan %T into audit payload", src)
	}
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = append((*p)[:0], b...)
	return nil
}

// Record is an event waiting to be appended. Data is encoded as JSON.
type Record struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Data          any
}

// Store reads and appends events.
type Store struct {
	db     *storage.DB
	tracer trace.Tracer
	now    func() time.Time
}

// NewStore returns a Store on db.
func NewStore(db *storage.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("libracirc/audit"),
		now:    time.Now,
	}
}

// Append writes records inside tx, giving each the next version of its aggregate. Two
// writers racing for the same version surface as a retryable conflict.
func (s *Store) Append(ctx context.Context, tx *sqlx.Tx, records ...Record) error {
	ctx, span := s.tracer.Start(ctx, "audit.append",
		trace.WithAttributes(attribute.Int("event.count", len(records))),
	)
	defer span.End()

	insert := tx.Rebind(`INSERT INTO lending_events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	createdAt := s.now().UTC()

	for _, r := range records {
		data, err := codec.Marshal(r.Data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", r.EventType, err)
		}

		var version int
		err = tx.GetContext(ctx, &version, tx.Rebind(`SELECT COALESCE(MAX(version), 0) FROM lending_events
			WHERE aggregate_id = ? AND aggregate_type = ?`), r.AggregateID, r.AggregateType)
		if err != nil {
			return fmt.Errorf("query current version: %w", err)
		}
		version++

		if _, err := tx.ExecContext(ctx, insert, r.AggregateID, r.AggregateType, r.EventType, string(data), version, createdAt); err != nil {
			if storage.IsUniqueViolation(err) {
				span.SetAttributes(attribute.Bool("conflict.detected", true))
				return errkind.ErrConflict.With("%s %s version %d already written", r.AggregateType, r.AggregateID, version).Wrap(err)
			}
			return fmt.Errorf("insert %s event: %w", r.EventType, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.String("aggregate.id", r.AggregateID),
			attribute.String("event.type", r.EventType),
			attribute.Int("event.version", version),
		))
	}
	return nil
}

// Load returns the events of one aggregate in version order.
func (s *Store) Load(ctx context.Context, aggregateType, aggregateID string) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "audit.load",
		trace.WithAttributes(
			attribute.String("aggregate.type", aggregateType),
			attribute.String("aggregate.id", aggregateID),
		),
	)
	defer span.End()

	events := []Event{}
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM lending_events
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY version ASC`), aggregateType, aggregateID)
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("query events: %w", err))
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// Stream returns up to limit events with ids greater than afterID, oldest first.
func (s *Store) Stream(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultStreamLimit
	}
	if limit > maxStreamLimit {
		limit = maxStreamLimit
	}
	ctx, span := s.tracer.Start(ctx, "audit.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", afterID),
			attribute.Int("batch.size", limit),
		),
	)
	defer span.End()

	events := []Event{}
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM lending_events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("query event stream: %w", err))
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

// Decode unmarshals the payload of e into v. Decoding into a map[string]any yields the raw
// fields of any event type.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.EventData, v)
}
