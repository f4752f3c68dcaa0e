package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/audit"
	"libracirc/internal/errkind"
	"libracirc/internal/ids"
	"libracirc/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// service implements the Service interface.
type service struct {
	db     *storage.DB
	ids    *ids.Generator
	audit  *audit.Store
	ledger *Ledger
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new catalog service instance.
func NewService(db *storage.DB, gen *ids.Generator, log *audit.Store, logger *slog.Logger) Service {
	return &service{
		db:     db,
		ids:    gen,
		audit:  log,
		ledger: NewLedger(db.Dialect()),
		logger: logger,
		tracer: otel.Tracer("libracirc/catalog"),
		now:    time.Now,
	}
}

// AddItem creates a new item with all of its copies on the shelf.
func (s *service) AddItem(ctx context.Context, in NewItem) (*Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_item")
	defer span.End()

	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, errkind.ErrInvalid.With("title is required")
	}
	if in.TotalCopies < 0 {
		return nil, errkind.ErrInvalid.With("total_copies must not be negative")
	}

	now := s.now().UTC()
	item := &Item{
		ID:          strings.TrimSpace(in.ID),
		ISBN:        in.ISBN,
		Title:       in.Title,
		Author:      in.Author,
		Category:    in.Category,
		Location:    in.Location,
		TotalCopies: in.TotalCopies,
		Available:   in.TotalCopies,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		supplied := item.ID != ""
		if !supplied {
			id, err := s.ids.NextItemID(ctx, tx)
			if err != nil {
				return err
			}
			item.ID = id
		}

		_, err := tx.NamedExecContext(ctx, `INSERT INTO items (`+itemColumns+`)
			VALUES (:id, :isbn, :title, :author, :category, :location, :total_copies, :available, :borrow_count, :status, :created_at, :updated_at)`, item)
		if err != nil {
			if supplied && storage.IsUniqueViolation(err) {
				return ErrItemExists.With("%s", item.ID)
			}
			return fmt.Errorf("insert item: %w", err)
		}

		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   item.ID,
			AggregateType: audit.Item,
			EventType:     audit.ItemAdded,
			Data:          ItemAddedEvent{ID: item.ID, ISBN: item.ISBN, Title: item.Title, TotalCopies: item.TotalCopies},
		})
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("item.id", item.ID))
	s.logger.InfoContext(ctx, "item added", "item_id", item.ID, "copies", item.TotalCopies)
	return item, nil
}

// GetItem retrieves an item by its ID.
func (s *service) GetItem(ctx context.Context, id string) (*Item, error) {
	item := &Item{}
	err := s.db.GetContext(ctx, item, s.db.Rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound.With("%s", id)
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("get item %s: %w", id, err))
	}
	return item, nil
}

// ListItems returns items matching filter ordered by id.
func (s *service) ListItems(ctx context.Context, f ItemFilter) ([]*Item, error) {
	ds := s.db.Dialect().Builder().
		From("items").
		Select(selectColumns(itemColumns)...).
		Prepared(true).
		Order(goqu.I("id").Asc())

	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + q + "%"
		ds = ds.Where(goqu.Or(
			goqu.I("title").ILike(like),
			goqu.I("author").ILike(like),
			goqu.I("isbn").ILike(like),
		))
	}
	if f.Category != "" {
		ds = ds.Where(goqu.I("category").Eq(f.Category))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(string(f.Status)))
	}
	if f.AvailableOnly {
		ds = ds.Where(goqu.I("available").Gt(0), goqu.I("status").Eq(string(StatusActive)))
	}
	ds = ds.Limit(uint(clampLimit(f.Limit))).Offset(uint(max(f.Offset, 0)))

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build item query: %w", err)
	}

	items := []*Item{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, storage.Classify(fmt.Errorf("list items: %w", err))
	}
	return items, nil
}

// UpdateItem rewrites the descriptive fields of an item under its row lock.
func (s *service) UpdateItem(ctx context.Context, id string, u ItemUpdate) (*Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_item", trace.WithAttributes(attribute.String("item.id", id)))
	defer span.End()

	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, errkind.ErrInvalid.With("title must not be empty")
		}
		u.Title = &title
	}

	var item *Item
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		item, err = s.ledger.LockItem(ctx, tx, id)
		if err != nil {
			return err
		}

		setIf(&item.ISBN, u.ISBN)
		setIf(&item.Title, u.Title)
		setIf(&item.Author, u.Author)
		setIf(&item.Category, u.Category)
		setIf(&item.Location, u.Location)
		item.UpdatedAt = s.now().UTC()

		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE items
			SET isbn = ?, title = ?, author = ?, category = ?, location = ?, updated_at = ?
			WHERE id = ?`),
			item.ISBN, item.Title, item.Author, item.Category, item.Location, item.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("update item %s: %w", id, err)
		}

		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   id,
			AggregateType: audit.Item,
			EventType:     audit.ItemUpdated,
			Data: ItemUpdatedEvent{
				ID:       id,
				ISBN:     item.ISBN,
				Title:    item.Title,
				Author:   item.Author,
				Category: item.Category,
				Location: item.Location,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "item updated", "item_id", id)
	return item, nil
}

// AdjustStock changes the copy count of an item. Neither count may drop below zero.
func (s *service) AdjustStock(ctx context.Context, id string, delta int) (*Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.adjust_stock",
		trace.WithAttributes(
			attribute.String("item.id", id),
			attribute.Int("stock.delta", delta),
		),
	)
	defer span.End()

	if delta == 0 {
		return nil, errkind.ErrInvalid.With("delta must not be zero")
	}

	var item *Item
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE items
			SET total_copies = total_copies + ?, available = available + ?, updated_at = ?
			WHERE id = ? AND total_copies + ? >= 0 AND available + ? >= 0`),
			delta, delta, s.now().UTC(), id, delta, delta)
		if err != nil {
			return fmt.Errorf("adjust stock of %s: %w", id, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			var n int
			if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM items WHERE id = ?`), id); err != nil {
				return fmt.Errorf("check item %s: %w", id, err)
			}
			if n == 0 {
				return ErrItemNotFound.With("%s", id)
			}
			return ErrStockUnderflow.With("item %s by %d", id, delta)
		}

		item = &Item{}
		if err := tx.GetContext(ctx, item, tx.Rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id); err != nil {
			return fmt.Errorf("reload item %s: %w", id, err)
		}

		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   id,
			AggregateType: audit.Item,
			EventType:     audit.StockAdjusted,
			Data:          StockAdjustedEvent{ID: id, Delta: delta, NewTotal: item.TotalCopies, NewAvailable: item.Available},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "stock adjusted", "item_id", id, "delta", delta, "total", item.TotalCopies, "available", item.Available)
	return item, nil
}

// RetireItem withdraws an item from lending. Copies already on loan can still be returned.
func (s *service) RetireItem(ctx context.Context, id string) (*Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.retire_item", trace.WithAttributes(attribute.String("item.id", id)))
	defer span.End()

	var item *Item
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		item, err = s.ledger.LockItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status == StatusRetired {
			return nil
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE items SET status = ?, updated_at = ? WHERE id = ?`), StatusRetired, now, id); err != nil {
			return fmt.Errorf("retire item %s: %w", id, err)
		}
		item.Status = StatusRetired
		item.UpdatedAt = now

		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   id,
			AggregateType: audit.Item,
			EventType:     audit.ItemRetired,
			Data:          ItemRetiredEvent{ID: id, OnLoan: item.TotalCopies - item.Available, RetiredAt: now.Format(time.RFC3339)},
		})
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func selectColumns(list string) []any {
	parts := strings.Split(list, ",")
	cols := make([]any, len(parts))
	for i, p := range parts {
		cols[i] = strings.TrimSpace(p)
	}
	return cols
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
