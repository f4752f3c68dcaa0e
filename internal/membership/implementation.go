package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/audit"
	"libracirc/internal/errkind"
	"libracirc/internal/storage"
)

// service implements the Service interface.
type service struct {
	db     *storage.DB
	audit  *audit.Store
	quota  *Quota
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new membership service instance.
func NewService(db *storage.DB, log *audit.Store, logger *slog.Logger) Service {
	return &service{
		db:     db,
		audit:  log,
		quota:  NewQuota(db.Dialect(), logger),
		logger: logger,
		tracer: otel.Tracer("libracirc/membership"),
		now:    time.Now,
	}
}

// RegisterMember creates a new active member with no loans.
func (s *service) RegisterMember(ctx context.Context, in NewMember) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "membership.register")
	defer span.End()

	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, errkind.ErrInvalid.With("name is required")
	}
	maxBorrows := DefaultMaxBorrows
	if in.MaxBorrows != nil {
		maxBorrows = *in.MaxBorrows
	}
	if maxBorrows < 0 {
		return nil, ErrInvalidQuota.With("got %d", maxBorrows)
	}

	member := &Member{
		ID:           strings.TrimSpace(in.ID),
		Name:         in.Name,
		CardNumber:   in.CardNumber,
		Phone:        in.Phone,
		Status:       StatusActive,
		MaxBorrows:   maxBorrows,
		RegisteredAt: s.now().UTC(),
	}
	if member.ID == "" {
		member.ID = uuid.NewString()
	}

	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			member.ID, member.Name, member.CardNumber, member.Phone, int(member.Status), member.MaxBorrows, 0, member.RegisteredAt)
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return ErrMemberExists.With("%s", member.ID)
			}
			return fmt.Errorf("insert member: %w", err)
		}
		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   member.ID,
			AggregateType: audit.Member,
			EventType:     audit.MemberRegistered,
			Data:          MemberRegisteredEvent{ID: member.ID, Name: member.Name, MaxBorrows: member.MaxBorrows},
		})
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("member.id", member.ID))
	s.logger.InfoContext(ctx, "member registered", "member_id", member.ID, "max_borrows", member.MaxBorrows)
	return member, nil
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id string) (*Member, error) {
	m := &Member{}
	err := s.db.GetContext(ctx, m, s.db.Rebind(`SELECT `+memberColumns+` FROM members WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound.With("%s", id)
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("get member %s: %w", id, err))
	}
	return m, nil
}

// ListMembers returns members matching filter ordered by id.
func (s *service) ListMembers(ctx context.Context, f MemberFilter) ([]*Member, error) {
	ds := s.db.Dialect().Builder().
		From("members").
		Select("id", "name", "card_number", "phone", "status", "max_borrows", "current_borrows", "registered_at").
		Prepared(true).
		Order(goqu.I("id").Asc())

	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + q + "%"
		ds = ds.Where(goqu.Or(goqu.I("name").ILike(like), goqu.I("card_number").ILike(like)))
	}
	if f.Status != nil {
		ds = ds.Where(goqu.I("status").Eq(int(*f.Status)))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	ds = ds.Limit(uint(limit)).Offset(uint(max(f.Offset, 0)))

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build member query: %w", err)
	}
	members := []*Member{}
	if err := s.db.SelectContext(ctx, &members, query, args...); err != nil {
		return nil, storage.Classify(fmt.Errorf("list members: %w", err))
	}
	return members, nil
}

// UpdateMember applies u to a member under its row lock.
func (s *service) UpdateMember(ctx context.Context, id string, u MemberUpdate) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "membership.update", trace.WithAttributes(attribute.String("member.id", id)))
	defer span.End()

	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, errkind.ErrInvalid.With("name must not be empty")
		}
		u.Name = &name
	}
	if u.MaxBorrows != nil && *u.MaxBorrows < 0 {
		return nil, ErrInvalidQuota.With("got %d", *u.MaxBorrows)
	}

	var member *Member
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		m, err := s.quota.LockMember(ctx, tx, id)
		if err != nil {
			return err
		}
		if u.MaxBorrows != nil && *u.MaxBorrows < m.CurrentBorrows {
			return ErrQuotaBelowLoans.With("member %s holds %d, asked for %d", id, m.CurrentBorrows, *u.MaxBorrows)
		}

		if u.Name != nil {
			m.Name = *u.Name
		}
		if u.CardNumber != nil {
			m.CardNumber = *u.CardNumber
		}
		if u.Phone != nil {
			m.Phone = *u.Phone
		}
		if u.MaxBorrows != nil {
			m.MaxBorrows = *u.MaxBorrows
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE members
			SET name = ?, card_number = ?, phone = ?, max_borrows = ?
			WHERE id = ?`), m.Name, m.CardNumber, m.Phone, m.MaxBorrows, id)
		if err != nil {
			return fmt.Errorf("update member %s: %w", id, err)
		}
		member = m

		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   id,
			AggregateType: audit.Member,
			EventType:     audit.MemberUpdated,
			Data: MemberUpdatedEvent{
				ID:         id,
				Name:       m.Name,
				CardNumber: m.CardNumber,
				Phone:      m.Phone,
				MaxBorrows: m.MaxBorrows,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "member updated", "member_id", id, "max_borrows", member.MaxBorrows)
	return member, nil
}

// SetStatus suspends or reactivates a member. Loans already out are unaffected.
func (s *service) SetStatus(ctx context.Context, id string, status Status) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "membership.set_status",
		trace.WithAttributes(
			attribute.String("member.id", id),
			attribute.String("member.status", status.String()),
		),
	)
	defer span.End()

	if status != StatusActive && status != StatusSuspended {
		return nil, errkind.ErrInvalid.With("unknown member status %d", int(status))
	}

	var member *Member
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		m, err := s.quota.LockMember(ctx, tx, id)
		if err != nil {
			return err
		}
		member = m
		if m.Status == status {
			return nil
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE members SET status = ? WHERE id = ?`), int(status), id); err != nil {
			return fmt.Errorf("update member status: %w", err)
		}
		from := m.Status
		m.Status = status

		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   id,
			AggregateType: audit.Member,
			EventType:     audit.MemberStatusChanged,
			Data:          MemberStatusChangedEvent{ID: id, From: from, To: status},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "member status set", "member_id", id, "status", status.String())
	return member, nil
}

// DeleteMember removes a member. Anyone with a loan on record, returned or not, is kept so
// the loan history stays intact.
func (s *service) DeleteMember(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "membership.delete", trace.WithAttributes(attribute.String("member.id", id)))
	defer span.End()

	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := s.quota.LockMember(ctx, tx, id); err != nil {
			return err
		}

		var loans int
		if err := tx.GetContext(ctx, &loans, tx.Rebind(`SELECT COUNT(*) FROM loans WHERE member_id = ?`), id); err != nil {
			return fmt.Errorf("count loans of %s: %w", id, err)
		}
		if loans > 0 {
			return ErrMemberHasLoans.With("member %s has %d", id, loans)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM members WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete member %s: %w", id, err)
		}
		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   id,
			AggregateType: audit.Member,
			EventType:     audit.MemberDeleted,
			Data:          MemberDeletedEvent{ID: id, DeletedAt: s.now().UTC().Format(time.RFC3339)},
		})
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "member deleted", "member_id", id)
	return nil
}
