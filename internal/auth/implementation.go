package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"libracirc/internal/errkind"
	"libracirc/internal/storage"
)

const (
	DefaultSessionTTL = 12 * time.Hour
	DefaultLoginRate  = 5
)

// Options tunes session lifetime and the login rate limit.
type Options struct {
	SessionTTL time.Duration
	// LoginsPerMinute bounds login attempts across all callers.
	LoginsPerMinute int
}

// service implements the Service interface.
type service struct {
	db          *storage.DB
	logger      *slog.Logger
	ttl         time.Duration
	rateLimiter *rate.Limiter
	now         func() time.Time
}

// NewService creates a new auth service instance.
func NewService(db *storage.DB, logger *slog.Logger, opts Options) Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.LoginsPerMinute <= 0 {
		opts.LoginsPerMinute = DefaultLoginRate
	}
	return &service{
		db:          db,
		logger:      logger,
		ttl:         opts.SessionTTL,
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.LoginsPerMinute)), opts.LoginsPerMinute),
		now:         time.Now,
	}
}

// CreateStaff registers a staff account.
func (s *service) CreateStaff(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < 8 {
		return errkind.ErrInvalid.With("username is required and password needs at least 8 characters")
	}

	hash, salt, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO staff (username, password_hash, salt, created_at) VALUES (?, ?, ?, ?)`),
		username, hash, salt, s.now().UTC())
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrStaffExists.With("%s", username)
		}
		return storage.Classify(fmt.Errorf("insert staff: %w", err))
	}
	s.logger.InfoContext(ctx, "staff account created", "username", username)
	return nil
}

// Login verifies credentials and issues a session.
func (s *service) Login(ctx context.Context, username, password string) (*Session, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	staff := &Staff{}
	err := s.db.GetContext(ctx, staff, s.db.Rebind(`SELECT username, password_hash, salt, created_at FROM staff WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("get staff: %w", err))
	}
	if !verifyPassword(password, staff.Salt, staff.PasswordHash) {
		s.logger.WarnContext(ctx, "login failed", "username", username)
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	session := &Session{
		Token:     uuid.NewString(),
		Username:  staff.Username,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO sessions (token, username, created_at, expires_at)
		VALUES (:token, :username, :created_at, :expires_at)`, session)
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("insert session: %w", err))
	}
	return session, nil
}

// Logout revokes a session. Unknown tokens are ignored.
func (s *service) Logout(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE token = ?`), token); err != nil {
		return storage.Classify(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

// Authenticate resolves a bearer token to its live session.
func (s *service) Authenticate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionExpired
	}
	session := &Session{}
	err := s.db.GetContext(ctx, session, s.db.Rebind(`SELECT token, username, created_at, expires_at FROM sessions WHERE token = ?`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("get session: %w", err))
	}
	if session.Expired(s.now()) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// PurgeExpired deletes lapsed sessions and reports how many were removed.
func (s *service) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE expires_at <= ?`), s.now().UTC())
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}
