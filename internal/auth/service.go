package auth

import (
	"context"
)

// Service issues and checks staff sessions.
type Service interface {
	CreateStaff(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) (*Session, error)
	Logout(ctx context.Context, token string) error
	Authenticate(ctx context.Context, token string) (*Session, error)
	PurgeExpired(ctx context.Context) (int64, error)
}
