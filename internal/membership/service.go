package membership

import (
	"context"
)

// Service manages member records. Quota changes made by lending go through Quota instead.
type Service interface {
	RegisterMember(ctx context.Context, member NewMember) (*Member, error)
	GetMember(ctx context.Context, id string) (*Member, error)
	ListMembers(ctx context.Context, filter MemberFilter) ([]*Member, error)
	// UpdateMember changes contact details and the quota. The quota may not drop below
	// the number of loans the member already holds.
	UpdateMember(ctx context.Context, id string, update MemberUpdate) (*Member, error)
	SetStatus(ctx context.Context, id string, status Status) (*Member, error)
	// DeleteMember removes a member who has never borrowed.
	DeleteMember(ctx context.Context, id string) error
}
