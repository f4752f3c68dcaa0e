package catalog

import (
	"context"
)

// Service manages the catalog outside of lending transactions.
type Service interface {
	AddItem(ctx context.Context, item NewItem) (*Item, error)
	GetItem(ctx context.Context, id string) (*Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*Item, error)
	// UpdateItem changes descriptive fields only. Copy counts and status are left alone.
	UpdateItem(ctx context.Context, id string, update ItemUpdate) (*Item, error)
	// AdjustStock adds delta to both the total and the available count in one guarded update.
	AdjustStock(ctx context.Context, id string, delta int) (*Item, error)
	RetireItem(ctx context.Context, id string) (*Item, error)
}
