package catalog

import (
	"time"

	"libracirc/internal/errkind"
)

// Status is the lifecycle state of a catalog item.
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// Item is a title held by the library together with its copy counts.
type Item struct {
	ID          string    `json:"id" db:"id"`
	ISBN        string    `json:"isbn" db:"isbn"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author" db:"author"`
	Category    string    `json:"category" db:"category"`
	Location    string    `json:"location" db:"location"`
	TotalCopies int       `json:"total_copies" db:"total_copies"`
	Available   int       `json:"available" db:"available"`
	BorrowCount int64     `json:"borrow_count" db:"borrow_count"`
	Status      Status    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// CanLend reports whether n more copies may go out on loan.
func (i *Item) CanLend(n int) bool {
	return i.Status != StatusRetired && i.Available >= n
}

const itemColumns = `id, isbn, title, author, category, location, total_copies, available, borrow_count, status, created_at, updated_at`

// NewItem describes an item to add. An empty ID is allocated by the identifier generator.
type NewItem struct {
	ID          string `json:"id"`
	ISBN        string `json:"isbn"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Category    string `json:"category"`
	Location    string `json:"location"`
	TotalCopies int    `json:"total_copies"`
}

// ItemUpdate holds the descriptive fields to change. Nil fields keep their value.
type ItemUpdate struct {
	ISBN     *string `json:"isbn"`
	Title    *string `json:"title"`
	Author   *string `json:"author"`
	Category *string `json:"category"`
	Location *string `json:"location"`
}

// ItemFilter narrows ListItems. Query matches title, author or ISBN.
type ItemFilter struct {
	Query         string
	Category      string
	Status        Status
	AvailableOnly bool
	Limit         int
	Offset        int
}

// Event payloads recorded in the audit log.
type (
	ItemAddedEvent struct {
		ID          string `json:"id"`
		ISBN        string `json:"isbn"`
		Title       string `json:"title"`
		TotalCopies int    `json:"total_copies"`
	}

	ItemUpdatedEvent struct {
		ID       string `json:"id"`
		ISBN     string `json:"isbn"`
		Title    string `json:"title"`
		Author   string `json:"author"`
		Category string `json:"category"`
		Location string `json:"location"`
	}

	StockAdjustedEvent struct {
		ID           string `json:"id"`
		Delta        int    `json:"delta"`
		NewTotal     int    `json:"new_total"`
		NewAvailable int    `json:"new_available"`
	}

	ItemRetiredEvent struct {
		ID        string `json:"id"`
		OnLoan    int    `json:"on_loan"`
		RetiredAt string `json:"retired_at"`
	}
)

var (
	ErrItemNotFound      = errkind.New(errkind.NotFound, "item_not_found", "item not found")
	ErrNoCopiesAvailable = errkind.New(errkind.PreconditionFailed, "no_copies_available", "no copies available")
	ErrStockUnderflow    = errkind.New(errkind.PreconditionFailed, "stock_underflow", "stock adjustment would leave a negative count")
	ErrItemExists        = errkind.New(errkind.PreconditionFailed, "item_exists", "item already exists")
)
