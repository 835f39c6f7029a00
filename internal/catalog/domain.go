// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// CopyStatus is the lifecycle state of one physical copy.
type CopyStatus string

const (
	CopyAvailable CopyStatus = "available"
	CopyBorrowed  CopyStatus = "borrowed"
	CopyLost      CopyStatus = "lost"
	CopyDamaged   CopyStatus = "damaged"
)

var (
	ErrTitleNotFound   = errors.New("title not found")
	ErrCopyNotFound    = errors.New("copy not found")
	ErrNoAvailableCopy = errors.New("no available copy for title")
	ErrCopyOnLoan      = errors.New("copy has an open loan")
	ErrInvalidInput    = errors.New("invalid input")
)

// Title is a catalog entry that may have multiple physical copies.
type Title struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	Author    string    `json:"author" db:"author"`
	Category  string    `json:"category" db:"category"`
	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Copy is one independently lendable unit of a title. Its status is
// mutated only through the allocator's conditional updates.
type Copy struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	TitleID   uuid.UUID  `json:"title_id" db:"title_id"`
	Status    CopyStatus `json:"status" db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Availability summarizes copy counts for a title.
type Availability struct {
	Total     int `json:"total" db:"total"`
	Available int `json:"available" db:"available"`
}

// TitleAddedEvent is journaled when a new title enters the catalog.
type TitleAddedEvent struct {
	ID     uuid.UUID `json:"id"`
	Title  string    `json:"title"`
	Author string    `json:"author"`
	Copies int       `json:"copies"`
}

// TitleRemovedEvent is journaled when a title is retired.
type TitleRemovedEvent struct {
	ID uuid.UUID `json:"id"`
}
