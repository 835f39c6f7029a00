// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service. The Claim,
// Release and CountAvailable methods form the copy allocator consumed by
// circulation and reservation.
type Service interface {
	AddTitle(ctx context.Context, actorID uuid.UUID, title, author, category string, copies int) (*Title, error)
	GetTitle(ctx context.Context, id uuid.UUID) (*Title, *Availability, error)
	RemoveTitle(ctx context.Context, actorID, id uuid.UUID) error
	ReportCopy(ctx context.Context, actorID, copyID uuid.UUID, status CopyStatus) (*Copy, error)

	Claim(ctx context.Context, titleID uuid.UUID) (*Copy, error)
	Release(ctx context.Context, copyID uuid.UUID) error
	ReleaseStranded(ctx context.Context, copyID uuid.UUID) (bool, error)
	CountAvailable(ctx context.Context, titleID uuid.UUID) (int, error)
}
