// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"libris/internal/platform/clock"
)

// Journal appends domain events best-effort; failures are logged by the
// caller and never change an operation's outcome.
type Journal interface {
	Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, eventType string, payload any) error
}

// Auditor records staff actions best-effort.
type Auditor interface {
	Record(ctx context.Context, subjectID uuid.UUID, action string, actorID uuid.UUID, details any) error
}

// service implements the Service interface.
type service struct {
	store   Store
	journal Journal
	audit   Auditor
	clock   clock.Clock
}

// NewService creates a new catalog service instance.
func NewService(store Store, journal Journal, audit Auditor, clk clock.Clock) Service {
	return &service{
		store:   store,
		journal: journal,
		audit:   audit,
		clock:   clk,
	}
}

// AddTitle creates a title with the given number of available copies.
func (s *service) AddTitle(ctx context.Context, actorID uuid.UUID, titleName, author, category string, copies int) (*Title, error) {
	if titleName == "" || author == "" {
		return nil, fmt.Errorf("%w: title and author are required", ErrInvalidInput)
	}
	if copies <= 0 {
		return nil, fmt.Errorf("%w: copies must be positive", ErrInvalidInput)
	}

	title := &Title{
		ID:        uuid.New(),
		Title:     titleName,
		Author:    author,
		Category:  category,
		Version:   1,
		CreatedAt: s.clock.Now(),
	}

	if err := s.store.InsertTitle(ctx, title, copies); err != nil {
		return nil, fmt.Errorf("add title: %w", err)
	}

	s.appendEvent(ctx, title.ID, 0, "TitleAdded", TitleAddedEvent{
		ID:     title.ID,
		Title:  title.Title,
		Author: title.Author,
		Copies: copies,
	})
	s.record(ctx, title.ID, "catalog.title_added", actorID, title)

	return title, nil
}

func (s *service) GetTitle(ctx context.Context, id uuid.UUID) (*Title, *Availability, error) {
	title, err := s.store.GetTitle(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	availability, err := s.store.Availability(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return title, availability, nil
}

func (s *service) RemoveTitle(ctx context.Context, actorID, id uuid.UUID) error {
	title, err := s.store.GetTitle(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.DeleteTitle(ctx, id); err != nil {
		return err
	}

	s.appendEvent(ctx, id, title.Version, "TitleRemoved", TitleRemovedEvent{ID: id})
	s.record(ctx, id, "catalog.title_removed", actorID, title)
	return nil
}

func (s *service) ReportCopy(ctx context.Context, actorID, copyID uuid.UUID, status CopyStatus) (*Copy, error) {
	if status != CopyLost && status != CopyDamaged {
		return nil, fmt.Errorf("%w: copy can only be reported lost or damaged", ErrInvalidInput)
	}

	copy, err := s.store.SetCopyStatus(ctx, copyID, status)
	if err != nil {
		return nil, err
	}

	s.record(ctx, copyID, "catalog.copy_reported", actorID, copy)
	return copy, nil
}

func (s *service) Claim(ctx context.Context, titleID uuid.UUID) (*Copy, error) {
	return s.store.ClaimCopy(ctx, titleID)
}

func (s *service) Release(ctx context.Context, copyID uuid.UUID) error {
	return s.store.ReleaseCopy(ctx, copyID)
}

func (s *service) ReleaseStranded(ctx context.Context, copyID uuid.UUID) (bool, error) {
	return s.store.ReleaseStrandedCopy(ctx, copyID)
}

func (s *service) CountAvailable(ctx context.Context, titleID uuid.UUID) (int, error) {
	return s.store.CountAvailable(ctx, titleID)
}

func (s *service) appendEvent(ctx context.Context, aggregateID uuid.UUID, expectedVersion int, eventType string, payload any) {
	if err := s.journal.Append(ctx, aggregateID, "title", expectedVersion, eventType, payload); err != nil {
		log.Printf("Failed to journal %s for title %s: %v", eventType, aggregateID, err)
	}
}

func (s *service) record(ctx context.Context, subjectID uuid.UUID, action string, actorID uuid.UUID, details any) {
	if err := s.audit.Record(ctx, subjectID, action, actorID, details); err != nil {
		log.Printf("Failed to audit %s for %s: %v", action, subjectID, err)
	}
}
