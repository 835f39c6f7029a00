// internal/circulation/implementation_test.go
package circulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libris/internal/catalog"
	"libris/internal/platform/clock"
	"libris/internal/platform/settings"
)

// ----- fakes -----

type fakeStore struct {
	mu    sync.Mutex
	loans map[uuid.UUID]*Loan
	fines map[uuid.UUID]*Fine // keyed by loan id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		loans: make(map[uuid.UUID]*Loan),
		fines: make(map[uuid.UUID]*Fine),
	}
}

func (s *fakeStore) InsertLoan(_ context.Context, loan *Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *loan
	s.loans[loan.ID] = &cp
	return nil
}

func (s *fakeStore) GetLoan(_ context.Context, id uuid.UUID) (*Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loan, ok := s.loans[id]
	if !ok {
		return nil, ErrLoanNotFound
	}
	cp := *loan
	return &cp, nil
}

func (s *fakeStore) CloseLoan(_ context.Context, id uuid.UUID, returnedAt time.Time, status LoanStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loan, ok := s.loans[id]
	if !ok || loan.ReturnedAt != nil {
		return false, nil
	}
	at := returnedAt
	loan.ReturnedAt = &at
	loan.Status = status
	loan.Version++
	return true, nil
}

func (s *fakeStore) RenewLoan(_ context.Context, id uuid.UUID, dueAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loan, ok := s.loans[id]
	if !ok || loan.ReturnedAt != nil || loan.Status != LoanActive || !loan.DueAt.After(now) {
		return false, nil
	}
	loan.DueAt = dueAt
	loan.Version++
	return true, nil
}

func (s *fakeStore) MarkOverdue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flagged := 0
	for _, loan := range s.loans {
		if loan.Status == LoanActive && loan.ReturnedAt == nil && loan.DueAt.Before(now) {
			loan.Status = LoanOverdue
			loan.Version++
			flagged++
		}
	}
	return flagged, nil
}

func (s *fakeStore) ListLoans(_ context.Context, filter LoanFilter) ([]Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Loan
	for _, loan := range s.loans {
		if filter.UserID != nil && loan.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && loan.Status != *filter.Status {
			continue
		}
		out = append(out, *loan)
	}
	return out, nil
}

func (s *fakeStore) InsertFine(_ context.Context, fine *Fine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.fines[fine.LoanID]; exists {
		return ErrDuplicateFine
	}
	cp := *fine
	s.fines[fine.LoanID] = &cp
	return nil
}

func (s *fakeStore) GetFine(_ context.Context, id uuid.UUID) (*Fine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fine := range s.fines {
		if fine.ID == id {
			cp := *fine
			return &cp, nil
		}
	}
	return nil, ErrFineNotFound
}

func (s *fakeStore) GetFineByLoan(_ context.Context, loanID uuid.UUID) (*Fine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fine, ok := s.fines[loanID]
	if !ok {
		return nil, ErrFineNotFound
	}
	cp := *fine
	return &cp, nil
}

func (s *fakeStore) HasUnpaidFines(_ context.Context, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fine := range s.fines {
		if fine.UserID == userID && !fine.IsPaid {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) MarkFinePaid(_ context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fine := range s.fines {
		if fine.ID == id {
			if fine.IsPaid {
				return false, nil
			}
			at := paidAt
			fine.IsPaid = true
			fine.PaidAt = &at
			return true, nil
		}
	}
	return false, nil
}

// fakeAllocator hands out copies under a mutex, mirroring the atomic
// conditional update the real store performs. releaseFails injects
// transient release errors.
type fakeAllocator struct {
	mu           sync.Mutex
	titles       map[uuid.UUID]*catalog.Title
	copies       map[uuid.UUID][]*catalog.Copy // by title
	releaseFails int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{
		titles: make(map[uuid.UUID]*catalog.Title),
		copies: make(map[uuid.UUID][]*catalog.Copy),
	}
}

func (a *fakeAllocator) addTitle(copies int) uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.New()
	a.titles[id] = &catalog.Title{ID: id, Title: "A Title", Author: "An Author"}
	for i := 0; i < copies; i++ {
		a.copies[id] = append(a.copies[id], &catalog.Copy{ID: uuid.New(), TitleID: id, Status: catalog.CopyAvailable})
	}
	return id
}

func (a *fakeAllocator) GetTitle(_ context.Context, id uuid.UUID) (*catalog.Title, *catalog.Availability, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	title, ok := a.titles[id]
	if !ok {
		return nil, nil, catalog.ErrTitleNotFound
	}
	return title, nil, nil
}

func (a *fakeAllocator) Claim(_ context.Context, titleID uuid.UUID) (*catalog.Copy, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.copies[titleID] {
		if c.Status == catalog.CopyAvailable {
			c.Status = catalog.CopyBorrowed
			cp := *c
			return &cp, nil
		}
	}
	return nil, catalog.ErrNoAvailableCopy
}

func (a *fakeAllocator) Release(_ context.Context, copyID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.releaseFails > 0 {
		a.releaseFails--
		return errors.New("connection reset")
	}
	for _, copies := range a.copies {
		for _, c := range copies {
			if c.ID == copyID && c.Status == catalog.CopyBorrowed {
				c.Status = catalog.CopyAvailable
				return nil
			}
		}
	}
	return catalog.ErrCopyNotFound
}

func (a *fakeAllocator) ReleaseStranded(_ context.Context, copyID uuid.UUID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, copies := range a.copies {
		for _, c := range copies {
			if c.ID == copyID && c.Status == catalog.CopyBorrowed {
				c.Status = catalog.CopyAvailable
				return true, nil
			}
		}
	}
	return false, nil
}

func (a *fakeAllocator) CountAvailable(_ context.Context, titleID uuid.UUID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, c := range a.copies[titleID] {
		if c.Status == catalog.CopyAvailable {
			count++
		}
	}
	return count, nil
}

type fakeSettings map[string]string

func defaultSettings() fakeSettings {
	return fakeSettings{
		settings.KeyLoanPeriodDays:       "14",
		settings.KeyLoanPeriodUnit:       "days",
		settings.KeyFineRatePerDay:       "0.5",
		settings.KeyReservationHoldHours: "48",
	}
}

func (f fakeSettings) GetString(_ context.Context, key string) (string, error) {
	v, ok := f[key]
	if !ok {
		return "", settings.ErrMissingKey
	}
	return v, nil
}

func (f fakeSettings) GetInt(ctx context.Context, key string) (int, error) {
	v, err := f.GetString(ctx, key)
	if err != nil {
		return 0, err
	}
	switch v {
	case "14":
		return 14, nil
	case "48":
		return 48, nil
	}
	return 0, nil
}

func (f fakeSettings) GetFloat(ctx context.Context, key string) (float64, error) {
	if _, err := f.GetString(ctx, key); err != nil {
		return 0, err
	}
	return 0.5, nil
}

type nopSideEffects struct{}

func (nopSideEffects) Notify(context.Context, uuid.UUID, string, string, string, uuid.UUID) error {
	return nil
}
func (nopSideEffects) Record(context.Context, uuid.UUID, string, uuid.UUID, any) error { return nil }
func (nopSideEffects) Append(context.Context, uuid.UUID, string, int, string, any) error {
	return nil
}

type countingPromoter struct {
	mu     sync.Mutex
	titles []uuid.UUID
}

func (p *countingPromoter) PromoteNext(_ context.Context, titleID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.titles = append(p.titles, titleID)
	return nil
}

func (p *countingPromoter) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.titles)
}

// ----- harness -----

type harness struct {
	svc       Service
	store     *fakeStore
	allocator *fakeAllocator
	clock     *clock.Fixed
	promoter  *countingPromoter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newFakeStore()
	allocator := newFakeAllocator()
	clk := &clock.Fixed{T: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	side := nopSideEffects{}
	svc := NewService(store, allocator, defaultSettings(), side, side, side, clk)
	promoter := &countingPromoter{}
	svc.SetPromoter(promoter)
	return &harness{svc: svc, store: store, allocator: allocator, clock: clk, promoter: promoter}
}

// ----- tests -----

func TestBorrowComputesDueDate(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(2)
	userID := uuid.New()

	loan, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)

	assert.Equal(t, LoanActive, loan.Status)
	assert.Equal(t, h.clock.T, loan.BorrowedAt)
	assert.Equal(t, h.clock.T.Add(14*24*time.Hour), loan.DueAt)
	assert.Nil(t, loan.ReturnedAt)

	available, _ := h.allocator.CountAvailable(context.Background(), titleID)
	assert.Equal(t, 1, available, "borrowing consumes one copy")
}

func TestBorrowUnknownTitle(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Borrow(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, catalog.ErrTitleNotFound)
}

func TestBorrowNoAvailableCopy(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)

	_, err := h.svc.Borrow(context.Background(), uuid.New(), titleID)
	require.NoError(t, err)

	_, err = h.svc.Borrow(context.Background(), uuid.New(), titleID)
	assert.ErrorIs(t, err, catalog.ErrNoAvailableCopy)
}

func TestConcurrentBorrowLastCopy(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)

	const borrowers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, exhausted := 0, 0

	for i := 0; i < borrowers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Borrow(context.Background(), uuid.New(), titleID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case err == catalog.ErrNoAvailableCopy:
				exhausted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one concurrent borrow wins the last copy")
	assert.Equal(t, borrowers-1, exhausted)
}

func TestReturnOnTime(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)
	userID := uuid.New()

	loan, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)

	h.clock.Advance(7 * 24 * time.Hour)
	result, err := h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, LoanReturned, result.Loan.Status)
	assert.NotNil(t, result.Loan.ReturnedAt)
	assert.Nil(t, result.Fine, "no fine for an on-time return")

	available, _ := h.allocator.CountAvailable(context.Background(), titleID)
	assert.Equal(t, 1, available, "return frees the copy")
	assert.Equal(t, 1, h.promoter.calls(), "return always pokes the queue")
}

func TestReturnLateAssessesFine(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)
	userID := uuid.New()

	loan, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)

	h.clock.Advance(20 * 24 * time.Hour) // due at day 14, returned day 20
	result, err := h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, LoanOverdue, result.Loan.Status, "late close keeps overdue for history")
	require.NotNil(t, result.Fine)
	assert.Equal(t, 3.00, result.Fine.Amount)
	assert.Equal(t, userID, result.Fine.UserID)
	assert.False(t, result.Fine.IsPaid)
}

func TestReturnIsIdempotent(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)

	loan, err := h.svc.Borrow(context.Background(), uuid.New(), titleID)
	require.NoError(t, err)

	h.clock.Advance(20 * 24 * time.Hour)
	first, err := h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.NoError(t, err)
	require.NotNil(t, first.Fine)

	h.clock.Advance(time.Hour)
	second, err := h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, first.Loan.ReturnedAt, second.Loan.ReturnedAt, "second close mutates nothing")
	assert.Equal(t, first.Fine.ID, second.Fine.ID, "same fine handed back")
	assert.Equal(t, first.Fine.Amount, second.Fine.Amount)

	available, _ := h.allocator.CountAvailable(context.Background(), titleID)
	assert.Equal(t, 1, available, "copy released exactly once")
	assert.Equal(t, 1, h.promoter.calls(), "queue poked exactly once")
}

// A release that fails after the loan closed strands the copy as
// borrowed with no open loan. Retrying the return must free it, promote
// the queue and assess the fine the first attempt never got to.
func TestReturnRetryFreesStrandedCopy(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)
	userID := uuid.New()

	loan, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)

	h.clock.Advance(20 * 24 * time.Hour)
	h.allocator.releaseFails = 1
	_, err = h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.Error(t, err)

	available, _ := h.allocator.CountAvailable(context.Background(), titleID)
	require.Zero(t, available, "copy is stranded after the failed release")
	assert.Zero(t, h.promoter.calls())

	result, err := h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.NoError(t, err)

	available, _ = h.allocator.CountAvailable(context.Background(), titleID)
	assert.Equal(t, 1, available, "copy is lendable again after a successful retry")
	assert.Equal(t, 1, h.promoter.calls(), "retry promotes the queue the first attempt missed")
	require.NotNil(t, result.Fine, "retry assesses the fine the first attempt missed")
	assert.Equal(t, 3.00, result.Fine.Amount)

	// A further retry changes nothing.
	again, err := h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, result.Fine.ID, again.Fine.ID)
	assert.Equal(t, 1, h.promoter.calls())
}

// staleReadStore serves a pinned snapshot from GetLoan while mutations
// hit the real state, standing in for a sweep flagging the loan overdue
// between the service's checks and its update.
type staleReadStore struct {
	*fakeStore
	stale *Loan
}

func (s *staleReadStore) GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error) {
	if s.stale != nil && s.stale.ID == id {
		cp := *s.stale
		return &cp, nil
	}
	return s.fakeStore.GetLoan(ctx, id)
}

func TestRenewLosesRaceWithOverdueSweep(t *testing.T) {
	inner := newFakeStore()
	store := &staleReadStore{fakeStore: inner}
	allocator := newFakeAllocator()
	clk := &clock.Fixed{T: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	side := nopSideEffects{}
	svc := NewService(store, allocator, defaultSettings(), side, side, side, clk)
	svc.SetPromoter(&countingPromoter{})

	titleID := allocator.addTitle(1)
	userID := uuid.New()
	loan, err := svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)

	// The sweep flags the loan overdue; the renew still reads the stale
	// active row and passes every service-level check.
	inner.mu.Lock()
	inner.loans[loan.ID].Status = LoanOverdue
	inner.mu.Unlock()
	store.stale = loan

	_, err = svc.Renew(context.Background(), loan.ID, userID)
	assert.ErrorIs(t, err, ErrLoanOverdue)

	current, err := inner.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.DueAt, current.DueAt, "the conditional update refused the stale renew")
}

func TestReturnUnknownLoan(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Return(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestRenewRecomputesDueDate(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)
	userID := uuid.New()

	loan, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)

	h.clock.Advance(5 * 24 * time.Hour)
	renewed, err := h.svc.Renew(context.Background(), loan.ID, userID)
	require.NoError(t, err)

	assert.Equal(t, h.clock.T.Add(14*24*time.Hour), renewed.DueAt, "due date restarts from now")
}

func TestRenewOnlyByBorrower(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)

	loan, err := h.svc.Borrow(context.Background(), uuid.New(), titleID)
	require.NoError(t, err)

	_, err = h.svc.Renew(context.Background(), loan.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotBorrower)
}

func TestRenewAfterReturn(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)
	userID := uuid.New()

	loan, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)
	_, err = h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.NoError(t, err)

	_, err = h.svc.Renew(context.Background(), loan.ID, userID)
	assert.ErrorIs(t, err, ErrAlreadyReturned)
}

func TestRenewPastDue(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)
	userID := uuid.New()

	loan, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)

	h.clock.Advance(15 * 24 * time.Hour)
	_, err = h.svc.Renew(context.Background(), loan.ID, userID)
	assert.ErrorIs(t, err, ErrLoanOverdue)
}

func TestRenewBlockedByUnpaidFine(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(2)
	userID := uuid.New()

	// First loan comes back late and leaves an unpaid fine.
	late, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)
	h.clock.Advance(20 * 24 * time.Hour)
	result, err := h.svc.Return(context.Background(), late.ID, uuid.New())
	require.NoError(t, err)
	require.NotNil(t, result.Fine)

	loan, err := h.svc.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)

	_, err = h.svc.Renew(context.Background(), loan.ID, userID)
	assert.ErrorIs(t, err, ErrUnpaidFines)

	// Settling the fine unblocks renewal.
	_, err = h.svc.PayFine(context.Background(), result.Fine.ID, uuid.New())
	require.NoError(t, err)
	_, err = h.svc.Renew(context.Background(), loan.ID, userID)
	assert.NoError(t, err)
}

func TestPayFineTwice(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(1)

	loan, err := h.svc.Borrow(context.Background(), uuid.New(), titleID)
	require.NoError(t, err)
	h.clock.Advance(20 * 24 * time.Hour)
	result, err := h.svc.Return(context.Background(), loan.ID, uuid.New())
	require.NoError(t, err)
	require.NotNil(t, result.Fine)

	paid, err := h.svc.PayFine(context.Background(), result.Fine.ID, uuid.New())
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
	assert.Equal(t, result.Fine.Amount, paid.Amount, "payment never changes the amount")

	_, err = h.svc.PayFine(context.Background(), result.Fine.ID, uuid.New())
	assert.ErrorIs(t, err, ErrFineAlreadyPaid)
}

func TestMarkOverdueLoans(t *testing.T) {
	h := newHarness(t)
	titleID := h.allocator.addTitle(2)

	first, err := h.svc.Borrow(context.Background(), uuid.New(), titleID)
	require.NoError(t, err)
	_, err = h.svc.Borrow(context.Background(), uuid.New(), titleID)
	require.NoError(t, err)

	h.clock.Advance(15 * 24 * time.Hour)
	flagged, err := h.svc.MarkOverdueLoans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, flagged)

	loan, err := h.store.GetLoan(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, LoanOverdue, loan.Status)
	assert.Nil(t, loan.ReturnedAt, "flagging does not close the loan")

	// Immediate second pass finds nothing left to flag.
	flagged, err = h.svc.MarkOverdueLoans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, flagged)
}
