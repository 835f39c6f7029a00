// internal/platform/settings/settings.go
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Circulation policy keys. A missing key is a configuration error, not
// something to paper over with a per-call default.
const (
	KeyLoanPeriodDays       = "LOAN_PERIOD_DAYS"
	KeyLoanPeriodUnit       = "LOAN_PERIOD_UNIT"
	KeyFineRatePerDay       = "FINE_RATE_PER_DAY"
	KeyReservationHoldHours = "RESERVATION_HOLD_HOURS"
)

var ErrMissingKey = errors.New("setting key not configured")

// Store fetches raw setting values by key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore returns a Store backed by the settings table.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// Provider caches settings in memory. Invalidation is an explicit call,
// not a module-level mutable map.
type Provider struct {
	store Store

	mu    sync.RWMutex
	cache map[string]string
}

func NewProvider(store Store) *Provider {
	return &Provider{
		store: store,
		cache: make(map[string]string),
	}
}

func (p *Provider) GetString(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	value, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return value, nil
	}

	value, err := p.store.Get(ctx, key)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cache[key] = value
	p.mu.Unlock()
	return value, nil
}

func (p *Provider) GetInt(ctx context.Context, key string) (int, error) {
	raw, err := p.GetString(ctx, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", key, err)
	}
	return value, nil
}

func (p *Provider) GetFloat(ctx context.Context, key string) (float64, error) {
	raw, err := p.GetString(ctx, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not a number: %w", key, err)
	}
	return value, nil
}

// Invalidate drops the cached value for key so the next read hits the store.
func (p *Provider) Invalidate(key string) {
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
}
