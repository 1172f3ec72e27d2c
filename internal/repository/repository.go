package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*domain.Profile, error)
	UpsertProfile(ctx context.Context, profile *domain.Profile) error
	SetTier(ctx context.Context, userID string, tier domain.Tier) error
}

// UsageRepository is an append-only log of usage records.
type UsageRepository interface {
	Record(ctx context.Context, record domain.UsageRecord) error
	SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error)
	ListSince(ctx context.Context, userID string, since time.Time) ([]domain.UsageRecord, error)
}

type InMemoryProfileRepository struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
}

func NewInMemoryProfileRepository() *InMemoryProfileRepository {
	return &InMemoryProfileRepository{
		profiles: make(map[string]domain.Profile),
	}
}

func (r *InMemoryProfileRepository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[userID]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	return cloneProfile(p), nil
}

func (r *InMemoryProfileRepository) GetByStripeCustomer(ctx context.Context, customerID string) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.profiles {
		if customerID != "" && p.StripeCustomerID == customerID {
			return cloneProfile(p), nil
		}
	}
	return nil, domain.ErrProfileNotFound
}

func (r *InMemoryProfileRepository) UpsertProfile(ctx context.Context, profile *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	p := *cloneProfile(*profile)
	if existing, ok := r.profiles[p.UserID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.profiles[p.UserID] = p
	return nil
}

func (r *InMemoryProfileRepository) SetTier(ctx context.Context, userID string, tier domain.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[userID]
	if !ok {
		return domain.ErrProfileNotFound
	}
	p.Tier = tier
	p.UpdatedAt = time.Now().UTC()
	r.profiles[userID] = p
	return nil
}

func cloneProfile(p domain.Profile) *domain.Profile {
	if p.Preferences.APIKeys != nil {
		keys := make(map[domain.Provider]string, len(p.Preferences.APIKeys))
		for k, v := range p.Preferences.APIKeys {
			keys[k] = v
		}
		p.Preferences.APIKeys = keys
	}
	return &p
}

type InMemoryUsageRepository struct {
	mu      sync.RWMutex
	records []domain.UsageRecord
}

func NewInMemoryUsageRepository() *InMemoryUsageRepository {
	return &InMemoryUsageRepository{}
}

func (r *InMemoryUsageRepository) Record(ctx context.Context, record domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.records = append(r.records, record)
	return nil
}

func (r *InMemoryUsageRepository) SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, rec := range r.records {
		if rec.UserID == userID && !rec.CreatedAt.Before(since) {
			total += int64(rec.TotalTokens)
		}
	}
	return total, nil
}

// ListSince returns the user's records newest first.
func (r *InMemoryUsageRepository) ListSince(ctx context.Context, userID string, since time.Time) ([]domain.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.UsageRecord
	for _, rec := range r.records {
		if rec.UserID == userID && !rec.CreatedAt.Before(since) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
