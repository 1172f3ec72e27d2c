package repository

import (
	"context"
	"testing"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

func TestInMemoryProfileRepository_NotFound(t *testing.T) {
	repo := NewInMemoryProfileRepository()

	_, err := repo.GetProfile(context.Background(), "missing")
	if err != domain.ErrProfileNotFound {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestInMemoryProfileRepository_UpsertAndGet(t *testing.T) {
	repo := NewInMemoryProfileRepository()
	ctx := context.Background()

	profile := &domain.Profile{
		UserID:           "user-1",
		Tier:             domain.TierStandard,
		StripeCustomerID: "cus_123",
		Preferences: domain.Preferences{
			PreferredHosting: domain.HostingLocal,
			APIKeys:          map[domain.Provider]string{domain.ProviderOpenAI: "sk-user"},
		},
	}
	if err := repo.UpsertProfile(ctx, profile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Tier != domain.TierStandard {
		t.Errorf("expected standard tier, got %s", got.Tier)
	}
	if got.Preferences.APIKeys[domain.ProviderOpenAI] != "sk-user" {
		t.Errorf("expected stored key, got %v", got.Preferences.APIKeys)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	// returned profiles are copies
	got.Preferences.APIKeys[domain.ProviderOpenAI] = "mutated"
	again, _ := repo.GetProfile(ctx, "user-1")
	if again.Preferences.APIKeys[domain.ProviderOpenAI] != "sk-user" {
		t.Error("repository state was mutated through a returned profile")
	}

	byCustomer, err := repo.GetByStripeCustomer(ctx, "cus_123")
	if err != nil || byCustomer.UserID != "user-1" {
		t.Errorf("GetByStripeCustomer() = %v, %v", byCustomer, err)
	}
}

func TestInMemoryProfileRepository_SetTier(t *testing.T) {
	repo := NewInMemoryProfileRepository()
	ctx := context.Background()

	if err := repo.SetTier(ctx, "nobody", domain.TierPremium); err != domain.ErrProfileNotFound {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}

	repo.UpsertProfile(ctx, &domain.Profile{UserID: "user-1", Tier: domain.TierFree})
	if err := repo.SetTier(ctx, "user-1", domain.TierPremium); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := repo.GetProfile(ctx, "user-1")
	if got.Tier != domain.TierPremium {
		t.Errorf("expected premium, got %s", got.Tier)
	}
}

func TestInMemoryUsageRepository_SumTokensSince(t *testing.T) {
	repo := NewInMemoryUsageRepository()
	ctx := context.Background()

	monthStart := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	records := []domain.UsageRecord{
		{UserID: "u1", TotalTokens: 100, CreatedAt: monthStart.Add(-time.Hour)},
		{UserID: "u1", TotalTokens: 200, CreatedAt: monthStart},
		{UserID: "u1", TotalTokens: 300, CreatedAt: monthStart.Add(48 * time.Hour)},
		{UserID: "u2", TotalTokens: 1000, CreatedAt: monthStart.Add(time.Hour)},
	}
	for _, r := range records {
		if err := repo.Record(ctx, r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	total, err := repo.SumTokensSince(ctx, "u1", monthStart)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 500 {
		t.Errorf("expected 500 tokens, got %d", total)
	}

	list, _ := repo.ListSince(ctx, "u1", monthStart)
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].TotalTokens != 300 {
		t.Errorf("expected newest record first, got %d", list[0].TotalTokens)
	}
	if list[0].ID == "" {
		t.Error("expected an id to be assigned")
	}
}
