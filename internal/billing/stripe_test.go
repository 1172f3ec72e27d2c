package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/repository"
)

type fakeSource struct {
	subs  map[string][]*stripe.Subscription
	err   error
	calls int
}

func (f *fakeSource) Subscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.subs[customerID], nil
}

func sub(status stripe.SubscriptionStatus, priceIDs ...string) *stripe.Subscription {
	items := &stripe.SubscriptionItemList{}
	for _, id := range priceIDs {
		items.Data = append(items.Data, &stripe.SubscriptionItem{Price: &stripe.Price{ID: id}})
	}
	return &stripe.Subscription{Status: status, Items: items}
}

var plan = PricePlan{
	Standard: []string{"price_std_month", "price_std_year"},
	Premium:  []string{"price_pro_month"},
}

func TestPricePlan_TierFor(t *testing.T) {
	tests := []struct {
		name string
		subs []*stripe.Subscription
		want domain.Tier
	}{
		{"no subscriptions", nil, domain.TierFree},
		{"standard", []*stripe.Subscription{sub(stripe.SubscriptionStatusActive, "price_std_year")}, domain.TierStandard},
		{"trialing premium", []*stripe.Subscription{sub(stripe.SubscriptionStatusTrialing, "price_pro_month")}, domain.TierPremium},
		{"canceled premium", []*stripe.Subscription{sub(stripe.SubscriptionStatusCanceled, "price_pro_month")}, domain.TierFree},
		{"past due standard", []*stripe.Subscription{sub(stripe.SubscriptionStatusPastDue, "price_std_month")}, domain.TierFree},
		{"unknown price", []*stripe.Subscription{sub(stripe.SubscriptionStatusActive, "price_addon")}, domain.TierFree},
		{"highest wins", []*stripe.Subscription{
			sub(stripe.SubscriptionStatusActive, "price_std_month"),
			sub(stripe.SubscriptionStatusActive, "price_addon", "price_pro_month"),
		}, domain.TierPremium},
		{"nil items", []*stripe.Subscription{{Status: stripe.SubscriptionStatusActive}}, domain.TierFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, plan.TierFor(tt.subs))
		})
	}
}

func seedProfiles(t *testing.T) *repository.InMemoryProfileRepository {
	t.Helper()
	profiles := repository.NewInMemoryProfileRepository()
	ctx := context.Background()
	require.NoError(t, profiles.UpsertProfile(ctx, &domain.Profile{UserID: "u1", Tier: domain.TierFree, StripeCustomerID: "cus_1"}))
	require.NoError(t, profiles.UpsertProfile(ctx, &domain.Profile{UserID: "u2", Tier: domain.TierPremium}))
	return profiles
}

func TestTierSyncer_Sync(t *testing.T) {
	profiles := seedProfiles(t)
	source := &fakeSource{subs: map[string][]*stripe.Subscription{
		"cus_1": {sub(stripe.SubscriptionStatusActive, "price_std_month")},
	}}
	s := NewTierSyncer(profiles, source, plan)
	ctx := context.Background()

	tier, err := s.Sync(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierStandard, tier)

	p, err := profiles.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierStandard, p.Tier)

	source.subs["cus_1"] = nil
	tier, err = s.SyncCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, tier)

	p, err = profiles.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, p.Tier)
}

func TestTierSyncer_NoCustomer(t *testing.T) {
	profiles := seedProfiles(t)
	source := &fakeSource{}
	s := NewTierSyncer(profiles, source, plan)

	_, err := s.Sync(context.Background(), "u2")
	require.ErrorIs(t, err, ErrNoCustomer)
	assert.Zero(t, source.calls)

	p, err := profiles.GetProfile(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.TierPremium, p.Tier, "manual tier must survive")
}

func TestTierSyncer_Errors(t *testing.T) {
	profiles := seedProfiles(t)
	ctx := context.Background()

	_, err := NewTierSyncer(profiles, &fakeSource{}, plan).Sync(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	_, err = NewTierSyncer(profiles, &fakeSource{}, plan).SyncCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	stripeDown := errors.New("stripe unavailable")
	_, err = NewTierSyncer(profiles, &fakeSource{err: stripeDown}, plan).Sync(ctx, "u1")
	assert.ErrorIs(t, err, stripeDown)
}

func TestNewStripeSubscriptions_RequiresKey(t *testing.T) {
	_, err := NewStripeSubscriptions("")
	assert.Error(t, err)

	s, err := NewStripeSubscriptions("sk_test_123")
	require.NoError(t, err)
	assert.NotNil(t, s.client)
}
