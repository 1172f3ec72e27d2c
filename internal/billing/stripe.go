// Package billing keeps profile tiers in line with Stripe subscriptions.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

var ErrNoCustomer = errors.New("profile has no stripe customer")

// SubscriptionSource lists a customer's subscriptions.
type SubscriptionSource interface {
	Subscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

type StripeSubscriptions struct {
	client *client.API
}

func NewStripeSubscriptions(apiKey string) (*StripeSubscriptions, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}

	sc := &client.API{}
	sc.Init(apiKey, nil)

	return &StripeSubscriptions{client: sc}, nil
}

func (s *StripeSubscriptions) Subscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.Filters.AddFilter("customer", "", customerID)

	i := s.client.Subscriptions.List(params)
	subs := make([]*stripe.Subscription, 0)
	for i.Next() {
		subs = append(subs, i.Subscription())
	}

	if err := i.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}
	return subs, nil
}

// PricePlan maps Stripe price IDs to tiers. Prices not listed grant nothing.
type PricePlan struct {
	Standard []string
	Premium  []string
}

// TierFor returns the highest tier granted by any live subscription item.
func (p PricePlan) TierFor(subs []*stripe.Subscription) domain.Tier {
	tier := domain.TierFree
	for _, sub := range subs {
		if sub == nil || !live(sub.Status) || sub.Items == nil {
			continue
		}
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if t := p.tierForPrice(item.Price.ID); t.Rank() > tier.Rank() {
				tier = t
			}
		}
	}
	return tier
}

func (p PricePlan) tierForPrice(priceID string) domain.Tier {
	switch {
	case slices.Contains(p.Premium, priceID):
		return domain.TierPremium
	case slices.Contains(p.Standard, priceID):
		return domain.TierStandard
	default:
		return domain.TierFree
	}
}

func live(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*domain.Profile, error)
	SetTier(ctx context.Context, userID string, tier domain.Tier) error
}

type TierSyncer struct {
	profiles ProfileStore
	source   SubscriptionSource
	plan     PricePlan
}

func NewTierSyncer(profiles ProfileStore, source SubscriptionSource, plan PricePlan) *TierSyncer {
	return &TierSyncer{profiles: profiles, source: source, plan: plan}
}

// Sync recomputes the user's tier from their subscriptions and stores it.
func (s *TierSyncer) Sync(ctx context.Context, userID string) (domain.Tier, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.apply(ctx, profile)
}

// SyncCustomer is Sync keyed by Stripe customer id.
func (s *TierSyncer) SyncCustomer(ctx context.Context, customerID string) (domain.Tier, error) {
	profile, err := s.profiles.GetByStripeCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	return s.apply(ctx, profile)
}

func (s *TierSyncer) apply(ctx context.Context, profile *domain.Profile) (domain.Tier, error) {
	if profile.StripeCustomerID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCustomer, profile.UserID)
	}

	subs, err := s.source.Subscriptions(ctx, profile.StripeCustomerID)
	if err != nil {
		return "", err
	}

	tier := s.plan.TierFor(subs)
	if tier == profile.Tier {
		return tier, nil
	}

	if err := s.profiles.SetTier(ctx, profile.UserID, tier); err != nil {
		return "", fmt.Errorf("set tier: %w", err)
	}

	slog.Info("tier synced from billing",
		"user_id", profile.UserID,
		"from", profile.Tier,
		"to", tier,
	)
	return tier, nil
}
