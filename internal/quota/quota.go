// Package quota enforces monthly token limits per subscription tier.
//
// Enforcement is best effort: a failed read never blocks a request and a failed write
// never fails a completion that was already delivered. Concurrent requests from one
// user can overshoot the limit before the next check observes it.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/seo-llm-proxy/internal/auth"
	"github.com/felipepmaragno/seo-llm-proxy/internal/cost"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/repository"
)

// Limits is monthly tokens per tier.
type Limits map[domain.Tier]int64

func DefaultLimits() Limits {
	return Limits{
		domain.TierFree:     50_000,
		domain.TierStandard: 500_000,
		domain.TierPremium:  2_000_000,
	}
}

// For returns the limit for tier, falling back to the free limit.
func (l Limits) For(tier domain.Tier) int64 {
	if v, ok := l[tier]; ok {
		return v
	}
	return l[domain.TierFree]
}

// UsageSink receives usage records. The usage repository is one; the async queue
// publisher is another.
type UsageSink interface {
	Record(ctx context.Context, record domain.UsageRecord) error
}

type Status struct {
	UserID    string      `json:"user_id"`
	Tier      domain.Tier `json:"tier"`
	Used      int64       `json:"used_tokens"`
	Limit     int64       `json:"limit_tokens"`
	Remaining int64       `json:"remaining_tokens"`
	Period    string      `json:"period"`
}

type Tracker struct {
	profiles repository.ProfileRepository
	usage    repository.UsageRepository
	sink     UsageSink
	limits   Limits
	costs    *cost.Calculator
	monitor  *Monitor
	now      func() time.Time
}

type Option func(*Tracker)

func WithSink(sink UsageSink) Option {
	return func(t *Tracker) { t.sink = sink }
}

func WithMonitor(m *Monitor) Option {
	return func(t *Tracker) { t.monitor = m }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(profiles repository.ProfileRepository, usage repository.UsageRepository, limits Limits, opts ...Option) *Tracker {
	if limits == nil {
		limits = DefaultLimits()
	}
	t := &Tracker{
		profiles: profiles,
		usage:    usage,
		sink:     usage,
		limits:   limits,
		costs:    cost.NewCalculator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Limits() Limits {
	return t.limits
}

// MonthStart is the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// IsAnonymous reports whether userID was derived from a client address. Such callers
// have no profile and are always on the free tier.
func IsAnonymous(userID string) bool {
	return strings.HasPrefix(userID, auth.AnonymousPrefix)
}

// GetTier returns the user's subscription tier, or free when the user is anonymous,
// has no profile, or the lookup fails.
func (t *Tracker) GetTier(ctx context.Context, userID string) domain.Tier {
	if userID == "" || IsAnonymous(userID) {
		return domain.TierFree
	}

	profile, err := t.profiles.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrProfileNotFound) {
			slog.Warn("tier lookup failed, using free tier", "user_id", userID, "error", err)
		}
		return domain.TierFree
	}
	if !profile.Tier.Valid() {
		return domain.TierFree
	}
	return profile.Tier
}

// Profile returns the stored profile, or nil when there is none or it cannot be read.
func (t *Tracker) Profile(ctx context.Context, userID string) *domain.Profile {
	if userID == "" || IsAnonymous(userID) {
		return nil
	}
	profile, err := t.profiles.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrProfileNotFound) {
			slog.Warn("profile lookup failed", "user_id", userID, "error", err)
		}
		return nil
	}
	return profile
}

// HasExceededLimit reports whether this month's usage has reached the tier limit. A
// storage error is logged and reported as not exceeded.
func (t *Tracker) HasExceededLimit(ctx context.Context, userID string, tier domain.Tier) bool {
	used, err := t.usage.SumTokensSince(ctx, userID, MonthStart(t.now()))
	if err != nil {
		slog.Warn("quota check failed, allowing request", "user_id", userID, "error", err)
		return false
	}
	return used >= t.limits.For(tier)
}

func (t *Tracker) Status(ctx context.Context, userID string, tier domain.Tier) (Status, error) {
	start := MonthStart(t.now())
	used, err := t.usage.SumTokensSince(ctx, userID, start)
	if err != nil {
		return Status{}, err
	}

	limit := t.limits.For(tier)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		UserID:    userID,
		Tier:      tier,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		Period:    start.Format("2006-01"),
	}, nil
}

// RecordUsage appends a usage record. Failures are logged and swallowed. The returned
// record is what was (or would have been) written.
func (t *Tracker) RecordUsage(ctx context.Context, userID, model string, provider domain.Provider, promptTokens, completionTokens int, estimated bool) domain.UsageRecord {
	usage := domain.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}

	record := domain.UsageRecord{
		ID:               uuid.NewString(),
		UserID:           userID,
		Model:            model,
		Provider:         string(provider),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      usage.TotalTokens,
		CostUSD:          t.costs.Calculate(model, usage),
		Estimated:        estimated,
		CreatedAt:        t.now().UTC(),
	}

	if err := t.sink.Record(ctx, record); err != nil {
		slog.Error("failed to record usage",
			"user_id", userID,
			"model", model,
			"total_tokens", record.TotalTokens,
			"error", err,
		)
		return record
	}

	if t.monitor != nil {
		tier := t.GetTier(ctx, userID)
		if status, err := t.Status(ctx, userID, tier); err == nil {
			t.monitor.Observe(ctx, status)
		}
	}

	return record
}
