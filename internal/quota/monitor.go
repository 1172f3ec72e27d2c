package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	UserID     string
	Tier       string
	Level      AlertLevel
	Limit      int64
	Used       int64
	Percentage float64
	Period     string
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor raises an alert the first time a user crosses each threshold in a month.
type Monitor struct {
	mu         sync.RWMutex
	thresholds Thresholds
	dedup      AlertDeduplicator
	handlers   []AlertHandler
}

func NewMonitor(thresholds Thresholds, dedup AlertDeduplicator) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		thresholds: thresholds,
		dedup:      dedup,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Monitor) level(ratio float64) (AlertLevel, bool) {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded, true
	case ratio >= m.thresholds.Critical:
		return AlertLevelCritical, true
	case ratio >= m.thresholds.Warning:
		return AlertLevelWarning, true
	default:
		return "", false
	}
}

// Observe evaluates status and dispatches at most one alert. It returns the alert
// that was dispatched, if any.
func (m *Monitor) Observe(ctx context.Context, status Status) *Alert {
	if status.Limit <= 0 {
		return nil
	}

	subject := status.UserID + ":" + status.Period
	ratio := float64(status.Used) / float64(status.Limit)

	level, ok := m.level(ratio)
	if !ok {
		m.dedup.ClearAlert(ctx, subject)
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, subject, level) {
		return nil
	}

	alert := Alert{
		UserID:     status.UserID,
		Tier:       string(status.Tier),
		Level:      level,
		Limit:      status.Limit,
		Used:       status.Used,
		Percentage: ratio * 100,
		Period:     status.Period,
		Timestamp:  time.Now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, alert)
	}

	return &alert
}

func LogAlertHandler(_ context.Context, alert Alert) {
	slog.Warn("quota alert",
		"user_id", alert.UserID,
		"tier", alert.Tier,
		"level", alert.Level,
		"limit", alert.Limit,
		"used", alert.Used,
		"percentage", alert.Percentage,
	)
}
