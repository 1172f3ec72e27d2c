// Package notifications publishes operational events (quota alerts, provider outages)
// to an SNS topic that billing and support subscribe to.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/quota"
)

type NotificationType string

const (
	NotificationQuotaWarning  NotificationType = "quota_warning"
	NotificationQuotaCritical NotificationType = "quota_critical"
	NotificationQuotaExceeded NotificationType = "quota_exceeded"
	NotificationProviderDown  NotificationType = "provider_down"
	NotificationProviderUp    NotificationType = "provider_up"
)

type Notification struct {
	Type     NotificationType `json:"type"`
	UserID   string           `json:"user_id,omitempty"`
	Provider domain.Provider  `json:"provider,omitempty"`
	Message  string           `json:"message"`
	Data     map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// SNSAPI is the subset of the SNS client the notifier uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   SNSAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn)
}

func NewSNSNotifierWithClient(client SNSAPI, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.UserID != "" {
		input.MessageAttributes["UserID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.UserID),
		}
	}
	if notification.Provider != "" {
		input.MessageAttributes["Provider"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(string(notification.Provider)),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"user_id", notification.UserID,
		"provider", notification.Provider,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

var alertTypes = map[quota.AlertLevel]NotificationType{
	quota.AlertLevelWarning:  NotificationQuotaWarning,
	quota.AlertLevelCritical: NotificationQuotaCritical,
	quota.AlertLevelExceeded: NotificationQuotaExceeded,
}

// QuotaAlertHandler forwards quota alerts to notifier. Send failures are logged.
func QuotaAlertHandler(notifier Notifier) quota.AlertHandler {
	return func(ctx context.Context, alert quota.Alert) {
		n := Notification{
			Type:    alertTypes[alert.Level],
			UserID:  alert.UserID,
			Message: fmt.Sprintf("%s has used %.0f%% of the %s tier quota for %s", alert.UserID, alert.Percentage, alert.Tier, alert.Period),
			Data: map[string]any{
				"tier":   alert.Tier,
				"limit":  alert.Limit,
				"used":   alert.Used,
				"period": alert.Period,
			},
		}
		if err := notifier.Send(ctx, n); err != nil {
			slog.Error("failed to send quota alert", "user_id", alert.UserID, "level", alert.Level, "error", err)
		}
	}
}

// ProviderStateHandler reports provider outages and recoveries. from and to are
// circuit breaker state names.
func ProviderStateHandler(notifier Notifier) func(ctx context.Context, provider domain.Provider, from, to string) {
	return func(ctx context.Context, provider domain.Provider, from, to string) {
		var typ NotificationType
		switch to {
		case "open":
			typ = NotificationProviderDown
		case "closed":
			typ = NotificationProviderUp
		default:
			return
		}
		n := Notification{
			Type:     typ,
			Provider: provider,
			Message:  fmt.Sprintf("provider %s circuit %s -> %s", provider, from, to),
		}
		if err := notifier.Send(ctx, n); err != nil {
			slog.Error("failed to send provider notification", "provider", provider, "error", err)
		}
	}
}
