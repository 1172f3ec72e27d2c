package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/quota"
)

type mockSNS struct {
	PublishFunc func(ctx context.Context, in *sns.PublishInput) (*sns.PublishOutput, error)
}

func (m *mockSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, in)
}

func TestSNSNotifier_Send(t *testing.T) {
	var got *sns.PublishInput
	client := &mockSNS{
		PublishFunc: func(_ context.Context, in *sns.PublishInput) (*sns.PublishOutput, error) {
			got = in
			return &sns.PublishOutput{MessageId: aws.String("1")}, nil
		},
	}
	n := NewSNSNotifierWithClient(client, "arn:aws:sns:us-east-1:1:alerts")

	err := n.Send(context.Background(), Notification{Type: NotificationQuotaWarning, UserID: "u1", Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if aws.ToString(got.TopicArn) != "arn:aws:sns:us-east-1:1:alerts" {
		t.Errorf("unexpected topic %q", aws.ToString(got.TopicArn))
	}
	if aws.ToString(got.MessageAttributes["Type"].StringValue) != "quota_warning" {
		t.Errorf("Type attribute = %q", aws.ToString(got.MessageAttributes["Type"].StringValue))
	}
	if aws.ToString(got.MessageAttributes["UserID"].StringValue) != "u1" {
		t.Error("UserID attribute missing")
	}
	if _, ok := got.MessageAttributes["Provider"]; ok {
		t.Error("Provider attribute should be omitted when empty")
	}

	var body Notification
	if err := json.Unmarshal([]byte(aws.ToString(got.Message)), &body); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if body.UserID != "u1" || body.Message != "hi" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestSNSNotifier_SendError(t *testing.T) {
	client := &mockSNS{
		PublishFunc: func(context.Context, *sns.PublishInput) (*sns.PublishOutput, error) {
			return nil, errors.New("denied")
		},
	}
	n := NewSNSNotifierWithClient(client, "arn")

	if err := n.Send(context.Background(), Notification{Type: NotificationProviderDown}); err == nil {
		t.Fatal("expected error")
	}
}

func TestQuotaAlertHandler(t *testing.T) {
	notifier := NewInMemoryNotifier()
	handler := QuotaAlertHandler(notifier)

	handler(context.Background(), quota.Alert{
		UserID:     "u1",
		Tier:       "free",
		Level:      quota.AlertLevelCritical,
		Limit:      100,
		Used:       96,
		Percentage: 96,
		Period:     "2024-05",
	})

	sent := notifier.Notifications()
	if len(sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sent))
	}
	if sent[0].Type != NotificationQuotaCritical {
		t.Errorf("Type = %s, want quota_critical", sent[0].Type)
	}
	if sent[0].UserID != "u1" || sent[0].Data["period"] != "2024-05" {
		t.Errorf("unexpected notification %+v", sent[0])
	}
}

func TestQuotaAlertHandler_WiredToMonitor(t *testing.T) {
	notifier := NewInMemoryNotifier()
	monitor := quota.NewMonitor(quota.DefaultThresholds(), nil)
	monitor.OnAlert(QuotaAlertHandler(notifier))

	monitor.Observe(context.Background(), quota.Status{UserID: "u1", Tier: domain.TierFree, Used: 100, Limit: 100, Period: "2024-05"})

	sent := notifier.Notifications()
	if len(sent) != 1 || sent[0].Type != NotificationQuotaExceeded {
		t.Errorf("unexpected notifications %+v", sent)
	}
}

func TestProviderStateHandler(t *testing.T) {
	notifier := NewInMemoryNotifier()
	handler := ProviderStateHandler(notifier)
	ctx := context.Background()

	handler(ctx, domain.ProviderAnthropic, "closed", "open")
	handler(ctx, domain.ProviderAnthropic, "open", "half-open")
	handler(ctx, domain.ProviderAnthropic, "half-open", "closed")

	sent := notifier.Notifications()
	if len(sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(sent))
	}
	if sent[0].Type != NotificationProviderDown || sent[1].Type != NotificationProviderUp {
		t.Errorf("unexpected types %s, %s", sent[0].Type, sent[1].Type)
	}
	if sent[0].Provider != domain.ProviderAnthropic {
		t.Errorf("Provider = %s", sent[0].Provider)
	}
}
