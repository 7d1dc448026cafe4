package domain

import "time"

type WebhookEventStatus string

const (
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	WebhookEventStatusProcessed  WebhookEventStatus = "processed"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
)

// WebhookEvent is the durable inbox record for one provider notification.
// The (provider, event_key) pair is unique; a redelivery of the same key
// must never re-run business effects.
type WebhookEvent struct {
	ID          string
	Provider    string
	EventKey    string
	Status      WebhookEventStatus
	Payload     []byte
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	LastError   string
}
