package domain

import "time"

// Event types published on the fan-out channel.
const (
	EventMessageSent          = "message.sent"
	EventMessageFailed        = "message.failed"
	EventCampaignClaimed      = "campaign.claimed"
	EventCampaignCompleted    = "campaign.completed"
	EventCredentialInvalidate = "credential.invalidated"
	EventWebhookStatus        = "webhook.status"
)

type Event struct {
	Type     string    `json:"type"`
	TenantID int64     `json:"tenantId,omitempty"`
	Data     any       `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}
