package domain

import "time"

type TenantStatus string

const (
	TenantActive    TenantStatus = "ACTIVE"
	TenantTrial     TenantStatus = "TRIAL"
	TenantSuspended TenantStatus = "SUSPENDED"
	TenantCancelled TenantStatus = "CANCELLED"
)

type Tenant struct {
	ID        int64        `db:"id" json:"id"`
	Name      string       `db:"name" json:"name"`
	Status    TenantStatus `db:"status" json:"status"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time    `db:"updated_at" json:"updatedAt"`
}

// Credential is a tenant's provider access for one sending number.
// AccessToken holds ciphertext and is never serialized.
type Credential struct {
	ID             int64      `db:"id" json:"id"`
	TenantID       int64      `db:"tenant_id" json:"tenantId"`
	RoutingID      string     `db:"routing_id" json:"routingId"`
	DisplayNumber  string     `db:"display_number" json:"displayNumber"`
	AccessToken    string     `db:"access_token" json:"-"`
	IsValid        bool       `db:"is_valid" json:"isValid"`
	InvalidReason  *string    `db:"invalid_reason" json:"invalidReason,omitempty"`
	InvalidatedAt  *time.Time `db:"invalidated_at" json:"invalidatedAt,omitempty"`
	QualityRating  *string    `db:"quality_rating" json:"qualityRating,omitempty"`
	MessagingLimit *string    `db:"messaging_limit" json:"messagingLimit,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// WebhookJob is the payload of a webhook-processing job.
type WebhookJob struct {
	RoutingID  string    `json:"routingId"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// StatusCallback is a single delivery status reported by the provider.
type StatusCallback struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// WebhookNotification is the envelope the provider posts to the webhook endpoint.
type WebhookNotification struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Metadata         struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Statuses []StatusCallback `json:"statuses,omitempty"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}
