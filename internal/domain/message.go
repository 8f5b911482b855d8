package domain

import (
	"encoding/json"
	"time"
)

type MessageStatus string

const (
	StatusPending MessageStatus = "PENDING"
	StatusSent    MessageStatus = "SENT"
	StatusFailed  MessageStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

type MessageType string

const (
	MessageTypeText     MessageType = "TEXT"
	MessageTypeImage    MessageType = "IMAGE"
	MessageTypeVideo    MessageType = "VIDEO"
	MessageTypeAudio    MessageType = "AUDIO"
	MessageTypeDocument MessageType = "DOCUMENT"
	MessageTypeTemplate MessageType = "TEMPLATE"
)

// MessageTypes lists every type the dispatcher must be able to deliver.
var MessageTypes = []MessageType{
	MessageTypeText,
	MessageTypeImage,
	MessageTypeVideo,
	MessageTypeAudio,
	MessageTypeDocument,
	MessageTypeTemplate,
}

type Message struct {
	ID                int64            `db:"id" json:"id"`
	TenantID          int64            `db:"tenant_id" json:"tenantId"`
	CampaignID        *int64           `db:"campaign_id" json:"campaignId,omitempty"`
	Direction         MessageDirection `db:"direction" json:"direction"`
	Type              MessageType      `db:"type" json:"type"`
	Content           json.RawMessage  `db:"content" json:"content"`
	RoutingID         string           `db:"routing_id" json:"routingId"`
	Recipient         string           `db:"recipient" json:"recipient"`
	Status            MessageStatus    `db:"status" json:"status"`
	ProviderMessageID *string          `db:"provider_message_id" json:"providerMessageId,omitempty"`
	ErrorMessage      *string          `db:"error_message" json:"errorMessage,omitempty"`
	SentAt            *time.Time       `db:"sent_at" json:"sentAt,omitempty"`
	FailedAt          *time.Time       `db:"failed_at" json:"failedAt,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updatedAt"`
}

// TextContent is the content shape of a TEXT message.
type TextContent struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"previewUrl,omitempty"`
}

// MediaContent is shared by IMAGE, VIDEO, AUDIO and DOCUMENT messages.
// Either Link or MediaID must be set; Caption is ignored for audio and
// Filename only applies to documents.
type MediaContent struct {
	Link     string `json:"link,omitempty"`
	MediaID  string `json:"mediaId,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// TemplateContent references a pre-approved provider template.
type TemplateContent struct {
	Name             string   `json:"name"`
	Language         string   `json:"language"`
	HeaderParameters []string `json:"headerParameters,omitempty"`
	BodyParameters   []string `json:"bodyParameters,omitempty"`
	ButtonParameters []string `json:"buttonParameters,omitempty"`
}

// SendMessageJob is the payload of a message-send job.
type SendMessageJob struct {
	MessageID int64 `json:"messageId"`
	TenantID  int64 `json:"tenantId"`
}

// ProviderResponse is the provider's answer to a successful send.
type ProviderResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MessageID returns the first provider-assigned message id, if any.
func (r *ProviderResponse) MessageID() string {
	if r == nil || len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}
