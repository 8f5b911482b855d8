package domain

import "time"

type CampaignStatus string

const (
	CampaignScheduled  CampaignStatus = "SCHEDULED"
	CampaignInProgress CampaignStatus = "IN_PROGRESS"
	CampaignCompleted  CampaignStatus = "COMPLETED"
	CampaignFailed     CampaignStatus = "FAILED"
)

type Campaign struct {
	ID          int64          `db:"id" json:"id"`
	TenantID    int64          `db:"tenant_id" json:"tenantId"`
	Name        string         `db:"name" json:"name"`
	Status      CampaignStatus `db:"status" json:"status"`
	ScheduledAt time.Time      `db:"scheduled_at" json:"scheduledAt"`
	StartedAt   *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updatedAt"`
}

// ExecuteCampaignJob is the payload of a campaign-execute job.
type ExecuteCampaignJob struct {
	CampaignID int64 `json:"campaignId"`
}
