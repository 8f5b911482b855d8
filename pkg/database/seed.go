package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

// Encrypter turns a plaintext access token into its stored form.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

const (
	seedRoutingID = "106540352242922"
	seedNumber    = "+15550783881"
)

// SeedTestData creates a demo tenant with one credential, a handful of
// PENDING messages of every type and a campaign that is already due.
func SeedTestData(db *sqlx.DB, enc Encrypter, accessToken string) error {
	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM tenants"); err != nil {
		return err
	}

	if count > 0 {
		logger.Infof("Database already has %d tenants, skipping seed", count)
		return nil
	}

	token, err := enc.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt seed token: %w", err)
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec("INSERT INTO tenants (name, status) VALUES (?, 'ACTIVE')", "Acme Retail")
	if err != nil {
		return fmt.Errorf("failed to seed tenant: %w", err)
	}
	tenantID, _ := res.LastInsertId()

	if _, err := tx.Exec(
		"INSERT INTO provider_credentials (tenant_id, routing_id, display_number, access_token) VALUES (?, ?, ?, ?)",
		tenantID, seedRoutingID, seedNumber, token,
	); err != nil {
		return fmt.Errorf("failed to seed credential: %w", err)
	}

	res, err = tx.Exec(
		"INSERT INTO campaigns (tenant_id, name, status, scheduled_at) VALUES (?, ?, 'SCHEDULED', ?)",
		tenantID, "Spring sale", time.Now().Add(-time.Minute),
	)
	if err != nil {
		return fmt.Errorf("failed to seed campaign: %w", err)
	}
	campaignID, _ := res.LastInsertId()

	seedMessages := []struct {
		campaign bool
		kind     domain.MessageType
		content  any
		to       string
	}{
		{false, domain.MessageTypeText, domain.TextContent{Body: "Your verification code is 123456"}, "+905551234567"},
		{false, domain.MessageTypeImage, domain.MediaContent{Link: "https://example.com/banner.png", Caption: "New arrivals"}, "+905559876543"},
		{false, domain.MessageTypeDocument, domain.MediaContent{Link: "https://example.com/invoice.pdf", Filename: "invoice.pdf"}, "+905551112233"},
		{true, domain.MessageTypeTemplate, domain.TemplateContent{Name: "spring_sale", Language: "en_US", BodyParameters: []string{"Ayse", "20%"}}, "+905554445566"},
		{true, domain.MessageTypeTemplate, domain.TemplateContent{Name: "spring_sale", Language: "en_US", BodyParameters: []string{"Mehmet", "20%"}}, "+905557778899"},
		{true, domain.MessageTypeText, domain.TextContent{Body: "Spring sale starts now!", PreviewURL: true}, "+905552223344"},
	}

	for _, m := range seedMessages {
		content, err := json.Marshal(m.content)
		if err != nil {
			return err
		}
		var cid *int64
		if m.campaign {
			cid = &campaignID
		}
		if _, err := tx.Exec(
			`INSERT INTO messages (tenant_id, campaign_id, direction, type, content, routing_id, recipient, status)
			 VALUES (?, ?, 'outbound', ?, ?, ?, ?, 'PENDING')`,
			tenantID, cid, m.kind, content, seedRoutingID, m.to,
		); err != nil {
			return fmt.Errorf("failed to seed test data: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Infof("Seeded tenant %d with %d messages and campaign %d", tenantID, len(seedMessages), campaignID)
	return nil
}
