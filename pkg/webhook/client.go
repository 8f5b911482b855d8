package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

// Alert is the body posted to the operator alert webhook.
type Alert struct {
	Alert               string    `json:"alert"`
	Source              string    `json:"source"`
	RunNumber           int64     `json:"runNumber"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Message             string    `json:"message"`
	Timestamp           time.Time `json:"timestamp"`
}

// Client posts operational alerts to an external webhook.
type Client struct {
	httpClient *resty.Client
	webhookURL string
}

func NewWebhookClient(cfg environments.SchedulerConfig) *Client {
	client := resty.New().
		SetTimeout(cfg.AlertTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.AlertAuthKey != "" {
		client.SetHeader("x-ins-auth-key", cfg.AlertAuthKey)
	}

	return &Client{
		httpClient: client,
		webhookURL: cfg.AlertWebhookURL,
	}
}

func (c *Client) SendAlert(ctx context.Context, alert Alert) error {
	startTime := time.Now()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(alert).
		Post(c.webhookURL)

	duration := time.Since(startTime)

	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}

	logger.Infof("Alert request to %s completed in %v (status: %d)", c.webhookURL, duration, resp.StatusCode())

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("alert webhook returned status %d, body: %s", resp.StatusCode(), resp.String())
	}
}

func (c *Client) GetURL() string {
	return c.webhookURL
}
