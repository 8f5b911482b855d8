package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

// Client calls the messaging provider's send endpoint.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	apiVersion string
}

type errorEnvelope struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

func NewClient(cfg environments.ProviderConfig) *Client {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: strings.Trim(cfg.APIVersion, "/"),
	}
}

// SendMessage posts payload for the sending number routingID. Non-2xx
// answers come back as *domain.ProviderError.
func (c *Client) SendMessage(ctx context.Context, routingID, accessToken string, payload any) (*domain.ProviderResponse, error) {
	var result domain.ProviderResponse
	var apiErr errorEnvelope

	url := c.MessagesURL(routingID)
	startTime := time.Now()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetBody(payload).
		SetResult(&result).
		SetError(&apiErr).
		Post(url)

	duration := time.Since(startTime)

	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	logger.Debugf("Provider request to %s completed in %v (status: %d)", url, duration, resp.StatusCode())

	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		pe := &domain.ProviderError{
			StatusCode: resp.StatusCode(),
			Message:    apiErr.Error.Message,
			Type:       apiErr.Error.Type,
			Code:       apiErr.Error.Code,
			Subcode:    apiErr.Error.ErrorSubcode,
			TraceID:    apiErr.Error.FBTraceID,
			RoutingID:  routingID,
		}
		if pe.Message == "" {
			pe.Message = strings.TrimSpace(resp.String())
		}
		return nil, pe
	}

	return &result, nil
}

func (c *Client) MessagesURL(routingID string) string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, routingID)
}
