package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrMessageNotFound        = errors.New("message not found")
	ErrCampaignNotFound       = errors.New("campaign not found")
	ErrCredentialNotFound     = errors.New("credential not found")
	ErrTenantNotFound         = errors.New("tenant not found")
	ErrTenantSuspended        = errors.New("tenant is suspended")
	ErrTenantCancelled        = errors.New("tenant is cancelled")
	ErrAlreadyProcessed       = errors.New("already processed")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrUnsupportedMessageType = errors.New("unsupported message type")
)

// CredentialInvalidError is returned when a credential exists but has been
// flagged invalid. Reason carries the stored invalidation reason.
type CredentialInvalidError struct {
	RoutingID string
	Reason    string
}

func (e *CredentialInvalidError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("credential for %s is invalid", e.RoutingID)
	}
	return fmt.Sprintf("credential for %s is invalid: %s", e.RoutingID, e.Reason)
}

// RateLimitedError is returned when a tenant bucket has no tokens left.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Key, e.RetryAfter)
}

// ProviderError describes a non-2xx answer from the messaging provider.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       int
	Subcode    int
	TraceID    string
	// RoutingID is the sending number the failed call was made for.
	RoutingID string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

// IsAuthFailure reports whether the provider rejected the credential itself.
func (e *ProviderError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// AsProviderError unwraps err into a *ProviderError.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
