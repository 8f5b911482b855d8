package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

func newTestClient(url string) *Client {
	return NewClient(environments.ProviderConfig{
		BaseURL:    url,
		APIVersion: "v21.0",
		Timeout:    2 * time.Second,
	})
}

func TestSendMessage_Success(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"+905551234567","wa_id":"905551234567"}],"messages":[{"id":"wamid.HBgM"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.SendMessage(context.Background(), "1065", "secret-token", map[string]string{"to": "+905551234567"})

	require.NoError(t, err)
	assert.Equal(t, "wamid.HBgM", resp.MessageID())
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "/v21.0/1065/messages", gotPath)
	assert.Equal(t, "+905551234567", gotBody["to"])
}

func TestSendMessage_ParsesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Error validating access token: Session has expired","type":"OAuthException","code":190,"error_subcode":463,"fbtrace_id":"AbC"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.SendMessage(context.Background(), "1065", "expired", map[string]string{})

	pe, ok := domain.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.True(t, pe.IsAuthFailure())
	assert.Equal(t, "Error validating access token: Session has expired", pe.Message)
	assert.Equal(t, 190, pe.Code)
	assert.Equal(t, 463, pe.Subcode)
	assert.Equal(t, "1065", pe.RoutingID)
}

func TestSendMessage_NonJSONErrorKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).SendMessage(context.Background(), "1065", "t", map[string]string{})

	pe, ok := domain.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, pe.StatusCode)
	assert.False(t, pe.IsAuthFailure())
	assert.Equal(t, "upstream unavailable", pe.Message)
}

func TestMessagesURL_TrimsSlashes(t *testing.T) {
	c := NewClient(environments.ProviderConfig{BaseURL: "https://graph.facebook.com/", APIVersion: "/v21.0/"})

	assert.Equal(t, "https://graph.facebook.com/v21.0/42/messages", c.MessagesURL("42"))
}
