package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
)

func newDispatchFixture(msgs ...domain.Message) (*DispatchService, *queue.MemoryBackend, *fakeCredentials) {
	creds := &fakeCredentials{
		tenants: map[int64]*domain.Tenant{7: {ID: 7, Status: domain.TenantActive}},
	}
	backend := queue.NewMemoryBackend()
	return NewDispatchService(newFakeMessageStore(msgs...), creds, queue.New(backend, 3)), backend, creds
}

func TestSendMessage_CoalescesRepeatedRequests(t *testing.T) {
	svc, backend, _ := newDispatchFixture(textMessage(1))

	first, err := svc.SendMessage(context.Background(), 1, 0)
	require.NoError(t, err)
	second, err := svc.SendMessage(context.Background(), 1, 0)
	require.NoError(t, err)

	assert.Equal(t, "message-1", first.ID)
	assert.False(t, first.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Duplicate)

	stats, err := backend.Stats(context.Background(), queue.MessageSend)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestSendMessage_Rejections(t *testing.T) {
	sent := textMessage(2)
	sent.Status = domain.StatusSent

	svc, _, creds := newDispatchFixture(textMessage(1), sent)

	_, err := svc.SendMessage(context.Background(), 99, 0)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	_, err = svc.SendMessage(context.Background(), 2, 0)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	creds.tenants[7].Status = domain.TenantSuspended
	_, err = svc.SendMessage(context.Background(), 1, 0)
	assert.ErrorIs(t, err, domain.ErrTenantSuspended)
}

func TestIngestWebhook_QueuesRawBody(t *testing.T) {
	svc, backend, _ := newDispatchFixture()

	h, err := svc.IngestWebhook(context.Background(), testRoutingID, []byte(statusWebhook))
	require.NoError(t, err)
	assert.Equal(t, queue.WebhookProcessing, h.Queue)

	job, err := backend.Claim(context.Background(), queue.WebhookProcessing, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	var payload domain.WebhookJob
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, testRoutingID, payload.RoutingID)
	assert.JSONEq(t, statusWebhook, string(payload.Body))
}
