package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
)

type fakeCampaignStore struct {
	mu        sync.Mutex
	campaigns map[int64]*domain.Campaign
}

func (s *fakeCampaignStore) GetByID(ctx context.Context, id int64) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCampaignStore) MarkCompleted(ctx context.Context, id int64, completedAt time.Time) (bool, error) {
	return s.transition(id, domain.CampaignCompleted, completedAt), nil
}

func (s *fakeCampaignStore) MarkFailed(ctx context.Context, id int64, failedAt time.Time) (bool, error) {
	return s.transition(id, domain.CampaignFailed, failedAt), nil
}

func (s *fakeCampaignStore) transition(id int64, to domain.CampaignStatus, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != domain.CampaignInProgress {
		return false
	}
	c.Status = to
	c.CompletedAt = &at
	return true
}

func (s *fakeCampaignStore) status(id int64) domain.CampaignStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaigns[id].Status
}

type failingEnqueuer struct{ err error }

func (f failingEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts queue.Options) (queue.Handle, error) {
	return queue.Handle{}, f.err
}

func campaignMessages(campaignID int64, ids ...int64) []domain.Message {
	msgs := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		m := textMessage(id)
		cid := campaignID
		m.CampaignID = &cid
		msgs = append(msgs, m)
	}
	return msgs
}

type executorFixture struct {
	campaigns *fakeCampaignStore
	messages  *fakeMessageStore
	creds     *fakeCredentials
	backend   *queue.MemoryBackend
	events    *recordingPublisher
	executor  *CampaignExecutor
}

func newExecutorFixture(t *testing.T, status domain.CampaignStatus, msgs ...domain.Message) *executorFixture {
	t.Helper()
	f := &executorFixture{
		campaigns: &fakeCampaignStore{campaigns: map[int64]*domain.Campaign{
			42: {ID: 42, TenantID: 7, Name: "spring sale", Status: status},
		}},
		messages: newFakeMessageStore(msgs...),
		creds: &fakeCredentials{
			tenants: map[int64]*domain.Tenant{7: {ID: 7, Status: domain.TenantActive}},
		},
		backend: queue.NewMemoryBackend(),
		events:  &recordingPublisher{},
	}
	f.executor = NewCampaignExecutor(f.campaigns, f.messages, f.creds, queue.New(f.backend, 3), f.events)
	return f
}

func TestExecute_EnqueuesPendingMessagesAndCompletes(t *testing.T) {
	msgs := campaignMessages(42, 1, 2, 3)
	sent := textMessage(4)
	cid := int64(42)
	sent.CampaignID = &cid
	sent.Status = domain.StatusSent
	msgs = append(msgs, sent)

	f := newExecutorFixture(t, domain.CampaignInProgress, msgs...)

	require.NoError(t, f.executor.Execute(context.Background(), 42))

	stats, err := f.backend.Stats(context.Background(), queue.MessageSend)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Waiting)
	assert.Equal(t, domain.CampaignCompleted, f.campaigns.status(42))
	assert.Equal(t, []string{domain.EventCampaignCompleted}, f.events.types())
}

func TestExecute_RedeliveryDoesNotDoubleEnqueue(t *testing.T) {
	f := newExecutorFixture(t, domain.CampaignInProgress, campaignMessages(42, 1, 2)...)
	jobs := queue.New(f.backend, 3)

	// Simulate a crash between enqueue and completion: the first message job
	// is already waiting when the campaign job is redelivered.
	_, err := jobs.Enqueue(context.Background(), queue.MessageSend,
		domain.SendMessageJob{MessageID: 1, TenantID: 7}, queue.Options{StableID: MessageJobID(1)})
	require.NoError(t, err)

	require.NoError(t, f.executor.Execute(context.Background(), 42))

	stats, err := f.backend.Stats(context.Background(), queue.MessageSend)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
}

func TestExecute_SkipsCampaignNotInProgress(t *testing.T) {
	f := newExecutorFixture(t, domain.CampaignCompleted, campaignMessages(42, 1)...)

	require.NoError(t, f.executor.Execute(context.Background(), 42))

	stats, err := f.backend.Stats(context.Background(), queue.MessageSend)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Empty(t, f.events.types())
}

func TestExecute_MissingCampaignIsFatal(t *testing.T) {
	f := newExecutorFixture(t, domain.CampaignInProgress)

	err := f.executor.Execute(context.Background(), 999)

	assert.True(t, queue.IsFatal(err))
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
}

func TestExecute_SuspendedTenantFailsCampaign(t *testing.T) {
	f := newExecutorFixture(t, domain.CampaignInProgress, campaignMessages(42, 1)...)
	f.creds.tenants[7].Status = domain.TenantSuspended

	err := f.executor.Execute(context.Background(), 42)

	assert.True(t, queue.IsFatal(err))
	assert.ErrorIs(t, err, domain.ErrTenantSuspended)
	assert.Equal(t, domain.CampaignFailed, f.campaigns.status(42))
}

func TestHandleJob_FinalAttemptMarksCampaignFailed(t *testing.T) {
	f := newExecutorFixture(t, domain.CampaignInProgress, campaignMessages(42, 1)...)
	f.executor.jobs = failingEnqueuer{err: errors.New("valkey: connection refused")}

	job := &queue.Job{
		ID:          "campaign-42",
		Queue:       queue.CampaignExecute,
		Payload:     []byte(`{"campaignId":42}`),
		Attempt:     1,
		MaxAttempts: 2,
	}

	err := f.executor.HandleJob(context.Background(), job)
	require.Error(t, err)
	assert.False(t, queue.IsFatal(err))
	assert.Equal(t, domain.CampaignInProgress, f.campaigns.status(42), "non-final attempt keeps the campaign running")

	job.Attempt = 2
	require.Error(t, f.executor.HandleJob(context.Background(), job))
	assert.Equal(t, domain.CampaignFailed, f.campaigns.status(42))
}
