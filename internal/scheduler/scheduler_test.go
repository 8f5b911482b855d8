package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
	"github.com/onurcolak/insider-dispatch-service/pkg/webhook"
)

//
// Test fakes – only for this file.
//

// fakeCampaigns mimics the conditional UPDATE of the repository: Claim only
// succeeds for a SCHEDULED campaign.
type fakeCampaigns struct {
	mu        sync.Mutex
	campaigns map[int64]*domain.Campaign
	listErr   error
	claimErr  error
	reverts   []int64
}

func newFakeCampaigns(campaigns ...domain.Campaign) *fakeCampaigns {
	f := &fakeCampaigns{campaigns: map[int64]*domain.Campaign{}}
	for i := range campaigns {
		c := campaigns[i]
		f.campaigns[c.ID] = &c
	}
	return f
}

func (f *fakeCampaigns) GetByID(ctx context.Context, id int64) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaigns) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var due []domain.Campaign
	for _, c := range f.campaigns {
		if c.Status == domain.CampaignScheduled && !c.ScheduledAt.After(now) && len(due) < limit {
			due = append(due, *c)
		}
	}
	return due, nil
}

func (f *fakeCampaigns) Claim(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	c, ok := f.campaigns[id]
	if !ok || c.Status != domain.CampaignScheduled {
		return false, nil
	}
	c.Status = domain.CampaignInProgress
	c.StartedAt = &startedAt
	return true, nil
}

func (f *fakeCampaigns) Revert(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts = append(f.reverts, id)
	if c, ok := f.campaigns[id]; ok && c.Status == domain.CampaignInProgress {
		c.Status = domain.CampaignScheduled
		c.StartedAt = nil
	}
	return nil
}

func (f *fakeCampaigns) get(id int64) domain.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.campaigns[id]
}

type enqueueCall struct {
	queue string
	opts  queue.Options
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	err   error
	calls []enqueueCall
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts queue.Options) (queue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueueCall{queue: queueName, opts: opts})
	if f.err != nil {
		return queue.Handle{}, f.err
	}
	return queue.Handle{ID: opts.StableID, Queue: queueName}, nil
}

type fakeAlerter struct {
	sent chan webhook.Alert
}

func (f *fakeAlerter) SendAlert(ctx context.Context, alert webhook.Alert) error {
	f.sent <- alert
	return nil
}

func dueCampaign(id int64) domain.Campaign {
	return domain.Campaign{
		ID:          id,
		TenantID:    7,
		Name:        "spring sale",
		Status:      domain.CampaignScheduled,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
}

//
// Tests
//

func TestClaimDue_EnqueuesWithStableID(t *testing.T) {
	store := newFakeCampaigns(dueCampaign(42))
	jobs := &fakeEnqueuer{}
	s := NewScheduler(store, jobs, nil, nil, Config{Interval: time.Minute})

	claimed, err := s.ClaimDue(context.Background())
	if err != nil {
		t.Fatalf("ClaimDue returned error: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("expected 1 claimed campaign, got %d", claimed)
	}

	if len(jobs.calls) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(jobs.calls))
	}
	if jobs.calls[0].queue != queue.CampaignExecute {
		t.Errorf("expected queue %s, got %s", queue.CampaignExecute, jobs.calls[0].queue)
	}
	if jobs.calls[0].opts.StableID != "campaign-42" {
		t.Errorf("expected stable id campaign-42, got %q", jobs.calls[0].opts.StableID)
	}

	got := store.get(42)
	if got.Status != domain.CampaignInProgress || got.StartedAt == nil {
		t.Errorf("expected IN_PROGRESS with startedAt, got %s / %v", got.Status, got.StartedAt)
	}
}

func TestClaimDue_ConcurrentSchedulersHaveOneWinner(t *testing.T) {
	store := newFakeCampaigns(dueCampaign(1))
	backend := queue.NewMemoryBackend()
	jobs := queue.New(backend, 3)

	const instances = 8
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < instances; i++ {
		s := NewScheduler(store, jobs, nil, nil, Config{Interval: time.Minute})
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			n, err := s.ClaimDue(context.Background())
			if err != nil {
				t.Errorf("ClaimDue returned error: %v", err)
			}
			wins.Add(int64(n))
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}

	stats, err := backend.Stats(context.Background(), queue.CampaignExecute)
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if stats.Waiting != 1 {
		t.Errorf("expected one campaign-execute job, got %d", stats.Waiting)
	}
}

func TestClaimDue_EnqueueFailureReverts(t *testing.T) {
	store := newFakeCampaigns(dueCampaign(5))
	jobs := &fakeEnqueuer{err: errors.New("valkey: connection refused")}
	s := NewScheduler(store, jobs, nil, nil, Config{Interval: time.Minute})

	claimed, err := s.ClaimDue(context.Background())
	if err == nil {
		t.Fatalf("expected error from ClaimDue")
	}
	if claimed != 0 {
		t.Errorf("expected 0 claimed, got %d", claimed)
	}

	got := store.get(5)
	if got.Status != domain.CampaignScheduled {
		t.Errorf("expected campaign back to SCHEDULED, got %s", got.Status)
	}
	if got.StartedAt != nil {
		t.Errorf("expected startedAt cleared, got %v", got.StartedAt)
	}
	if len(store.reverts) != 1 || store.reverts[0] != 5 {
		t.Errorf("expected one revert of campaign 5, got %v", store.reverts)
	}

	// The next pass picks it up again once the queue recovers.
	jobs.err = nil
	claimed, err = s.ClaimDue(context.Background())
	if err != nil || claimed != 1 {
		t.Fatalf("expected retry to claim 1 campaign, got %d / %v", claimed, err)
	}
}

func TestClaimDue_SkipsFutureCampaigns(t *testing.T) {
	future := dueCampaign(9)
	future.ScheduledAt = time.Now().Add(time.Hour)
	store := newFakeCampaigns(future)
	jobs := &fakeEnqueuer{}
	s := NewScheduler(store, jobs, nil, nil, Config{Interval: time.Minute})

	claimed, err := s.ClaimDue(context.Background())
	if err != nil {
		t.Fatalf("ClaimDue returned error: %v", err)
	}
	if claimed != 0 || len(jobs.calls) != 0 {
		t.Errorf("expected nothing claimed, got %d claimed / %d enqueues", claimed, len(jobs.calls))
	}
}

func TestDispatchCampaign(t *testing.T) {
	future := dueCampaign(3)
	future.ScheduledAt = time.Now().Add(time.Hour)
	store := newFakeCampaigns(future)
	jobs := &fakeEnqueuer{}
	s := NewScheduler(store, jobs, nil, nil, Config{Interval: time.Minute})

	h, err := s.DispatchCampaign(context.Background(), 3)
	if err != nil {
		t.Fatalf("DispatchCampaign returned error: %v", err)
	}
	if h.ID != "campaign-3" {
		t.Errorf("expected handle campaign-3, got %s", h.ID)
	}

	if _, err := s.DispatchCampaign(context.Background(), 3); !errors.Is(err, ErrCampaignNotScheduled) {
		t.Errorf("expected ErrCampaignNotScheduled on second dispatch, got %v", err)
	}
	if _, err := s.DispatchCampaign(context.Background(), 404); !errors.Is(err, domain.ErrCampaignNotFound) {
		t.Errorf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestTick_AlertsAfterConsecutiveFailures(t *testing.T) {
	store := newFakeCampaigns()
	store.listErr = errors.New("db: connection refused")
	alerts := &fakeAlerter{sent: make(chan webhook.Alert, 1)}
	s := NewScheduler(store, &fakeEnqueuer{}, nil, alerts, Config{Interval: time.Minute, AlertThreshold: 2})

	s.tick(context.Background())
	if got := s.GetStatus().ConsecutiveFailing; got != 1 {
		t.Fatalf("expected ConsecutiveFailing=1, got %d", got)
	}

	s.tick(context.Background())

	select {
	case alert := <-alerts.sent:
		if alert.ConsecutiveFailures != 2 || alert.RunNumber != 2 {
			t.Errorf("unexpected alert: %+v", alert)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an alert after 2 failed runs")
	}

	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()
	s.tick(context.Background())
	if got := s.GetStatus().ConsecutiveFailing; got != 0 {
		t.Errorf("expected counter reset after a good run, got %d", got)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := newFakeCampaigns(dueCampaign(1))
	s := NewScheduler(store, &fakeEnqueuer{}, nil, nil, Config{Interval: time.Hour})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if !s.IsRunning() {
		t.Fatalf("expected scheduler to be running")
	}

	// The first pass runs immediately on start.
	deadline := time.Now().Add(time.Second)
	for s.GetStatus().RunsCount == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if s.IsRunning() {
		t.Errorf("expected scheduler to be stopped")
	}

	status := s.GetStatus()
	if status.RunsCount != 1 || status.CampaignsClaimed != 1 {
		t.Errorf("expected 1 run with 1 claim, got %+v", status)
	}
	if !status.NextRunAt.IsZero() {
		t.Errorf("expected no next run when stopped")
	}
}
