package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/pubsub"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
	"github.com/onurcolak/insider-dispatch-service/pkg/webhook"
)

// campaignClaimer is the slice of the campaign repository the scheduler
// needs. Claim must be a conditional update so that exactly one caller wins.
type campaignClaimer interface {
	GetByID(ctx context.Context, id int64) (*domain.Campaign, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)
	Claim(ctx context.Context, id int64, startedAt time.Time) (bool, error)
	Revert(ctx context.Context, id int64) error
}

type enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.Options) (queue.Handle, error)
}

// Alerter receives a notification after repeated failed runs.
type Alerter interface {
	SendAlert(ctx context.Context, alert webhook.Alert) error
}

var ErrCampaignNotScheduled = errors.New("campaign is not scheduled")

// CampaignJobID is the stable id of the campaign-execute job for campaignID.
func CampaignJobID(campaignID int64) string {
	return fmt.Sprintf("campaign-%d", campaignID)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// AlertThreshold is the number of consecutive failed runs before an
	// alert is sent. Zero disables alerting.
	AlertThreshold int
}

// Scheduler claims due campaigns and hands them to the campaign-execute
// queue. Several schedulers may run against the same store; the claim
// guarantees a campaign is enqueued by one of them only.
type Scheduler struct {
	campaigns campaignClaimer
	jobs      enqueuer
	events    pubsub.Publisher
	alerts    Alerter

	interval       time.Duration
	batchSize      int
	alertThreshold int
	now            func() time.Time

	// Internal state
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
	mu       sync.RWMutex

	// Statistics
	lastRunAt          time.Time
	campaignsClaimed   int64
	runsCount          int64
	lastAlertSentAt    time.Time
	consecutiveFailing int
}

func NewScheduler(campaigns campaignClaimer, jobs enqueuer, events pubsub.Publisher, alerts Alerter, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if events == nil {
		events = pubsub.Nop{}
	}
	return &Scheduler{
		campaigns:      campaigns,
		jobs:           jobs,
		events:         events,
		alerts:         alerts,
		interval:       cfg.Interval,
		batchSize:      cfg.BatchSize,
		alertThreshold: cfg.AlertThreshold,
		now:            time.Now,
	}
}

// StartWithInterval restarts the loop on a new interval. Used by the admin API.
func (s *Scheduler) StartWithInterval(ctx context.Context, interval time.Duration) error {
	if interval > 0 {
		s.mu.Lock()
		s.interval = interval
		s.consecutiveFailing = 0
		s.mu.Unlock()
	}
	return s.Start(ctx)
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.running {
		s.mu.Unlock()
		logger.Warnf("Scheduler is already running")
		return nil
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	interval := s.interval
	s.mu.Unlock()

	logger.Infof("Starting campaign scheduler with interval: %v", interval)

	go s.run(ctx, interval)

	return nil
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration) {
	defer close(s.doneChan)

	s.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)

		case <-s.stopChan:
			logger.Warnf("Scheduler received stop signal")
			return

		case <-ctx.Done():
			logger.Warnf("Scheduler context cancelled")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

// tick runs one claim pass and returns the number of campaigns this
// instance enqueued.
func (s *Scheduler) tick(ctx context.Context) int {
	s.mu.Lock()
	s.lastRunAt = s.now()
	s.runsCount++
	runNumber := s.runsCount
	s.mu.Unlock()

	claimed, err := s.ClaimDue(ctx)
	if err != nil {
		logger.Errorf("[Run #%d] Campaign scheduling failed: %v", runNumber, err)
	} else if claimed > 0 {
		logger.Infof("[Run #%d] Claimed %d campaigns", runNumber, claimed)
	} else {
		logger.Debugf("[Run #%d] No due campaigns", runNumber)
	}

	s.recordRun(ctx, runNumber, err)
	return claimed
}

// ClaimDue lists due campaigns, claims each one and enqueues its execute
// job. A campaign claimed by another instance is skipped. Per-campaign
// errors do not stop the pass; they are joined into the returned error.
func (s *Scheduler) ClaimDue(ctx context.Context) (int, error) {
	due, err := s.campaigns.ListDue(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due campaigns: %w", err)
	}

	claimed := 0
	var errs []error
	for i := range due {
		ok, err := s.dispatch(ctx, &due[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			claimed++
		}
	}

	s.mu.Lock()
	s.campaignsClaimed += int64(claimed)
	s.mu.Unlock()

	return claimed, errors.Join(errs...)
}

// DispatchCampaign claims and enqueues a single campaign regardless of its
// scheduled time. It fails with ErrCampaignNotScheduled when the campaign has
// already been claimed.
func (s *Scheduler) DispatchCampaign(ctx context.Context, campaignID int64) (queue.Handle, error) {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return queue.Handle{}, err
	}
	if campaign == nil {
		return queue.Handle{}, fmt.Errorf("campaign %d: %w", campaignID, domain.ErrCampaignNotFound)
	}

	ok, err := s.dispatch(ctx, campaign)
	if err != nil {
		return queue.Handle{}, err
	}
	if !ok {
		return queue.Handle{}, fmt.Errorf("campaign %d: %w", campaignID, ErrCampaignNotScheduled)
	}

	s.mu.Lock()
	s.campaignsClaimed++
	s.mu.Unlock()

	return queue.Handle{ID: CampaignJobID(campaignID), Queue: queue.CampaignExecute}, nil
}

// dispatch returns false when another caller won the claim.
func (s *Scheduler) dispatch(ctx context.Context, campaign *domain.Campaign) (bool, error) {
	startedAt := s.now()

	won, err := s.campaigns.Claim(ctx, campaign.ID, startedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim campaign %d: %w", campaign.ID, err)
	}
	if !won {
		logger.Debugf("Campaign %d already claimed elsewhere", campaign.ID)
		return false, nil
	}

	_, err = s.jobs.Enqueue(ctx, queue.CampaignExecute,
		domain.ExecuteCampaignJob{CampaignID: campaign.ID},
		queue.Options{StableID: CampaignJobID(campaign.ID)},
	)
	if err != nil {
		// Hand the campaign back so the next pass can pick it up again.
		if rerr := s.campaigns.Revert(context.WithoutCancel(ctx), campaign.ID); rerr != nil {
			logger.Errorf("Campaign %d is stuck IN_PROGRESS: enqueue failed (%v) and revert failed: %v", campaign.ID, err, rerr)
		}
		return false, fmt.Errorf("failed to enqueue campaign %d: %w", campaign.ID, err)
	}

	logger.Infof("Campaign %d (%s) claimed and queued for execution", campaign.ID, campaign.Name)
	s.events.Publish(ctx, domain.Event{
		Type:     domain.EventCampaignClaimed,
		TenantID: campaign.TenantID,
		Data:     map[string]any{"campaignId": campaign.ID, "jobId": CampaignJobID(campaign.ID)},
		Time:     startedAt,
	})

	return true, nil
}

func (s *Scheduler) recordRun(ctx context.Context, runNumber int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		if s.consecutiveFailing > 0 {
			logger.Debugf("[Run #%d] Resetting consecutive failure count (was: %d)", runNumber, s.consecutiveFailing)
		}
		s.consecutiveFailing = 0
		return
	}

	s.consecutiveFailing++
	logger.Warnf("[Run #%d] Run failed (consecutive count: %d/%d)", runNumber, s.consecutiveFailing, s.alertThreshold)

	if s.alerts != nil && s.alertThreshold > 0 && s.consecutiveFailing >= s.alertThreshold {
		go s.sendAlert(context.WithoutCancel(ctx), runNumber, s.consecutiveFailing, err)
	}
}

func (s *Scheduler) sendAlert(ctx context.Context, runNumber int64, consecutiveFailures int, cause error) {
	alert := webhook.Alert{
		Alert:               "consecutive_run_failures",
		Source:              "campaign-scheduler",
		RunNumber:           runNumber,
		ConsecutiveFailures: consecutiveFailures,
		Message:             fmt.Sprintf("Campaign scheduling failed %d times in a row: %v", consecutiveFailures, cause),
		Timestamp:           s.now(),
	}

	if err := s.alerts.SendAlert(ctx, alert); err != nil {
		logger.Errorf("Failed to send scheduler alert: %v", err)
		return
	}

	s.mu.Lock()
	s.lastAlertSentAt = s.now()
	s.mu.Unlock()
	logger.Infof("Scheduler alert sent (consecutive failures: %d)", consecutiveFailures)
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		logger.Warnf("Scheduler is not running")
		return nil
	}

	s.running = false
	stopChan := s.stopChan
	doneChan := s.doneChan
	s.mu.Unlock()

	// Send stop signal
	close(stopChan)

	// Wait for goroutine to finish
	<-doneChan

	logger.Infof("Scheduler stopped")
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		Running:            s.running,
		LastRunAt:          s.lastRunAt,
		CampaignsClaimed:   s.campaignsClaimed,
		RunsCount:          s.runsCount,
		Interval:           s.interval.String(),
		BatchSize:          s.batchSize,
		ConsecutiveFailing: s.consecutiveFailing,
		LastAlertSentAt:    s.lastAlertSentAt,
	}

	if s.running && !s.lastRunAt.IsZero() {
		status.NextRunAt = s.lastRunAt.Add(s.interval)
	}

	return status
}

type SchedulerStatus struct {
	Running            bool      `json:"running"`
	LastRunAt          time.Time `json:"lastRunAt,omitempty"`
	NextRunAt          time.Time `json:"nextRunAt,omitempty"`
	CampaignsClaimed   int64     `json:"campaignsClaimed"`
	RunsCount          int64     `json:"runsCount"`
	Interval           string    `json:"interval"`
	BatchSize          int       `json:"batchSize"`
	ConsecutiveFailing int       `json:"consecutiveFailing"`
	LastAlertSentAt    time.Time `json:"lastAlertSentAt,omitempty"`
}
