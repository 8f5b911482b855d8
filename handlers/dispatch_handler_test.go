package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
	"github.com/onurcolak/insider-dispatch-service/internal/scheduler"
	"github.com/onurcolak/insider-dispatch-service/pkg/response"
	validatorpkg "github.com/onurcolak/insider-dispatch-service/pkg/validator"
)

//
// Test fakes – only for the handler tests.
//

type fakeDispatcher struct {
	handle   queue.Handle
	err      error
	gotID    int64
	gotPrio  int
	called   bool
	campaign int64
}

func (f *fakeDispatcher) SendMessage(ctx context.Context, messageID int64, priority int) (queue.Handle, error) {
	f.called = true
	f.gotID = messageID
	f.gotPrio = priority
	return f.handle, f.err
}

func (f *fakeDispatcher) DispatchCampaign(ctx context.Context, campaignID int64) (queue.Handle, error) {
	f.called = true
	f.campaign = campaignID
	return f.handle, f.err
}

type fakeQueues struct {
	stats queue.Stats
	dead  []*queue.Job
	limit int
}

func (f *fakeQueues) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	s := f.stats
	s.Queue = queueName
	return s, nil
}

func (f *fakeQueues) GetStats(ctx context.Context) (pending, sent, failed int64, err error) {
	return 3, 5, 1, nil
}

func (f *fakeQueues) DeadLetters(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	f.limit = limit
	return f.dead, nil
}

type fakeConsumer struct{ stats queue.ConsumerStats }

func (f fakeConsumer) Snapshot() queue.ConsumerStats { return f.stats }

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = validatorpkg.New()
	return e
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newDispatchRoutes(d *fakeDispatcher, q *fakeQueues) *echo.Echo {
	e := newTestEcho()
	h := NewDispatchHandler(d, d, q, q,
		fakeConsumer{stats: queue.ConsumerStats{Queue: queue.MessageSend, Running: true, Concurrency: 5}},
		fakeConsumer{stats: queue.ConsumerStats{Queue: queue.CampaignExecute, Concurrency: 2}},
	)
	e.POST("/messages/:id/send", h.SendMessage)
	e.POST("/campaigns/:id/execute", h.ExecuteCampaign)
	e.GET("/queues/:name/stats", h.QueueStats)
	e.GET("/queues/:name/dead", h.DeadLetters)
	e.GET("/messages/stats", h.MessageStats)
	e.GET("/consumers", h.Consumers)
	return e
}

//
// Tests
//

func TestSendMessage_Accepted(t *testing.T) {
	d := &fakeDispatcher{handle: queue.Handle{ID: "message-12", Queue: queue.MessageSend}}
	e := newDispatchRoutes(d, &fakeQueues{})

	rec := serve(e, http.MethodPost, "/messages/12/send", `{"priority": 1}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, rec.Code, rec.Body.String())
	}
	if d.gotID != 12 || d.gotPrio != 1 {
		t.Errorf("expected id=12 priority=1, got id=%d priority=%d", d.gotID, d.gotPrio)
	}

	var resp response.SuccessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}
	if resp.Message != "Message queued for delivery" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestSendMessage_DuplicateIsStillAccepted(t *testing.T) {
	d := &fakeDispatcher{handle: queue.Handle{ID: "message-12", Queue: queue.MessageSend, Duplicate: true}}
	e := newDispatchRoutes(d, &fakeQueues{})

	rec := serve(e, http.MethodPost, "/messages/12/send", "")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already queued") {
		t.Errorf("expected already queued message, got %s", rec.Body.String())
	}
}

func TestSendMessage_InvalidID(t *testing.T) {
	d := &fakeDispatcher{}
	e := newDispatchRoutes(d, &fakeQueues{})

	rec := serve(e, http.MethodPost, "/messages/abc/send", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if d.called {
		t.Errorf("dispatcher should not be called for an invalid id")
	}
}

func TestSendMessage_PriorityOutOfRange(t *testing.T) {
	d := &fakeDispatcher{}
	e := newDispatchRoutes(d, &fakeQueues{})

	rec := serve(e, http.MethodPost, "/messages/1/send", `{"priority": 500}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
	}

	var resp validatorpkg.ValidationErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}
	if _, ok := resp.Details["priority"]; !ok {
		t.Fatalf("expected Details to contain 'priority' key, got %v", resp.Details)
	}
}

func TestSendMessage_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("message 1: %w", domain.ErrMessageNotFound), http.StatusNotFound},
		{fmt.Errorf("message 1 is SENT: %w", domain.ErrAlreadyProcessed), http.StatusConflict},
		{fmt.Errorf("tenant 7: %w", domain.ErrTenantSuspended), http.StatusForbidden},
	}

	for _, tc := range cases {
		e := newDispatchRoutes(&fakeDispatcher{err: tc.err}, &fakeQueues{})
		rec := serve(e, http.MethodPost, "/messages/1/send", "")
		if rec.Code != tc.code {
			t.Errorf("%v: expected status %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}

func TestExecuteCampaign_AlreadyClaimedIsConflict(t *testing.T) {
	d := &fakeDispatcher{err: fmt.Errorf("campaign 3: %w", scheduler.ErrCampaignNotScheduled)}
	e := newDispatchRoutes(d, &fakeQueues{})

	rec := serve(e, http.MethodPost, "/campaigns/3/execute", "")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
	if d.campaign != 3 {
		t.Errorf("expected campaign 3, got %d", d.campaign)
	}
}

func TestQueueStats(t *testing.T) {
	q := &fakeQueues{stats: queue.Stats{Waiting: 4, Dead: 1}}
	e := newDispatchRoutes(&fakeDispatcher{}, q)

	rec := serve(e, http.MethodGet, "/queues/message-send/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data queue.Stats `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}
	if resp.Data.Queue != queue.MessageSend || resp.Data.Waiting != 4 || resp.Data.Dead != 1 {
		t.Errorf("unexpected stats: %+v", resp.Data)
	}

	rec = serve(e, http.MethodGet, "/queues/unknown/stats", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for an unknown queue, got %d", rec.Code)
	}
}

func TestDeadLetters_PassesLimit(t *testing.T) {
	q := &fakeQueues{dead: []*queue.Job{{ID: "message-9", Queue: queue.MessageSend, State: queue.StateDead}}}
	e := newDispatchRoutes(&fakeDispatcher{}, q)

	rec := serve(e, http.MethodGet, "/queues/message-send/dead?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if q.limit != 10 {
		t.Errorf("expected limit 10, got %d", q.limit)
	}
	if !strings.Contains(rec.Body.String(), "message-9") {
		t.Errorf("expected dead job in body, got %s", rec.Body.String())
	}
}

func TestConsumers_ListsSnapshots(t *testing.T) {
	e := newDispatchRoutes(&fakeDispatcher{}, &fakeQueues{})

	rec := serve(e, http.MethodGet, "/consumers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp struct {
		Data []queue.ConsumerStats `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}
	if len(resp.Data) != 2 || resp.Data[0].Queue != queue.MessageSend || !resp.Data[0].Running {
		t.Errorf("unexpected consumers: %+v", resp.Data)
	}
}

func TestMessageStats_ReturnsTotals(t *testing.T) {
	e := newDispatchRoutes(&fakeDispatcher{}, &fakeQueues{})

	rec := serve(e, http.MethodGet, "/messages/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data map[string]int64 `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}
	if resp.Data["pending"] != 3 || resp.Data["total"] != 9 {
		t.Errorf("unexpected stats: %+v", resp.Data)
	}
}
