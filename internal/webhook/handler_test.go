package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
)

const testSecret = "webhook-secret"

// fakeDeliveries is an in-memory DeliveryRepository.
type fakeDeliveries struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{seen: make(map[string]bool)}
}

func (f *fakeDeliveries) HasDelivery(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[id], nil
}

func (f *fakeDeliveries) RecordDelivery(_ context.Context, d *models.DeliveryRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[d.DeliveryID] {
		return false, nil
	}
	f.seen[d.DeliveryID] = true
	return true, nil
}

func (f *fakeDeliveries) DeleteDeliveriesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeDeliveries) DeleteTestResultsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func workflowRunPayload(t *testing.T) []byte {
	t.Helper()
	body := map[string]any{
		"action": "completed",
		"workflow_run": map[string]any{
			"id":       101,
			"head_sha": "abc123",
			"status":   "completed",
		},
		"repository": map[string]any{
			"id":        7,
			"name":      "widgets",
			"full_name": "acme/widgets",
			"owner":     map[string]any{"login": "acme"},
		},
		"installation": map[string]any{"id": 42},
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return b
}

type intake struct {
	handler   *Handler
	pool      *Pool
	processed chan *Event
}

func newIntake(t *testing.T, ratePerMin int) *intake {
	t.Helper()
	log := slog.Default()
	pool := NewPool(PoolConfig{Workers: 2, PriorityWorkers: 1}, log)
	pool.Start()
	t.Cleanup(pool.Shutdown)

	in := &intake{
		handler:   NewHandler(testSecret, newFakeDeliveries(), pool, ratePerMin, log),
		pool:      pool,
		processed: make(chan *Event, 16),
	}
	in.handler.Register(EventWorkflowRun, func(_ context.Context, ev *Event) error {
		in.processed <- ev
		return nil
	})
	return in
}

func (in *intake) post(t *testing.T, payload []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(string(payload)))
	req.Header.Set(headerEvent, EventWorkflowRun)
	req.Header.Set(headerDelivery, "delivery-1")
	req.Header.Set(headerSignature, githubapp.SignPayload(payload, testSecret))
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	in.handler.ServeHTTP(rec, req)
	return rec
}

type ackBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) ackBody {
	t.Helper()
	var body ackBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeAck(t, rec).Message
}

func TestHandlerAcceptsValidDelivery(t *testing.T) {
	in := newIntake(t, 0)
	rec := in.post(t, workflowRunPayload(t), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeAck(t, rec)
	assert.True(t, body.Success)
	assert.Equal(t, "processed", body.Message)
	assert.Empty(t, body.Error)

	select {
	case ev := <-in.processed:
		assert.Equal(t, EventWorkflowRun, ev.Kind)
		assert.Equal(t, "delivery-1", ev.DeliveryID)
		assert.Equal(t, int64(101), ev.WorkflowRun.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event was never processed")
	}
}

func TestHandlerRejectsMissingSignature(t *testing.T) {
	in := newIntake(t, 0)
	rec := in.post(t, workflowRunPayload(t), func(r *http.Request) {
		r.Header.Del(headerSignature)
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	in := newIntake(t, 0)
	rec := in.post(t, workflowRunPayload(t), func(r *http.Request) {
		r.Header.Set(headerSignature, githubapp.SignPayload([]byte("other"), testSecret))
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeAck(t, rec)
	assert.False(t, body.Success)
	assert.Empty(t, body.Message)
	assert.Equal(t, "Invalid webhook signature", body.Error)
}

func TestHandlerRejectsMissingEventKind(t *testing.T) {
	in := newIntake(t, 0)
	rec := in.post(t, workflowRunPayload(t), func(r *http.Request) {
		r.Header.Del(headerEvent)
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRejectsMissingDeliveryID(t *testing.T) {
	in := newIntake(t, 0)
	rec := in.post(t, workflowRunPayload(t), func(r *http.Request) {
		r.Header.Del(headerDelivery)
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDeduplicatesRedeliveries(t *testing.T) {
	in := newIntake(t, 0)
	payload := workflowRunPayload(t)

	first := in.post(t, payload, nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "processed", message(t, first))
	<-in.processed

	second := in.post(t, payload, nil)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "already processed", message(t, second))

	select {
	case <-in.processed:
		t.Fatal("redelivery must not be processed again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerAcknowledgesUnsupportedKind(t *testing.T) {
	in := newIntake(t, 0)
	rec := in.post(t, workflowRunPayload(t), func(r *http.Request) {
		r.Header.Set(headerEvent, "team_add")
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "event kind not supported", message(t, rec))
}

func TestHandlerAcknowledgesUnroutedKinds(t *testing.T) {
	in := newIntake(t, 0)
	for _, kind := range []string{EventCheckSuite, EventPush, EventPullRequest, EventIssues} {
		rec := in.post(t, workflowRunPayload(t), func(r *http.Request) {
			r.Header.Set(headerEvent, kind)
		})
		assert.Equal(t, http.StatusOK, rec.Code, kind)
		body := decodeAck(t, rec)
		assert.True(t, body.Success, kind)
		assert.Equal(t, "event acknowledged", body.Message, kind)
	}

	select {
	case <-in.processed:
		t.Fatal("acknowledged kinds must not reach a processor")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerAcknowledgesMalformedPayload(t *testing.T) {
	in := newIntake(t, 0)
	payload := []byte(`{"action":"completed"}`) // no workflow_run object
	rec := in.post(t, payload, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "received but could not be processed", message(t, rec))
}

func TestHandlerRateLimitsPerSource(t *testing.T) {
	in := newIntake(t, 1)
	payload := workflowRunPayload(t)

	first := in.post(t, payload, nil)
	require.Equal(t, http.StatusOK, first.Code)
	<-in.processed

	second := in.post(t, payload, func(r *http.Request) {
		r.Header.Set(headerDelivery, "delivery-2")
	})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHandlerRateLimitDoesNotBurnDeliveryID(t *testing.T) {
	in := newIntake(t, 1)
	payload := workflowRunPayload(t)

	require.Equal(t, http.StatusOK, in.post(t, payload, nil).Code)
	<-in.processed

	limited := in.post(t, payload, func(r *http.Request) {
		r.Header.Set(headerDelivery, "delivery-2")
	})
	require.Equal(t, http.StatusTooManyRequests, limited.Code)

	// The limited delivery was never marked processed, so a redelivery with
	// the same id must not be treated as a duplicate.
	seen, err := in.handler.deliveries.HasDelivery(context.Background(), "delivery-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestHandlerRejectsNonPost(t *testing.T) {
	in := newIntake(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", nil)
	rec := httptest.NewRecorder()
	in.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDecodeCheckRunRequestedAction(t *testing.T) {
	payload := []byte(`{
		"action": "requested_action",
		"check_run": {"id": 9, "head_sha": "abc"},
		"requested_action": {"identifier": "quarantine"},
		"repository": {"id": 7, "name": "widgets", "full_name": "acme/widgets", "owner": {"login": "acme"}},
		"installation": {"id": 42}
	}`)
	ev, err := Decode(EventCheckRun, "d1", payload)
	require.NoError(t, err)
	assert.Equal(t, "quarantine", ev.RequestedAction.Identifier)
	assert.True(t, isHighPriority(ev))

	_, err = Decode(EventCheckRun, "d2", []byte(`{
		"action": "requested_action",
		"check_run": {"id": 9},
		"repository": {"id": 7, "name": "widgets", "owner": {"login": "acme"}}
	}`))
	assert.Error(t, err, "requested_action without identifier is invalid")
}
