package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nexus-core/internal/config"
	"nexus-core/internal/models"
)

type fakeDeliveryStore struct {
	mu sync.Mutex

	events    []models.WebhookEvent
	endpoints []models.WebhookEndpoint
	due       []models.WebhookDelivery

	published []string
	fanouts   map[string]int

	attempts  []models.WebhookDeliveryAttempt
	delivered []string
	failed    []string
	retries   []time.Time
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{fanouts: map[string]int{}}
}

func (f *fakeDeliveryStore) UnpublishedEvents(_ context.Context, _ int) ([]models.WebhookEvent, error) {
	return f.events, nil
}

func (f *fakeDeliveryStore) EndpointsForOrg(_ context.Context, _ string) ([]models.WebhookEndpoint, error) {
	return f.endpoints, nil
}

func (f *fakeDeliveryStore) PublishEvent(_ context.Context, event models.WebhookEvent, endpoints []models.WebhookEndpoint) error {
	f.published = append(f.published, event.ID)
	f.fanouts[event.ID] = len(endpoints)
	f.events = nil
	return nil
}

func (f *fakeDeliveryStore) DueDeliveries(_ context.Context, _, _ time.Time, _ int) ([]models.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeDeliveryStore) RecordAttempt(_ context.Context, deliveryID string, attemptNumber int, responseStatus *int, attemptErr *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, models.WebhookDeliveryAttempt{
		DeliveryID:     deliveryID,
		AttemptNumber:  attemptNumber,
		ResponseStatus: responseStatus,
		Error:          attemptErr,
	})
	return nil
}

func (f *fakeDeliveryStore) MarkDelivered(_ context.Context, deliveryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, deliveryID)
	return nil
}

func (f *fakeDeliveryStore) ScheduleDeliveryRetry(_ context.Context, _ string, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, nextAttemptAt)
	return nil
}

func (f *fakeDeliveryStore) MarkDeliveryFailed(_ context.Context, deliveryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, deliveryID)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		WebhookBackoffBase:    5 * time.Second,
		WebhookBackoffFactor:  5,
		WebhookMaxAttempts:    4,
		WebhookRequestTimeout: time.Second,
	}
}

func TestDispatcherBackoffSchedule(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	st := newFakeDeliveryStore()
	d := NewDispatcher(testConfig(), st)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	delivery := models.WebhookDelivery{
		ID:     "d1",
		JobID:  "j1",
		URL:    server.URL,
		Secret: "s3cret",
		Status: models.DeliveryPending,
	}

	// Failures 1-3 reschedule with factor-5 backoff: +5s, +25s, +125s.
	wantDelays := []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}
	for i, want := range wantDelays {
		delivery.AttemptCount = i
		d.attempt(context.Background(), delivery)
		if len(st.retries) != i+1 {
			t.Fatalf("attempt %d: expected a retry to be scheduled", i+1)
		}
		if got := st.retries[i].Sub(now); got != want {
			t.Fatalf("attempt %d scheduled +%s, want +%s", i+1, got, want)
		}
	}

	// The 4th failed attempt is terminal.
	delivery.AttemptCount = 3
	d.attempt(context.Background(), delivery)
	if len(st.failed) != 1 {
		t.Fatalf("expected delivery marked permanently failed, got %v", st.failed)
	}
	if len(st.retries) != 3 {
		t.Fatalf("no retry may be scheduled after the final attempt, got %d", len(st.retries))
	}

	if len(st.attempts) != 4 {
		t.Fatalf("expected 4 recorded attempts, got %d", len(st.attempts))
	}
	for i, a := range st.attempts {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt numbers must increase: got %d at index %d", a.AttemptNumber, i)
		}
		if a.ResponseStatus == nil || *a.ResponseStatus != http.StatusInternalServerError {
			t.Fatalf("attempt %d should record HTTP 500", i+1)
		}
	}
}

func TestDispatcherDeliversAndSigns(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	st := newFakeDeliveryStore()
	d := NewDispatcher(testConfig(), st)

	payload := []byte(`{"job_id":"j1","status":"completed","output":{"summary":"hi"}}`)
	d.attempt(context.Background(), models.WebhookDelivery{
		ID:      "d1",
		JobID:   "j1",
		URL:     server.URL,
		Secret:  "s3cret",
		Payload: payload,
	})

	if len(st.delivered) != 1 {
		t.Fatalf("expected delivery marked delivered, got %v", st.delivered)
	}
	if len(st.attempts) != 1 || st.attempts[0].AttemptNumber != 1 {
		t.Fatalf("expected one recorded attempt, got %v", st.attempts)
	}
	if !Verify("s3cret", gotBody, gotSignature) {
		t.Fatal("receiver-side verification of the signature failed")
	}
}

func TestDispatcherAttemptsConcurrently(t *testing.T) {
	// The endpoint releases responses only once both requests are in flight.
	// Sequential attempts would strand the first request at the barrier until
	// its timeout, so two successful deliveries prove concurrency.
	var mu sync.Mutex
	arrived := 0
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		arrived++
		if arrived == 2 {
			close(release)
		}
		mu.Unlock()
		select {
		case <-release:
			w.WriteHeader(http.StatusOK)
		case <-time.After(500 * time.Millisecond):
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	st := newFakeDeliveryStore()
	st.due = []models.WebhookDelivery{
		{ID: "d1", JobID: "j1", URL: server.URL, Secret: "s"},
		{ID: "d2", JobID: "j2", URL: server.URL, Secret: "s"},
	}

	d := NewDispatcher(testConfig(), st)
	if err := d.attemptDue(context.Background()); err != nil {
		t.Fatalf("attemptDue: %v", err)
	}

	if len(st.delivered) != 2 {
		t.Fatalf("expected both deliveries to land concurrently, delivered %v, retries %v", st.delivered, st.retries)
	}
}

func TestDispatcherFansOutOutbox(t *testing.T) {
	st := newFakeDeliveryStore()
	st.events = []models.WebhookEvent{{ID: "ev1", JobID: "j1", OrgID: "org-1"}}
	st.endpoints = []models.WebhookEndpoint{
		{ID: "e1", OrgID: "org-1", URL: "http://a.example"},
		{ID: "e2", OrgID: "org-1", URL: "http://b.example"},
	}

	d := NewDispatcher(testConfig(), st)
	if err := d.publishOutbox(context.Background()); err != nil {
		t.Fatalf("publishOutbox: %v", err)
	}

	if len(st.published) != 1 || st.published[0] != "ev1" {
		t.Fatalf("expected event ev1 published, got %v", st.published)
	}
	if st.fanouts["ev1"] != 2 {
		t.Fatalf("expected fan-out to 2 endpoints, got %d", st.fanouts["ev1"])
	}
}
