package store

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"

	"nexus-core/internal/models"
)

func TestDueDeliveriesClaimsWithLease(t *testing.T) {
	mock, st := newMockStore(t)

	now := time.Now().UTC()
	leaseUntil := now.Add(20 * time.Second)

	// Claiming is an UPDATE pushing next_attempt_at to the lease horizon, so a
	// concurrent poller cannot pick up the same rows.
	mock.ExpectQuery("UPDATE webhook_deliveries").
		WithArgs(models.DeliveryPending, now, 100, leaseUntil).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "endpoint_id", "event_id", "job_id", "status", "attempt_count",
			"next_attempt_at", "last_response_status", "last_error",
			"url", "secret", "payload",
		}).AddRow(
			"d1", "e1", "ev1", "j1", models.DeliveryPending, 0,
			leaseUntil, nil, nil,
			"http://a.example/hook", "s3cret", []byte(`{"job_id":"j1"}`),
		))

	due, err := st.DueDeliveries(context.Background(), now, leaseUntil, 100)
	if err != nil {
		t.Fatalf("due deliveries: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one claimed delivery, got %d", len(due))
	}
	d := due[0]
	if d.ID != "d1" || d.URL != "http://a.example/hook" || d.Secret != "s3cret" {
		t.Fatalf("delivery = %+v", d)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPublishEventFansOutPerEndpoint(t *testing.T) {
	mock, st := newMockStore(t)

	event := models.WebhookEvent{ID: "ev1", JobID: "j1", OrgID: "org-1"}
	endpoints := []models.WebhookEndpoint{
		{ID: "e1", OrgID: "org-1"},
		{ID: "e2", OrgID: "org-1"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WithArgs(pgxmock.AnyArg(), "e1", "ev1", "j1", models.DeliveryPending).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WithArgs(pgxmock.AnyArg(), "e2", "ev1", "j1", models.DeliveryPending).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE webhook_events").
		WithArgs("ev1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := st.PublishEvent(context.Background(), event, endpoints); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
