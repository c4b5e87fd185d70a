package models

import "time"

// Webhook delivery states.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// WebhookEndpoint is a tenant-registered notification target.
type WebhookEndpoint struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookEvent is an outbox row written in the same transaction as the job's
// terminal transition, so a crash between commit and publish loses nothing.
type WebhookEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	OrgID     string    `json:"org_id"`
	JobStatus string    `json:"status"`
	Payload   []byte    `json:"payload"`
	Published bool      `json:"published"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookDelivery tracks delivery of one event to one endpoint.
type WebhookDelivery struct {
	ID                 string     `json:"id"`
	EndpointID         string     `json:"endpoint_id"`
	EventID            string     `json:"event_id"`
	JobID              string     `json:"job_id"`
	URL                string     `json:"url"`
	Secret             string     `json:"-"`
	Status             string     `json:"status"`
	AttemptCount       int        `json:"attempt_count"`
	NextAttemptAt      time.Time  `json:"next_attempt_at"`
	LastResponseStatus *int       `json:"last_response_status,omitempty"`
	LastError          *string    `json:"last_error,omitempty"`
	Payload            []byte     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
}

// WebhookDeliveryAttempt is the per-attempt audit row.
type WebhookDeliveryAttempt struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	AttemptNumber  int       `json:"attempt_number"`
	ResponseStatus *int      `json:"response_status,omitempty"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
