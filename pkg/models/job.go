package models

import (
	"database/sql"
	"time"
)

// JobStatus is the lifecycle state of a queued message.
type JobStatus string

const (
	JobPending    JobStatus = "pending"    // waiting to be picked up
	JobProcessing JobStatus = "processing" // currently being handled
	JobCompleted  JobStatus = "completed"  // finished, recorded in the ledger
	JobFailed     JobStatus = "failed"     // exhausted retries or terminal error
)

// Job is one fetched message awaiting processing. Jobs are never deleted,
// only transitioned; they double as the audit trail.
type Job struct {
	ID          int64  `db:"id"`
	AccountName string `db:"account_name"`

	// RemoteMessageID is the provider-assigned identifier (the IMAP UID
	// for the inbound transport), synthesized when absent.
	RemoteMessageID string `db:"remote_message_id"`

	// TransportMessageID is the protocol Message-ID header. Together with
	// AccountName it is the idempotency key: the pair is unique among
	// jobs and in the processed ledger.
	TransportMessageID string `db:"transport_message_id"`

	Sender      string `db:"sender"`
	Subject     string `db:"subject"`
	BodyPreview string `db:"body_preview"`

	Status        JobStatus    `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     string       `db:"last_error"`
	ResultSummary string       `db:"result_summary"`
	CreatedAt     time.Time    `db:"created_at"`
	StartedAt     sql.NullTime `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

// ProcessedRecord is the permanent idempotency ledger entry. Once one
// exists for (account, message id), the message is never acted on again,
// regardless of what happens to the job history.
type ProcessedRecord struct {
	AccountName        string    `db:"account_name"`
	TransportMessageID string    `db:"transport_message_id"`
	Action             string    `db:"action"`
	Category           string    `db:"category"`
	ProcessedAt        time.Time `db:"processed_at"`
}
