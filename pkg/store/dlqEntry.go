package store

import "time"

// DLQStatus is the lifecycle state of a dead-letter entry.
type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQRetrying  DLQStatus = "retrying"
	DLQDiscarded DLQStatus = "discarded"
	DLQSucceeded DLQStatus = "succeeded"
)

// DLQEntry records a message that could not be processed or published.
// Entries are only ever replayed by an explicit operator action.
type DLQEntry struct {
	ID            string    `json:"id" db:"id" bson:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id" bson:"tenant_id"`
	EventID       string    `json:"event_id" db:"event_id" bson:"event_id"`
	EventType     string    `json:"event_type" db:"event_type" bson:"event_type"`
	OriginalTopic string    `json:"original_topic" db:"original_topic" bson:"original_topic"`
	WorkerType    string    `json:"worker_type" db:"worker_type" bson:"worker_type"`
	FailureReason string    `json:"failure_reason" db:"failure_reason" bson:"failure_reason"`
	RetryCount    int       `json:"retry_count" db:"retry_count" bson:"retry_count"`
	Payload       []byte    `json:"payload" db:"payload" bson:"payload"`
	Status        DLQStatus `json:"status" db:"status" bson:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// DLQPatch updates an entry's status and optionally bumps its retry count.
type DLQPatch struct {
	Status         DLQStatus
	FailureReason  string
	IncrementRetry bool
}
