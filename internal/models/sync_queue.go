// Package models provides the persisted row shapes of the sync core.
package models

import "encoding/json"

// SyncQueue is the durable row of one queue item.
// Timestamps are unix nanoseconds; zero means unset for the nullable ones.
type SyncQueue struct {
	OperationID       string          `db:"operation_id" json:"operation_id"`
	OperationType     string          `db:"operation_type" json:"operation_type"` // create, update, delete, upload_file
	TargetCollection  string          `db:"target_collection" json:"target_collection"`
	DocumentID        string          `db:"document_id" json:"document_id"`
	Payload           json.RawMessage `db:"payload" json:"payload"`
	PayloadHash       string          `db:"payload_hash" json:"payload_hash"`
	Status            string          `db:"status" json:"status"`
	RetryCount        int             `db:"retry_count" json:"retry_count"`
	LastError         *string         `db:"last_error" json:"last_error,omitempty"`
	Priority          int             `db:"priority" json:"priority"`
	OwnerID           string          `db:"owner_id" json:"owner_id"`
	ParentOperationID *string         `db:"parent_operation_id" json:"parent_operation_id,omitempty"`
	StepNumber        *int            `db:"step_number" json:"step_number,omitempty"`
	TotalSteps        *int            `db:"total_steps" json:"total_steps,omitempty"`
	CreatedAt         int64           `db:"created_at" json:"created_at"`
	UpdatedAt         int64           `db:"updated_at" json:"updated_at"`
	LastAttemptAt     *int64          `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextAttemptAt     int64           `db:"next_attempt_at" json:"next_attempt_at"`
}

// TableName returns the table name for SyncQueue.
func (SyncQueue) TableName() string {
	return "sync_queue"
}
