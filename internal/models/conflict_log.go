package models

import "time"

// ConflictLog records how a local change was reconciled against the remote value.
type ConflictLog struct {
	ID             string `db:"id" json:"id"`
	OperationID    string `db:"operation_id" json:"operation_id"`
	OwnerID        string `db:"owner_id" json:"owner_id"`
	Collection     string `db:"target_collection" json:"target_collection"`
	DocumentID     string `db:"document_id" json:"document_id"`
	LocalVersion   int64  `db:"local_version" json:"local_version"`
	RemoteVersion  int64  `db:"remote_version" json:"remote_version"`
	LocalDeviceID  string `db:"local_device_id" json:"local_device_id"`
	RemoteDeviceID string `db:"remote_device_id" json:"remote_device_id"`
	Resolution     string `db:"resolution" json:"resolution"` // apply_local, skip, rebase, discard, merged, manual_review_required
	Detail         string `db:"detail" json:"detail,omitempty"`
	DetectedAt     int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(0, c.DetectedAt).UTC()
}
