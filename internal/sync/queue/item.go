// Package queue defines the queue item, the unit every sync component operates on.
package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
)

// OperationType is the kind of change a queue item applies remotely.
type OperationType string

const (
	OperationCreate     OperationType = "create"
	OperationUpdate     OperationType = "update"
	OperationDelete     OperationType = "delete"
	OperationUploadFile OperationType = "upload_file"
)

// OperationTypes lists every known operation type.
var OperationTypes = []OperationType{OperationCreate, OperationUpdate, OperationDelete, OperationUploadFile}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationUpdate, OperationDelete, OperationUploadFile:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSynced     Status = "synced"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
	StatusDeadLetter Status = "dead_letter"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusSynced, StatusFailed, StatusRetry, StatusDeadLetter}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSynced, StatusFailed, StatusRetry, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// DefaultPriority is used when the enqueuing collaborator does not pick one.
const DefaultPriority = 100

// Payload keys the sync core reads or stamps.
const (
	PayloadKeyDeviceID  = "deviceId"
	PayloadKeyVersion   = "version"
	PayloadKeyUpdatedAt = "updatedAt"
	PayloadKeyLocalPath = "localPath"
)

// Item represents one pending change awaiting application to the remote store.
type Item struct {
	OperationID      string
	OperationType    OperationType
	TargetCollection string
	DocumentID       string
	Payload          map[string]interface{}
	PayloadHash      string
	Status           Status
	RetryCount       int
	LastError        string
	Priority         int
	OwnerID          string

	// Multi-step linkage; zero values mean a standalone item.
	ParentOperationID string
	StepNumber        int
	TotalSteps        int

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
}

// IsStep reports whether the item belongs to a multi-step operation.
func (item *Item) IsStep() bool {
	return item.ParentOperationID != ""
}

// Clone returns a deep copy so callers never share payload maps.
func (item *Item) Clone() *Item {
	c := *item
	c.Payload = ClonePayload(item.Payload)
	if item.LastAttemptAt != nil {
		t := *item.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// ClonePayload returns a normalized copy of p, or a shallow copy if p cannot be normalized.
func ClonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out, err := NormalizePayload(p)
	if err != nil {
		out = make(map[string]interface{}, len(p))
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

// NormalizePayload returns p in the form it reads back from storage: nested
// values become maps, slices and json.Number. Hashing the normalized form gives
// the same digest before and after a round trip through the queue.
func NormalizePayload(p map[string]interface{}) (map[string]interface{}, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return DecodePayload(data)
}

// DecodePayload decodes a JSON object keeping numbers as json.Number, so
// integers beyond 2^53 keep their exact value.
func DecodePayload(data []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks the item shape. Failures are validation errors and are never retried.
func (item *Item) Validate() error {
	if item.OperationID == "" {
		return errors.New(errors.ErrValidation, "operation id is required")
	}
	if item.OwnerID == "" {
		return errors.New(errors.ErrValidation, "owner id is required")
	}
	if item.TargetCollection == "" {
		return errors.New(errors.ErrValidation, "target collection is required")
	}
	if item.DocumentID == "" {
		return errors.New(errors.ErrValidation, "document id is required")
	}
	if !item.OperationType.Valid() {
		return errors.Newf(errors.ErrValidation, "unknown operation type %q", item.OperationType)
	}
	if !item.Status.Valid() {
		return errors.Newf(errors.ErrValidation, "unknown status %q", item.Status)
	}
	if item.RetryCount < 0 {
		return errors.New(errors.ErrValidation, "retry count must not be negative")
	}
	if err := ValidatePayload(item.OperationType, item.Payload); err != nil {
		return err
	}

	if item.IsStep() {
		if item.TotalSteps < 1 || item.StepNumber < 1 || item.StepNumber > item.TotalSteps {
			return errors.Newf(errors.ErrValidation, "step %d/%d out of range", item.StepNumber, item.TotalSteps)
		}
	} else if item.StepNumber != 0 || item.TotalSteps != 0 {
		return errors.New(errors.ErrValidation, "step numbers require a parent operation")
	}
	return nil
}

// ValidatePayload applies the per-operation payload rules.
func ValidatePayload(op OperationType, payload map[string]interface{}) error {
	switch op {
	case OperationCreate, OperationUpdate:
		if payload == nil {
			return errors.Newf(errors.ErrValidation, "%s requires a payload", op)
		}
	case OperationUploadFile:
		path, ok := payload[PayloadKeyLocalPath].(string)
		if !ok || path == "" {
			return errors.Newf(errors.ErrValidation, "%s requires payload.%s", op, PayloadKeyLocalPath)
		}
	}
	if payload != nil {
		if _, err := json.Marshal(payload); err != nil {
			return errors.Wrap(errors.ErrValidation, "payload is not JSON-encodable", err)
		}
	}
	return nil
}

// ToModel converts an Item to its persisted row.
func (item *Item) ToModel() (*models.SyncQueue, error) {
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	row := &models.SyncQueue{
		OperationID:      item.OperationID,
		OperationType:    string(item.OperationType),
		TargetCollection: item.TargetCollection,
		DocumentID:       item.DocumentID,
		Payload:          json.RawMessage(payloadJSON),
		PayloadHash:      item.PayloadHash,
		Status:           string(item.Status),
		RetryCount:       item.RetryCount,
		Priority:         item.Priority,
		OwnerID:          item.OwnerID,
		CreatedAt:        item.CreatedAt.UnixNano(),
		UpdatedAt:        item.UpdatedAt.UnixNano(),
		NextAttemptAt:    item.NextAttemptAt.UnixNano(),
	}

	if item.LastError != "" {
		msg := item.LastError
		row.LastError = &msg
	}
	if item.LastAttemptAt != nil {
		ts := item.LastAttemptAt.UnixNano()
		row.LastAttemptAt = &ts
	}
	if item.IsStep() {
		parent, step, total := item.ParentOperationID, item.StepNumber, item.TotalSteps
		row.ParentOperationID = &parent
		row.StepNumber = &step
		row.TotalSteps = &total
	}

	return row, nil
}

// FromModel creates an Item from its persisted row.
func FromModel(row *models.SyncQueue) (*Item, error) {
	var payload map[string]interface{}
	if len(row.Payload) > 0 {
		var err error
		if payload, err = DecodePayload(row.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	item := &Item{
		OperationID:      row.OperationID,
		OperationType:    OperationType(row.OperationType),
		TargetCollection: row.TargetCollection,
		DocumentID:       row.DocumentID,
		Payload:          payload,
		PayloadHash:      row.PayloadHash,
		Status:           Status(row.Status),
		RetryCount:       row.RetryCount,
		Priority:         row.Priority,
		OwnerID:          row.OwnerID,
		CreatedAt:        fromNanos(row.CreatedAt),
		UpdatedAt:        fromNanos(row.UpdatedAt),
		NextAttemptAt:    fromNanos(row.NextAttemptAt),
	}

	if row.LastError != nil {
		item.LastError = *row.LastError
	}
	if row.LastAttemptAt != nil {
		ts := fromNanos(*row.LastAttemptAt)
		item.LastAttemptAt = &ts
	}
	if row.ParentOperationID != nil {
		item.ParentOperationID = *row.ParentOperationID
	}
	if row.StepNumber != nil {
		item.StepNumber = *row.StepNumber
	}
	if row.TotalSteps != nil {
		item.TotalSteps = *row.TotalSteps
	}

	return item, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// VersionOf reads the monotonically increasing version carried in a payload.
// Missing or malformed versions read as 0.
func VersionOf(payload map[string]interface{}) int64 {
	return int64Of(payload[PayloadKeyVersion])
}

// DeviceOf reads the originating device id carried in a payload.
func DeviceOf(payload map[string]interface{}) string {
	s, _ := payload[PayloadKeyDeviceID].(string)
	return s
}

// UpdatedAtOf reads the wall-clock write time carried in a payload.
// It accepts RFC3339 strings and unix milliseconds.
func UpdatedAtOf(payload map[string]interface{}) time.Time {
	switch v := payload[PayloadKeyUpdatedAt].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	case time.Time:
		return v.UTC()
	default:
		if ms := int64Of(v); ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}

func int64Of(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
