package models

import "encoding/json"

// MultiStepOperation persists a workflow definition and which of its steps are done.
type MultiStepOperation struct {
	ID           string          `db:"id" json:"id"`
	OwnerID      string          `db:"owner_id" json:"owner_id"`
	Name         string          `db:"name" json:"name"`
	BasePriority int             `db:"base_priority" json:"base_priority"`
	Steps        json.RawMessage `db:"steps" json:"steps"`
	Completed    bool            `db:"completed" json:"completed"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for MultiStepOperation.
func (MultiStepOperation) TableName() string {
	return "multi_step_operations"
}
