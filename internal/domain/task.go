package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// TaskStatus represents the lifecycle state of an analysis task.
// Values include TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
// TaskStatusFailed, and TaskStatusCancelled.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is one the task can never leave.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ErrorKind classifies a per-unit failure recorded on a task.
type ErrorKind string

const (
	ErrKindTransient        ErrorKind = "transient_failure"
	ErrKindFatal            ErrorKind = "fatal_failure"
	ErrKindSchemaInvalid    ErrorKind = "schema_invalid"
	ErrKindPayloadTooLarge  ErrorKind = "payload_too_large"
	ErrKindRetriesExhausted ErrorKind = "retries_exhausted"
	ErrKindMergeConflict    ErrorKind = "merge_conflict"
	ErrKindPersistence      ErrorKind = "persistence_failure"
)

// TaskError is one classified entry in a task's error list. Callers never
// see raw transport errors, only these structured records.
type TaskError struct {
	UnitIndex int       `json:"unit_index"`
	UnitName  string    `json:"unit_name,omitempty"`
	Stage     string    `json:"stage"` // analyze / merge
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}

// TaskErrorList stores the error list as a JSON column.
type TaskErrorList []TaskError

// Value implements driver.Valuer for database serialization.
func (l TaskErrorList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database deserialization.
func (l *TaskErrorList) Scan(value interface{}) error {
	if value == nil {
		*l = TaskErrorList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan TaskErrorList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// Task represents one batch-upload analysis job and its lifecycle record.
// Counters obey completed+failed <= total at all times; the status becomes
// completed or failed only once every unit has resolved.
type Task struct {
	ID           string        `gorm:"type:text;primaryKey" json:"id"`
	Project      string        `gorm:"type:text;not null;index:idx_tasks_project" json:"project"`
	FileName     string        `gorm:"type:text" json:"file_name"`
	BundleKey    string        `gorm:"type:text" json:"bundle_key,omitempty"`
	ModuleFilter StringArray   `gorm:"type:text" json:"module_filter,omitempty"`
	Status       TaskStatus    `gorm:"type:text;index:idx_tasks_status;default:pending" json:"status"`
	Total        int           `gorm:"default:0" json:"total"`
	Completed    int           `gorm:"default:0" json:"completed"`
	Failed       int           `gorm:"default:0" json:"failed"`
	Errors       TaskErrorList `gorm:"type:text" json:"errors"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// DocumentUnit is one analyzable item extracted from an upload. Units are
// transient: they live between the extractor and the worker pool and are
// never persisted apart from their parent task.
type DocumentUnit struct {
	Index      int
	Name       string
	ModuleHint string
	Format     string
	Data       []byte
}
