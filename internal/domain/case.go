package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// CaseLevel is the severity of a test case, ordered P0 > P1 > P2 > P3.
type CaseLevel string

const (
	CaseLevelP0 CaseLevel = "P0"
	CaseLevelP1 CaseLevel = "P1"
	CaseLevelP2 CaseLevel = "P2"
	CaseLevelP3 CaseLevel = "P3"
)

// Valid reports whether the level is one of the known severities.
func (l CaseLevel) Valid() bool {
	switch l {
	case CaseLevelP0, CaseLevelP1, CaseLevelP2, CaseLevelP3:
		return true
	}
	return false
}

// CaseStatus is the workflow state of a test case:
// draft -> ready -> testing -> {passed, failed, blocked}.
type CaseStatus string

const (
	CaseStatusDraft   CaseStatus = "draft"
	CaseStatusReady   CaseStatus = "ready"
	CaseStatusTesting CaseStatus = "testing"
	CaseStatusPassed  CaseStatus = "passed"
	CaseStatusFailed  CaseStatus = "failed"
	CaseStatusBlocked CaseStatus = "blocked"
)

// CaseContent holds the structured body of a test case, stored as a JSON
// column: ordered steps plus the expected result.
type CaseContent struct {
	Precondition string   `json:"precondition,omitempty"`
	Steps        []string `json:"steps"`
	Expected     string   `json:"expected"`
}

// Value implements driver.Valuer for database serialization.
func (c CaseContent) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database deserialization.
func (c *CaseContent) Scan(value interface{}) error {
	if value == nil {
		*c = CaseContent{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan CaseContent")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, c)
}

// Equal reports whether two contents are materially identical.
func (c CaseContent) Equal(other CaseContent) bool {
	if c.Precondition != other.Precondition || c.Expected != other.Expected {
		return false
	}
	if len(c.Steps) != len(other.Steps) {
		return false
	}
	for i := range c.Steps {
		if c.Steps[i] != other.Steps[i] {
			return false
		}
	}
	return true
}

// DraftCase is the ephemeral output of one successful analysis. It is
// consumed by the aggregator and never persisted directly.
type DraftCase struct {
	Module  string
	Name    string
	Level   CaseLevel
	Content CaseContent
}

// TestCase is a durable test-case record. The match key used for
// deduplication is (project, module, name), exact and case-sensitive.
// TaskID points at the last task that created or updated the case.
type TestCase struct {
	ID        string            `gorm:"type:text;primaryKey" json:"id"`
	TaskID    string            `gorm:"type:text;index:idx_cases_task" json:"task_id"`
	Project   string            `gorm:"type:text;not null;index:idx_cases_key,unique" json:"project"`
	Module    string            `gorm:"type:text;not null;index:idx_cases_key,unique" json:"module"`
	Name      string            `gorm:"type:text;not null;index:idx_cases_key,unique" json:"name"`
	Level     CaseLevel         `gorm:"type:text" json:"level"`
	Status    CaseStatus        `gorm:"type:text;default:draft" json:"status"`
	Content   CaseContent       `gorm:"type:text" json:"content"`
	Histories []TestCaseHistory `gorm:"foreignKey:CaseID;constraint:OnDelete:CASCADE" json:"histories,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TableName returns the database table name for TestCase.
func (TestCase) TableName() string {
	return "test_cases"
}

// FieldChange records a single field transition inside a history entry.
type FieldChange struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

// ChangeSet maps changed field names to their transitions. Only fields
// that actually changed may appear here.
type ChangeSet map[string]FieldChange

// Value implements driver.Valuer for database serialization.
func (cs ChangeSet) Value() (driver.Value, error) {
	if cs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database deserialization.
func (cs *ChangeSet) Scan(value interface{}) error {
	if value == nil {
		*cs = ChangeSet{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ChangeSet")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, cs)
}

// TestCaseHistory is an append-only change record owned by exactly one
// TestCase. Entries are never mutated or deleted independently of their
// parent case.
type TestCaseHistory struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	CaseID    string    `gorm:"type:text;not null;index:idx_case_histories_case" json:"case_id"`
	Changes   ChangeSet `gorm:"type:text" json:"changes"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for TestCaseHistory.
func (TestCaseHistory) TableName() string {
	return "test_case_histories"
}
