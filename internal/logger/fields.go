package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldTaskID is the analysis task ID
	FieldTaskID = "task_id"

	// FieldUnitIndex is the ordinal of a document unit within its task
	FieldUnitIndex = "unit_index"

	// FieldCaseID is the test case ID
	FieldCaseID = "case_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldProject is the project a task or case belongs to
	FieldProject = "project"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
