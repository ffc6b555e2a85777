package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Tracing fields, attached to a context and inherited down the call chain.
const (
	FieldRequestID   = "request_id"
	FieldExecutionID = "execution_id"
	FieldStage       = "stage"
	FieldSyncType    = "sync_type"
	FieldRunID       = "run_id" // market value recompute run
	FieldComponent   = "component"
)

// Metric fields, attached to a single Entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size" // bytes
	FieldStatus     = "status"
)
