package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields propagated through the call chain via context.
const (
	FieldRequestID   = "request_id"
	FieldJobID       = "job_id"
	FieldComponent   = "component"
	FieldResourceID  = "resource_id"
	FieldKeywordID   = "keyword_id"
	FieldContentHash = "content_hash"
	FieldFilename    = "filename"
	FieldCollection  = "collection"
)

// Metric fields, used for aggregation and alerting.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldStage      = "stage"
	FieldSimilarity = "similarity"
)
