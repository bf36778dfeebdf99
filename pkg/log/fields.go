package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Avatar pipeline
	FieldURL      = "url"
	FieldCacheKey = "cache_key"
	FieldCategory = "category"
	FieldUserID   = "user_id"
	FieldBytes    = "bytes"

	// Service
	FieldService = "service"
)
