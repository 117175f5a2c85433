package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService  = "service"
	FieldInstance = "instance_id"

	// Realtime
	FieldConnID    = "conn_id"
	FieldChannel   = "channel"
	FieldNamespace = "namespace"
	FieldEvent     = "event"
	FieldOrigin    = "origin"
	FieldOp        = "op"

	// Admin
	FieldAction  = "action"
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
