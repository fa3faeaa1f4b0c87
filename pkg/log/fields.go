package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"

	// Actor (matches the pkg/middleware/auth.go key)
	FieldUserID = "user_id"

	// Service
	FieldService   = "service"
	FieldComponent = "component"

	// Realtime channel
	FieldEvent     = "event"
	FieldRoomID    = "room_id"
	FieldMessageID = "message_id"
	FieldClientID  = "client_id"
	FieldState     = "state"
	FieldAttempt   = "attempt"
	FieldBackoff   = "backoff_ms"
)
