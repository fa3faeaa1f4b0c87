package log

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// RequestLogger tags each request with an id, taken from X-Request-ID or
// generated, and stores a child logger in the request context for
// handlers to pick up with FromContext. Completed requests are logged at
// debug, failed ones at warn.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		fields := logger.With().
			Str(FieldRequestID, reqID).
			Str(FieldMethod, c.Request.Method).
			Str(FieldPath, c.FullPath())
		if roomID := c.Param("room_id"); roomID != "" {
			fields = fields.Str(FieldRoomID, roomID)
		}
		child := fields.Logger()

		c.Header(HeaderRequestID, reqID)
		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), child))

		c.Next()

		status := c.Writer.Status()
		evt := child.Debug()
		if status >= 400 {
			evt = child.Warn()
		}
		if userID := c.GetString(FieldUserID); userID != "" {
			evt = evt.Str(FieldUserID, userID)
		}
		evt.Int(FieldStatus, status).
			Int64(FieldLatency, time.Since(start).Milliseconds()).
			Msg("request completed")
	}
}
