package brokertest

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meyliana22/influent-app-sub001/pkg/log"
	"github.com/Meyliana22/influent-app-sub001/pkg/response"
)

func get(t *testing.T, b *Broker, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.APIURL()+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func logLines(t *testing.T, b *Broker) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.Logs()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestRequestIDIsEchoedAndLogged(t *testing.T) {
	b := New(t)
	b.AddRoom("7", "general", "A")

	resp := get(t, b, "/api/v1/chat/rooms/7/messages", http.Header{
		"Authorization":     {"Bearer " + b.Token(t, "A")},
		log.HeaderRequestID: {"req-1"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get(log.HeaderRequestID))

	entries := logLines(t, b)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "req-1", last[log.FieldRequestID])
	assert.Equal(t, "7", last[log.FieldRoomID])
	assert.Equal(t, "A", last[log.FieldUserID])
	assert.Equal(t, "debug", last["level"])
	assert.EqualValues(t, http.StatusOK, last[log.FieldStatus])
}

func TestRequestIDIsGeneratedAndFailuresWarn(t *testing.T) {
	b := New(t)

	resp := get(t, b, "/api/v1/chat/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	id := resp.Header.Get(log.HeaderRequestID)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	entries := logLines(t, b)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0][log.FieldRequestID])
	assert.Equal(t, "warn", entries[0]["level"])
	assert.NotContains(t, entries[0], log.FieldUserID)
}

func TestPanicBecomesInternalError(t *testing.T) {
	b := New(t)
	b.engine.GET("/boom", func(*gin.Context) { panic("boom") })

	resp := get(t, b, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body response.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Contains(t, b.Logs(), "handler panicked")
}
