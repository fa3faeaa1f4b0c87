package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestNewWritesServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", ServiceName: "chat-client", Output: &buf})

	logger.Debug().Str(FieldRoomID, "7").Msg("joined")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "chat-client", entry[FieldService])
	assert.Equal(t, "7", entry[FieldRoomID])
	assert.Equal(t, "joined", entry["message"])
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	ctx := NewContext(context.Background(), logger)
	l := FromContext(ctx)
	l.Info().Msg("from ctx")
	assert.Contains(t, buf.String(), "from ctx")

	assert.NotPanics(t, func() {
		l := FromContext(context.Background())
		l.Debug().Msg("global")
	})
}
