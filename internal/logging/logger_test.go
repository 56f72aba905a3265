package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Component("ledger").Info().Str("correlation_id", "iauth_1").Msg("recorded")
	Component("ledger").Debug().Msg("dropped below level")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "ledger", line["component"])
	require.Equal(t, "iauth_1", line["correlation_id"])
	require.Equal(t, "recorded", line["message"])
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	scoped := zerolog.New(&buf).With().Str("request_id", "req-1").Logger()

	FromContext(WithContext(context.Background(), scoped)).Warn().Msg("scoped")
	require.Contains(t, buf.String(), `"request_id":"req-1"`)

	require.Same(t, &Logger, FromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	require.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}
