package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	log := slog.New(NewMaskingHandler(slog.NewJSONHandler(&buf, nil)))

	return log, &buf
}

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	return record
}

func TestMaskingHandler_MasksSensitiveAttrs(t *testing.T) {
	log, buf := captureLogger()

	log.Info("connected", slog.String("access_token", "llat-abc123"), slog.String("host", "hass.local"))

	record := decodeRecord(t, buf)
	assert.Equal(t, "***", record["access_token"])
	assert.Equal(t, "hass.local", record["host"])
}

func TestMaskingHandler_IsCaseInsensitive(t *testing.T) {
	log, buf := captureLogger()

	log.Info("auth", slog.String("Authorization", "Bearer xyz"))

	record := decodeRecord(t, buf)
	assert.Equal(t, "***", record["Authorization"])
}

func TestMaskingHandler_MasksWithAttrs(t *testing.T) {
	log, buf := captureLogger()

	log.With(slog.String("token", "secret-value")).Info("session opened")

	record := decodeRecord(t, buf)
	assert.Equal(t, "***", record["token"])
}

func TestMaskingHandler_LeavesMessageUntouched(t *testing.T) {
	log, buf := captureLogger()

	log.Info("token refresh scheduled")

	record := decodeRecord(t, buf)
	assert.Equal(t, "token refresh scheduled", record["msg"])
}
