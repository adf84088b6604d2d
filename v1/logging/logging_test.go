package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		name        string
		lvl         string
		parsedLevel slog.Level
		hasErr      bool
	}{
		{name: "Empty string", lvl: "", hasErr: true},
		{name: "Uppercase level", lvl: "DEBUG", parsedLevel: DebugLevel},
		{name: "Debug", lvl: "debug", parsedLevel: DebugLevel},
		{name: "Info", lvl: "info", parsedLevel: InfoLevel},
		{name: "Warn", lvl: "warn", parsedLevel: WarnLevel},
		{name: "Error", lvl: "error", parsedLevel: ErrorLevel},
		{name: "Off", lvl: "off", parsedLevel: OffLevel},
		{name: "Unsupported level", lvl: "XXX", hasErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l, err := ParseLevel(tc.lvl)

			assert.Equal(t, tc.parsedLevel, l)

			if tc.hasErr {
				assert.ErrorContains(t, err, "unrecognized level: ")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn")
	require.NoError(t, err)

	logger.Info("adlock: hidden")
	logger.Warn("adlock: shown", "resource", "car-123")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "resource=car-123")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "verbose")
	assert.Error(t, err)
}
