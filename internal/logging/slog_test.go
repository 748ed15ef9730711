package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNewText_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewText(&buf, "warn").With("card", "test")
	ctx := context.Background()

	log.Info(ctx, "hidden")
	log.Warn(ctx, "flush failed", "slot", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "flush failed")
	assert.Contains(t, out, "slot=2")
	assert.Contains(t, out, "card=test")
}
