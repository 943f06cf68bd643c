package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerScopesAndCapturesEntries(t *testing.T) {
	var out bytes.Buffer
	logger := NewLoggerWithOutput("debug", &out)
	scoped := logger.WithScope("http:4545")

	scoped.Infof("matched stub %d", 2)
	logger.Warn("no scope")

	entries := logger.GetEntries(0, -1)
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "[http:4545] matched stub 2", entries[0].Message)
		assert.Equal(t, "info", entries[0].Level)
		assert.Equal(t, "no scope", entries[1].Message)
	}
	assert.Contains(t, out.String(), "matched stub 2")
}

func TestGetEntriesClampsRange(t *testing.T) {
	logger := NewLoggerWithOutput("info", &bytes.Buffer{})
	logger.Info("one")
	logger.Info("two")

	assert.Len(t, logger.GetEntries(1, 10), 1)
	assert.Empty(t, logger.GetEntries(5, 1))
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	logger := NewLoggerWithOutput("info", &bytes.Buffer{})
	logger.Debug("hidden")

	assert.Empty(t, logger.GetEntries(0, -1))
}
