package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogBufferAppendAndSnapshot(t *testing.T) {
	b := NewLogBuffer(10)

	b.Append(LevelInfo, "first", "")
	b.Append(LevelDebug, "second", "detail")

	entries := b.Snapshot()
	assert.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)
	assert.Equal(t, "detail", entries[1].Details)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestLogBufferEvictsOldest(t *testing.T) {
	b := NewLogBuffer(3)

	for i := 0; i < 5; i++ {
		b.Append(LevelInfo, fmt.Sprintf("entry-%d", i), "")
	}

	entries := b.Snapshot()
	assert.Len(t, entries, 3)
	assert.Equal(t, "entry-2", entries[0].Message)
	assert.Equal(t, "entry-4", entries[2].Message)
	assert.Equal(t, 3, b.Len())
}

func TestLogBufferClear(t *testing.T) {
	b := NewLogBuffer(5)
	b.Append(LevelError, "boom", "")

	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot())

	// Still usable after clearing.
	b.Append(LevelInfo, "again", "")
	assert.Equal(t, 1, b.Len())
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarning.String())
	assert.Equal(t, "ERROR", LevelError.String())
}
