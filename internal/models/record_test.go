package models

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() RunRecord {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return RunRecord{
		RunID:         "0b3a1c52-8f2e-4c47-9a8a-1d2f3e4a5b6c",
		SpecReference: "/tmp/spec.yaml",
		State:         StateTesting,
		RetryCount:    1,
		MaxRetries:    3,
		CreatedAt:     now,
		UpdatedAt:     now.Add(time.Second),
	}
}

func TestRunRecordValidate(t *testing.T) {
	require.NoError(t, validRecord().Validate())

	msg := "boom"
	reason := StopPatchFailed
	unknown := StopReason("persist_failed")

	tests := []struct {
		name   string
		mutate func(r *RunRecord)
		want   string
	}{
		{"unknown state", func(r *RunRecord) { r.State = "DONE" }, "State"},
		{"retries over budget", func(r *RunRecord) { r.RetryCount = 4 }, "RetryCount"},
		{"negative retries", func(r *RunRecord) { r.RetryCount = -1 }, "RetryCount"},
		{"max retries over cap", func(r *RunRecord) { r.MaxRetries = 51; r.RetryCount = 0 }, "MaxRetries"},
		{"max retries zero", func(r *RunRecord) { r.MaxRetries = 0; r.RetryCount = 0 }, "MaxRetries"},
		{"missing run id", func(r *RunRecord) { r.RunID = "" }, "RunID"},
		{"missing spec", func(r *RunRecord) { r.SpecReference = "" }, "SpecReference"},
		{"updated before created", func(r *RunRecord) { r.UpdatedAt = r.CreatedAt.Add(-time.Hour) }, "UpdatedAt"},
		{"last error while running", func(r *RunRecord) { r.LastError = &msg }, "last_error"},
		{"stop reason while running", func(r *RunRecord) { r.StopReason = &reason }, "stop_reason"},
		{"undeclared stop reason", func(r *RunRecord) { r.State = StateFailed; r.LastError = &msg; r.StopReason = &unknown }, "unknown stop_reason"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunRecordSummary(t *testing.T) {
	r := validRecord()
	assert.Equal(t, "[0b3a1c52] TESTING — retry 1/3", r.Summary())

	msg := "Tests failed after 3 retries"
	reason := StopRetriesExhausted
	r.State = StateFailed
	r.LastError = &msg
	r.StopReason = &reason
	assert.Contains(t, r.Summary(), "FAILED")
	assert.Contains(t, r.Summary(), msg)
}

func TestClampRetries(t *testing.T) {
	assert.Equal(t, 1, ClampRetries(0))
	assert.Equal(t, 1, ClampRetries(-7))
	assert.Equal(t, 5, ClampRetries(5))
	assert.Equal(t, 50, ClampRetries(500))
}

func TestTailString(t *testing.T) {
	assert.Equal(t, "abc", TailString("abc", 10))
	assert.Equal(t, "def", TailString("abcdef", 3))

	// "é" is two bytes; a cut inside it moves forward to the next rune.
	assert.Equal(t, "f", TailString("abcdéf", 2))
	assert.Equal(t, "éf", TailString("abcdéf", 3))
	tail := TailString(strings.Repeat("日本語", 100), 10)
	assert.True(t, utf8.ValidString(tail))
	assert.LessOrEqual(t, len(tail), 10)
}

func TestStopReasonKnown(t *testing.T) {
	for r := range stopReasonText {
		assert.True(t, r.Known(), r)
	}
	assert.False(t, StopReason("persist_failed").Known())
}
