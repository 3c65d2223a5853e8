package eodobs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-admission/internal/logger"
	"trade-admission/internal/types"
)

type stubSummarizer struct {
	path string
	err  error
	due  bool
}

func (s *stubSummarizer) SummarizeDay(context.Context, time.Time, types.Report) (string, error) {
	return s.path, s.err
}

func (s *stubSummarizer) ShouldRunNow(context.Context, time.Time) (bool, string) {
	return s.due, s.path
}

func TestWrapLogsOutcome(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		stub    stubSummarizer
		wantLog string
		wantErr bool
	}{
		{"written", stubSummarizer{path: "logs/eod/2026-03-02.csv"}, "EOD report written", false},
		{"skipped", stubSummarizer{}, "EOD report skipped", false},
		{"failed", stubSummarizer{err: errors.New("disk full")}, "EOD report failed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, logger.InitWithWriter(logger.LogConfig{Level: "INFO", Format: "json"}, &buf))

			stub := tt.stub
			path, err := Wrap(&stub).SummarizeDay(context.Background(), day, types.Report{EntriesAttempted: 3})
			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, path)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.stub.path, path)
			}
			assert.Contains(t, buf.String(), tt.wantLog)
			assert.Contains(t, buf.String(), `"date":"2026-03-02"`)
		})
	}
}

func TestShouldRunNowPassesThrough(t *testing.T) {
	w := Wrap(&stubSummarizer{due: true, path: "x.csv"})
	due, path := w.ShouldRunNow(context.Background(), time.Now())
	assert.True(t, due)
	assert.Equal(t, "x.csv", path)
}
