package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsharma2491/trading-algo/pkg/logger"
)

type fakeJob struct {
	name     string
	schedule string
	runs     atomic.Int32
	err      error
}

func (j *fakeJob) Name() string     { return j.name }
func (j *fakeJob) Schedule() string { return j.schedule }
func (j *fakeJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

func waitHistory(t *testing.T, s *Scheduler, name string) []JobResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := s.History(name); len(h) > 0 {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no history recorded for job %s", name)
	return nil
}

func TestAddJobRejectsDuplicate(t *testing.T) {
	s := New(logger.Nop())
	job := &fakeJob{name: "squareoff", schedule: "0 25 15 * * 1-5"}

	require.NoError(t, s.AddJob(job))
	err := s.AddJob(job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRunJobRecordsSuccess(t *testing.T) {
	s := New(logger.Nop())
	job := &fakeJob{name: "squareoff", schedule: "@daily"}
	require.NoError(t, s.AddJob(job))

	require.NoError(t, s.RunJob("squareoff"))
	history := waitHistory(t, s, "squareoff")

	assert.True(t, history[0].Success)
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestRunJobRetriesAndRecordsFailure(t *testing.T) {
	s := New(logger.Nop())
	s.maxRetries = 2
	s.retryDelay = time.Millisecond

	job := &fakeJob{name: "flaky", schedule: "@daily", err: errors.New("boom")}
	require.NoError(t, s.AddJob(job))

	require.NoError(t, s.RunJob("flaky"))
	history := waitHistory(t, s, "flaky")

	assert.False(t, history[0].Success)
	assert.Equal(t, "boom", history[0].Error)
	assert.Equal(t, int32(3), job.runs.Load())
}

func TestRunJobUnknown(t *testing.T) {
	s := New(logger.Nop())
	require.Error(t, s.RunJob("missing"))
}
