package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveJobStatus(t *testing.T) {
	cases := []struct {
		name    string
		current JobStatus
		details []DetailStatus
		want    JobStatus
	}{
		{
			"no details leaves status alone",
			JobPending, nil, JobPending,
		},
		{
			"any running wins",
			JobDownloading,
			[]DetailStatus{DetailCompleted, DetailRunning, DetailPending},
			JobRunning,
		},
		{
			"all completed",
			JobRunning,
			[]DetailStatus{DetailCompleted, DetailCompleted},
			JobCompleted,
		},
		{
			"completed and skipped count as done",
			JobRunning,
			[]DetailStatus{DetailCompleted, DetailSkipped},
			JobCompleted,
		},
		{
			"all skipped is completed",
			JobRunning,
			[]DetailStatus{DetailSkipped, DetailSkipped},
			JobCompleted,
		},
		{
			"all failed",
			JobRunning,
			[]DetailStatus{DetailFailed, DetailFailed},
			JobFailed,
		},
		{
			"mixed outcomes are partial",
			JobRunning,
			[]DetailStatus{DetailCompleted, DetailCompleted, DetailFailed},
			JobPartial,
		},
		{
			"skipped plus failed is partial",
			JobRunning,
			[]DetailStatus{DetailSkipped, DetailFailed},
			JobPartial,
		},
		{
			"pending work keeps the current status",
			JobDownloading,
			[]DetailStatus{DetailCompleted, DetailPending},
			JobDownloading,
		},
		{
			"pending after failures still keeps current",
			JobRunning,
			[]DetailStatus{DetailFailed, DetailPending},
			JobRunning,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveJobStatus(tc.current, tc.details))
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, st := range []JobStatus{JobPending, JobDownloading, JobRunning} {
		assert.True(t, st.Active(), "%s active", st)
		assert.False(t, st.Terminal(), "%s not terminal", st)
	}
	for _, st := range []JobStatus{JobCompleted, JobPartial, JobFailed} {
		assert.False(t, st.Active(), "%s not active", st)
		assert.True(t, st.Terminal(), "%s terminal", st)
	}

	assert.False(t, DetailPending.Terminal())
	assert.False(t, DetailRunning.Terminal())
	for _, st := range []DetailStatus{DetailCompleted, DetailFailed, DetailSkipped} {
		assert.True(t, st.Terminal(), "%s terminal", st)
	}
}
