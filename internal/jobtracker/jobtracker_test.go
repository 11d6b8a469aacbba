package jobtracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartRejectsConcurrentJob(t *testing.T) {
	tr := New()
	now := time.Now()
	require.NoError(t, tr.Start("job-1", 100, now))
	require.Error(t, tr.Start("job-2", 50, now))
}

func TestProgressComputesPercentAndEstimate(t *testing.T) {
	tr := New()
	start := time.Now()
	require.NoError(t, tr.Start("job-1", 100, start))
	tr.RecordExecuted(25, "N5 M10 X1 *1", start.Add(time.Second))

	prog, ok := tr.Progress(start.Add(2*time.Second), "X=1", 200, 60)
	require.True(t, ok)
	require.Equal(t, 25.0, prog.Percent)
	require.Greater(t, prog.Estimated, time.Duration(0))
}

func TestFinishRetainsJobAndFreesCurrentSlot(t *testing.T) {
	tr := New()
	now := time.Now()
	require.NoError(t, tr.Start("job-1", 10, now))
	tr.Finish(StateCompleted, "", now.Add(time.Second))

	_, hasCurrent := tr.Current()
	require.False(t, hasCurrent)

	job, ok := tr.Lookup("job-1")
	require.True(t, ok)
	require.Equal(t, StateCompleted, job.State)

	require.NoError(t, tr.Start("job-2", 10, now))
}

func TestRetentionCapsAtMaxRetained(t *testing.T) {
	tr := New()
	now := time.Now()
	for i := 0; i < MaxRetained+10; i++ {
		id := "job-" + string(rune('a'+i%26)) + string(rune(i))
		require.NoError(t, tr.Start(id, 1, now))
		tr.Finish(StateCompleted, "", now)
	}
	require.Equal(t, MaxRetained, tr.RetainedCount())
}
