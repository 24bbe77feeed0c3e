package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hubward/jobd/model"
)

func TestSleepSucceeds(t *testing.T) {
	sleep := &Sleep{
		Job:    Job{ID: 1, WorkDir: t.TempDir()},
		Params: model.SleepParams{Seconds: 0.01, Repeat: 3},
	}

	result, err := sleep.Do(context.Background())
	require.NoError(t, err)

	slept, ok := result.(map[string]any)
	require.True(t, ok)
	require.InDelta(t, 0.03, slept["slept"], 1e-9)
	require.Len(t, sleep.Entries(), 3)
}

func TestSleepFailsAtRequestedRepetition(t *testing.T) {
	sleep := &Sleep{
		Job:    Job{ID: 2, WorkDir: t.TempDir()},
		Params: model.SleepParams{Seconds: 0.01, Repeat: 5, Fail: 2},
	}

	_, err := sleep.Do(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "repetition 2")

	// The first repetition completed before the failure.
	require.Len(t, sleep.Entries(), 1)
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	sleep := &Sleep{
		Job:    Job{ID: 3, WorkDir: t.TempDir()},
		Params: model.SleepParams{Seconds: 10},
	}

	_, err := sleep.Do(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
