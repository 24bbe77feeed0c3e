package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hubward/jobd/model"
)

// Sleep does nothing, slowly. It exists to exercise dispatch, logging,
// termination and failure handling end to end.
type Sleep struct {
	Job
	Params model.SleepParams
}

func (s *Sleep) Do(ctx context.Context) (any, error) {
	seconds := s.Params.Seconds
	if seconds <= 0 {
		seconds = 1
	}
	repeat := s.Params.Repeat
	if repeat <= 0 {
		repeat = 1
	}

	for i := 1; i <= repeat; i++ {
		if s.Params.Fail == i {
			return nil, fmt.Errorf("failing at repetition %d as requested", i)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(seconds * float64(time.Second))):
		}
		s.Info("slept %v seconds (%d of %d)", seconds, i, repeat)
	}
	return map[string]any{"slept": seconds * float64(repeat)}, nil
}
