package jobs

import (
	"context"
	"time"

	"github.com/hubward/jobd/internal/worker/session"
	"github.com/hubward/jobd/model"
)

// SessionJob starts an interactive execution session and blocks while
// clients use it. It ends by revocation or by hitting its time
// ceiling; both tear the session down.
type SessionJob struct {
	Job
	Params   model.SessionParams
	Sessions *session.Manager

	// OnRunning is called with the session URL once it accepts
	// connections, so the worker can surface it while the job runs.
	OnRunning func(url string)
}

func (s *SessionJob) Do(ctx context.Context) (any, error) {
	sess, err := s.Sessions.Start(ctx, s.Params)
	if err != nil {
		return nil, err
	}
	defer s.Sessions.Stop(sess)

	url := sess.URL()
	s.Info("session available at %s", url)
	if s.OnRunning != nil {
		s.OnRunning(url)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.Sessions.Timeout(s.Params)):
		s.Warn("session reached its time limit")
		return nil, session.ErrSessionTimeout
	}
}
