// Package middleware holds HTTP middleware that is specific to the job
// API and not covered by chi's stock set.
package middleware

import (
	"net/http"
)

type admission struct {
	w    http.ResponseWriter
	r    *http.Request
	next http.Handler
	done chan struct{}
}

// Limiter bounds how many requests run concurrently and how many may
// wait behind them. Job creation fans out into database writes and
// broker publishes, so an unbounded burst of creates can starve the
// rest of the API.
type Limiter struct {
	waiting  chan admission
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		waiting:  make(chan admission, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}
	go l.admit()
	return l
}

func (l *Limiter) admit() {
	for a := range l.waiting {
		l.inflight <- struct{}{}

		go func(a admission) {
			defer func() {
				<-l.inflight
				close(a.done)
			}()
			a.next.ServeHTTP(a.w, a.r)
		}(a)
	}
}

// Limit wraps next so that requests beyond the waiting capacity are
// rejected with 503 instead of piling up.
func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := admission{w: w, r: r, next: next, done: make(chan struct{})}

		select {
		case l.waiting <- a:
			select {
			case <-a.done:
			case <-r.Context().Done():
				http.Error(w, "request canceled or timed out", http.StatusGatewayTimeout)
			}
		default:
			http.Error(w, "server busy", http.StatusServiceUnavailable)
		}
	})
}
