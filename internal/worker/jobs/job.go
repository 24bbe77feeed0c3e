// Package jobs holds the handlers a worker can run. Each handler is a
// struct carrying its typed params plus the runtime it needs, with a
// single Do method returning the job result.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hubward/jobd/internal/cache"
	"github.com/hubward/jobd/internal/service/logger"
	"github.com/hubward/jobd/internal/storage"
	"github.com/hubward/jobd/internal/worker/session"
)

// Log levels for job log entries. Kept as small ints so the entries
// serialize compactly into the job row.
const (
	LevelError = 0
	LevelWarn  = 1
	LevelInfo  = 2
	LevelDebug = 3
)

// LogEntry is one line of a job's log, stored on the job row and shown
// to the user alongside the result.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   int       `json:"level"`
	Message string    `json:"message"`
}

// Runtime bundles the worker-process facilities handlers draw on.
// Store and Cache may be nil when the deployment does not configure
// them; handlers degrade rather than fail.
type Runtime struct {
	WorkDir      string
	SnapshotDir  string
	Store        storage.Storage
	Cache        cache.Cache
	Sessions     *session.Manager
	ConverterBin string
}

// Handler is one runnable job. Do returns the value serialized into
// the job's result; the accumulated log is collected separately via
// Entries.
type Handler interface {
	Do(ctx context.Context) (any, error)
	Entries() []LogEntry
}

// Job is the embedded base of every handler: the job's identity, its
// working directory and the log accumulator.
type Job struct {
	ID      int64
	WorkDir string

	entries []LogEntry
}

func (j *Job) log(level int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	j.entries = append(j.entries, LogEntry{Time: time.Now().UTC(), Level: level, Message: msg})

	zl := logger.ForJob(j.ID)
	switch level {
	case LevelError:
		zl.Error().Msg(msg)
	case LevelWarn:
		zl.Warn().Msg(msg)
	case LevelDebug:
		zl.Debug().Msg(msg)
	default:
		zl.Info().Msg(msg)
	}
}

func (j *Job) Error(format string, args ...any) { j.log(LevelError, format, args...) }
func (j *Job) Warn(format string, args ...any)  { j.log(LevelWarn, format, args...) }
func (j *Job) Info(format string, args ...any)  { j.log(LevelInfo, format, args...) }
func (j *Job) Debug(format string, args ...any) { j.log(LevelDebug, format, args...) }

// Entries returns the log accumulated so far.
func (j *Job) Entries() []LogEntry {
	return j.entries
}
