package model

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrJobNotFound is returned by job stores for an id or key that
// matches no job. Event handlers log and drop it rather than failing.
var ErrJobNotFound = errors.New("job not found")

// JobMethod is the closed set of things a job can do. Methods are
// stored as strings but only values produced by ParseMethod are ever
// dispatched.
type JobMethod string

const (
	MethodParallel JobMethod = "parallel"
	MethodSeries   JobMethod = "series"
	MethodChain    JobMethod = "chain"

	MethodClean   JobMethod = "clean"
	MethodArchive JobMethod = "archive"
	MethodZip     JobMethod = "zip"
	MethodCopy    JobMethod = "copy"

	MethodPull JobMethod = "pull"
	MethodPush JobMethod = "push"

	MethodDecode  JobMethod = "decode"
	MethodEncode  JobMethod = "encode"
	MethodConvert JobMethod = "convert"

	MethodCompile JobMethod = "compile"
	MethodBuild   JobMethod = "build"
	MethodExecute JobMethod = "execute"
	MethodSession JobMethod = "session"

	MethodSleep JobMethod = "sleep"
)

var allMethods = map[JobMethod]bool{
	MethodParallel: true, MethodSeries: true, MethodChain: true,
	MethodClean: true, MethodArchive: true, MethodZip: true, MethodCopy: true,
	MethodPull: true, MethodPush: true,
	MethodDecode: true, MethodEncode: true, MethodConvert: true,
	MethodCompile: true, MethodBuild: true,
	MethodExecute: true, MethodSession: true,
	MethodSleep: true,
}

// ParseMethod validates a method name against the closed set.
func ParseMethod(s string) (JobMethod, error) {
	m := JobMethod(s)
	if !allMethods[m] {
		return "", &UnknownMethodError{Method: s}
	}
	return m, nil
}

// IsCompound reports whether the method fans out to child jobs rather
// than doing work itself.
func (m JobMethod) IsCompound() bool {
	return m == MethodParallel || m == MethodSeries || m == MethodChain
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	// StatusWaiting marks a child of a series/chain job that is
	// awaiting its predecessor.
	StatusWaiting JobStatus = "WAITING"

	StatusPending    JobStatus = "PENDING"
	StatusDispatched JobStatus = "DISPATCHED"
	StatusReceived   JobStatus = "RECEIVED"
	StatusStarted    JobStatus = "STARTED"
	StatusRunning    JobStatus = "RUNNING"

	StatusSuccess JobStatus = "SUCCESS"
	StatusFailure JobStatus = "FAILURE"

	// StatusRevoked means the job was cancelled before it finished;
	// TERMINATED means it had already started and was killed.
	StatusRevoked    JobStatus = "REVOKED"
	StatusTerminated JobStatus = "TERMINATED"
)

// statusRanks broadly reflect the order in which statuses change on a
// job. A transition to a lower-ranked status is always stale and must
// be dropped. FAILURE ranks highest so that a compound job rolls up to
// FAILURE if any child failed.
var statusRanks = map[JobStatus]int{
	StatusWaiting:    0,
	StatusPending:    1,
	StatusDispatched: 2,
	StatusReceived:   3,
	StatusStarted:    4,
	StatusRunning:    5,
	StatusSuccess:    6,
	StatusRevoked:    7,
	StatusTerminated: 8,
	StatusFailure:    9,
}

// Rank returns the ordering of a status; unknown statuses rank lowest.
func (s JobStatus) Rank() int {
	return statusRanks[s]
}

// HasEnded reports whether the status is terminal.
func (s JobStatus) HasEnded() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked, StatusTerminated:
		return true
	}
	return false
}

// HighestStatus returns the status with the highest rank. Used to roll
// child statuses up into a compound parent.
func HighestStatus(statuses []JobStatus) JobStatus {
	var highest JobStatus
	rank := -1
	for _, s := range statuses {
		if r := s.Rank(); r > rank {
			highest, rank = s, r
		}
	}
	return highest
}

// Job is one unit of asynchronous work.
//
// Children of compound jobs are stored as rows pointing at ParentID
// and ordered by id; the tree is always walked through the store, by
// id, never through in-memory pointers.
type Job struct {
	ID        int64           `db:"id" json:"id"`
	Key       string          `db:"key" json:"key"`
	ProjectID int64           `db:"project_id" json:"projectId"`
	CreatorID int64           `db:"creator_id" json:"creatorId,omitempty"`
	ParentID  *int64          `db:"parent_id" json:"parentId,omitempty"`
	Method    JobMethod       `db:"method" json:"method"`
	Params    json.RawMessage `db:"params" json:"params,omitempty"`
	Status    JobStatus       `db:"status" json:"status"`
	QueueID   *int64          `db:"queue_id" json:"queueId,omitempty"`
	Worker    string          `db:"worker" json:"worker,omitempty"`
	Created   time.Time       `db:"created" json:"created"`
	Began     *time.Time      `db:"began" json:"began,omitempty"`
	Ended     *time.Time      `db:"ended" json:"ended,omitempty"`
	Result    json.RawMessage `db:"result" json:"result,omitempty"`
	Error     json.RawMessage `db:"error" json:"error,omitempty"`
	Log       json.RawMessage `db:"log" json:"log,omitempty"`
	Runtime   float64         `db:"runtime" json:"runtime,omitempty"`
	URL       string          `db:"url" json:"url,omitempty"`
	Retries   int             `db:"retries" json:"retries"`
}

// IsActive reports whether the job may still change state through the
// normal lifecycle.
func (j *Job) IsActive() bool {
	return !j.Status.HasEnded()
}

// Zone is an account-scoped partition of worker capacity.
type Zone struct {
	ID      int64  `db:"id" json:"id"`
	Account string `db:"account" json:"account"`
	Name    string `db:"name" json:"name"`
}

// Queue is a named, prioritized routing target for jobs within a zone.
// The (zone, priority, untrusted, interrupt) tuple is derived from the
// queue name and is the uniqueness key.
type Queue struct {
	ID        int64  `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	ZoneID    int64  `db:"zone_id" json:"zoneId"`
	Priority  int    `db:"priority" json:"priority"`
	Untrusted bool   `db:"untrusted" json:"untrusted"`
	Interrupt bool   `db:"interrupt" json:"interrupt"`
}

// FlatlineHeartbeats is the number of missed heartbeats after which a
// worker is considered inactive.
const FlatlineHeartbeats = 5

// Worker is a process that runs jobs from one or more queues, as
// captured from broker worker events. The signature is the only way to
// uniquely identify a worker across restarts on the same host.
type Worker struct {
	ID        int64           `db:"id" json:"id"`
	Hostname  string          `db:"hostname" json:"hostname"`
	Utcoffset int             `db:"utcoffset" json:"utcoffset"`
	Pid       int             `db:"pid" json:"pid"`
	Freq      float64         `db:"freq" json:"freq"`
	Software  string          `db:"software" json:"software,omitempty"`
	OS        string          `db:"os" json:"os,omitempty"`
	Details   json.RawMessage `db:"details" json:"details,omitempty"`
	Signature string          `db:"signature" json:"signature"`
	Created   time.Time       `db:"created" json:"created"`
	Started   *time.Time      `db:"started" json:"started,omitempty"`
	Updated   *time.Time      `db:"updated" json:"updated,omitempty"`
	Finished  *time.Time      `db:"finished" json:"finished,omitempty"`
}

// Active reports whether the worker is believed to still be running.
func (w *Worker) Active(now time.Time) bool {
	if w.Finished != nil {
		return false
	}
	if w.Updated != nil && w.Freq > 0 {
		return now.Sub(*w.Updated).Seconds() < w.Freq*FlatlineHeartbeats
	}
	return true
}

// WorkerHeartbeat is one sample of a worker's periodic heartbeat.
// Rows are append-only and pruned by age, never updated.
type WorkerHeartbeat struct {
	WorkerID  int64      `db:"worker_id" json:"workerId"`
	Time      time.Time  `db:"time" json:"time"`
	Clock     int64      `db:"clock" json:"clock"`
	Active    int        `db:"active" json:"active"`
	Processed int64      `db:"processed" json:"processed"`
	Load      [3]float64 `db:"load" json:"load"`
}

// Session describes a running interactive execution session. It lives
// only for the duration of the worker process handling the job.
type Session struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
}

// URL returns the address clients use to reach the session.
func (s Session) URL() string {
	return s.Protocol + "://" + s.IP + ":" + strconv.Itoa(s.Port)
}
