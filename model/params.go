package model

import (
	"encoding/json"
	"fmt"
)

// UnknownMethodError is returned for a method name outside the closed
// set. Jobs with unknown methods are rejected before dispatch and are
// never enqueued.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown job method %q", e.Method)
}

// SleepParams drive the sleep job, which exists mainly to exercise
// logging, termination and failure handling.
type SleepParams struct {
	Seconds float64 `json:"seconds,omitempty"`
	Repeat  int     `json:"repeat,omitempty"`
	// Fail, when non-zero, makes the job fail at that repetition.
	Fail int `json:"fail,omitempty"`
}

// CleanParams drive the clean job. There are none; the working
// directory is implied by the job's project.
type CleanParams struct{}

// SnapshotParams drive the archive, zip and copy jobs. Snapshot names
// a directory under the snapshot root, keyed by (project, snapshot).
type SnapshotParams struct {
	Project  int64  `json:"project"`
	Snapshot string `json:"snapshot"`
}

// Source is a typed descriptor of an external content source. Type is
// mandatory; the remaining fields depend on it.
type Source struct {
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Name  string `json:"name,omitempty"`
	Token string `json:"token,omitempty"`
	// Article is an eLife article number.
	Article int `json:"article,omitempty"`
}

// PullParams drive the pull job: fetch Source into Path within the
// working directory.
type PullParams struct {
	Project int64             `json:"project"`
	Source  Source            `json:"source"`
	Path    string            `json:"path,omitempty"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// PushParams drive the push job: upload in-project Paths back to
// Source.
type PushParams struct {
	Project int64             `json:"project"`
	Paths   []string          `json:"paths"`
	Source  Source            `json:"source"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// ConvertParams drive the convert job and its decode/encode/compile/
// build variants, all of which shell out to a converter binary.
type ConvertParams struct {
	Project int64    `json:"project"`
	Input   string   `json:"input"`
	Output  string   `json:"output"`
	Options []string `json:"options,omitempty"`
}

// SessionParams drive the execute and session jobs.
type SessionParams struct {
	Project int64 `json:"project"`
	// Protocol defaults to "ws".
	Protocol string `json:"protocol,omitempty"`
	// TimeoutSeconds caps how long the session may run; defaults to
	// one hour.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	// Untrusted sessions run in a container rather than a subprocess.
	Untrusted bool `json:"untrusted,omitempty"`
}

// JobParams is implemented by every typed parameter struct.
type JobParams interface {
	isJobParams()
}

func (SleepParams) isJobParams()    {}
func (CleanParams) isJobParams()    {}
func (SnapshotParams) isJobParams() {}
func (PullParams) isJobParams()     {}
func (PushParams) isJobParams()     {}
func (ConvertParams) isJobParams()  {}
func (SessionParams) isJobParams()  {}

// DecodeParams unmarshals a job's raw params into the typed struct for
// its method. Compound methods carry no params of their own.
func DecodeParams(method JobMethod, raw json.RawMessage) (JobParams, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	decode := func(into JobParams) (JobParams, error) {
		if err := json.Unmarshal(raw, into); err != nil {
			return nil, fmt.Errorf("params for %s: %w", method, err)
		}
		return into, nil
	}
	switch method {
	case MethodSleep:
		return decode(&SleepParams{})
	case MethodClean:
		return decode(&CleanParams{})
	case MethodArchive, MethodZip, MethodCopy:
		return decode(&SnapshotParams{})
	case MethodPull:
		return decode(&PullParams{})
	case MethodPush:
		return decode(&PushParams{})
	case MethodDecode, MethodEncode, MethodConvert, MethodCompile, MethodBuild:
		return decode(&ConvertParams{})
	case MethodExecute, MethodSession:
		return decode(&SessionParams{})
	default:
		return nil, &UnknownMethodError{Method: string(method)}
	}
}
