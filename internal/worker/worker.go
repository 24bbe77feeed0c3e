// Package worker runs jobs. A worker process subscribes to a set of
// queues, executes one task at a time and reports everything it does
// as lifecycle events; it never writes to the database directly.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/internal/queue"
	"github.com/hubward/jobd/internal/service/logger"
	"github.com/hubward/jobd/internal/worker/jobs"
	"github.com/hubward/jobd/internal/worker/session"
	"github.com/hubward/jobd/model"
)

const taskWait = 2 * time.Second

// Worker pulls tasks off its queues and runs them. Exactly one task is
// in flight at a time, which is what makes revocation by process-level
// cancellation safe.
type Worker struct {
	cfg     *config.WorkerConfig
	broker  queue.Broker
	runtime jobs.Runtime

	hostname string
	pid      int
	started  time.Time

	clock     atomic.Int64
	processed atomic.Int64

	mu      sync.Mutex
	current int64 // job id in flight, 0 when idle
	cancel  context.CancelFunc
	revoked bool
}

func New(cfg *config.WorkerConfig, broker queue.Broker, rt jobs.Runtime) *Worker {
	hostname, _ := os.Hostname()
	return &Worker{
		cfg:      cfg,
		broker:   broker,
		runtime:  rt,
		hostname: hostname,
		pid:      os.Getpid(),
		started:  time.Now(),
	}
}

// Run announces the worker, processes tasks until the context is
// cancelled, then announces it offline.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.SubscribeRevocations(ctx, w.onRevoke); err != nil {
		return err
	}
	if err := w.publishWorkerEvent(ctx, queue.WorkerOnline); err != nil {
		return err
	}
	go w.heartbeatLoop(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.publishWorkerEvent(shutdownCtx, queue.WorkerOffline); err != nil {
			logger.Log.Warn().Err(err).Msg("offline event failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delivery, err := w.broker.NextTask(ctx, w.cfg.ACCOUNT, w.cfg.QUEUES, taskWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Log.Warn().Err(err).Msg("task fetch failed")
			time.Sleep(taskWait)
			continue
		}
		if delivery == nil {
			continue
		}
		w.handle(ctx, delivery)
	}
}

func (w *Worker) onRevoke(taskID string) {
	id, err := strconv.ParseInt(taskID, 10, 64)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == id && w.cancel != nil {
		w.revoked = true
		w.cancel()
	}
}

func (w *Worker) handle(ctx context.Context, delivery *queue.TaskDelivery) {
	msg := delivery.Message
	jobID, err := strconv.ParseInt(msg.TaskID, 10, 64)
	if err != nil {
		logger.Log.Error().Str("task", msg.TaskID).Msg("task id is not a job id")
		_ = delivery.Ack()
		return
	}
	log := logger.ForJob(jobID)
	log.Info().Str("method", msg.Method).Str("queue", delivery.Queue).Msg("task received")

	w.publishTaskEvent(ctx, queue.TaskReceived, jobID, queue.Event{})

	jobCtx, cancel := context.WithCancel(ctx)
	requeue := false
	w.mu.Lock()
	w.current, w.cancel, w.revoked = jobID, cancel, false
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		w.current, w.cancel = 0, nil
		w.mu.Unlock()
		if requeue {
			if err := delivery.Nak(); err != nil {
				log.Warn().Err(err).Msg("nak failed")
			}
			return
		}
		w.processed.Add(1)
		if err := delivery.Ack(); err != nil {
			log.Warn().Err(err).Msg("ack failed")
		}
	}()

	handler, err := w.buildHandler(jobID, msg)
	if err != nil {
		w.publishTaskEvent(ctx, queue.TaskFailed, jobID, queue.Event{Exception: err.Error()})
		return
	}

	began := time.Now()
	w.publishTaskEvent(ctx, queue.TaskStarted, jobID, queue.Event{})

	result, err := handler.Do(jobCtx)
	elapsed := time.Since(began).Seconds()

	entries, _ := json.Marshal(handler.Entries())

	w.mu.Lock()
	revoked := w.revoked
	w.mu.Unlock()

	switch {
	case revoked && jobCtx.Err() != nil:
		log.Info().Msg("task revoked")
		w.publishTaskEvent(ctx, queue.TaskRevoked, jobID, queue.Event{Terminated: true})

	case errors.Is(err, session.ErrSessionTimeout):
		log.Info().Msg("session terminated on timeout")
		w.publishTaskEvent(ctx, queue.TaskRevoked, jobID, queue.Event{Terminated: true, Log: entries})

	case err != nil && ctx.Err() != nil:
		// The worker is shutting down, not the job failing. Leave the
		// task for another worker to pick up.
		log.Info().Msg("task returned to queue on shutdown")
		requeue = true

	case err != nil:
		log.Error().Err(err).Float64("runtime", elapsed).Msg("task failed")
		w.publishTaskEvent(ctx, queue.TaskFailed, jobID, queue.Event{
			Exception: err.Error(),
			Runtime:   elapsed,
			Log:       entries,
		})

	default:
		encoded, merr := json.Marshal(result)
		if merr != nil {
			w.publishTaskEvent(ctx, queue.TaskFailed, jobID, queue.Event{Exception: merr.Error(), Log: entries})
			return
		}
		log.Info().Float64("runtime", elapsed).Msg("task succeeded")
		w.publishTaskEvent(ctx, queue.TaskSucceeded, jobID, queue.Event{
			Result:  encoded,
			Runtime: elapsed,
			Log:     entries,
		})
	}
}

// projectParams is the minimal decode every method shares, used to
// place the job in its project's working directory.
type projectParams struct {
	Project int64 `json:"project"`
}

func (w *Worker) workDir(jobID int64, raw json.RawMessage) (string, error) {
	var pp projectParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &pp)
	}
	var dir string
	if pp.Project > 0 {
		dir = filepath.Join(w.runtime.WorkDir, strconv.FormatInt(pp.Project, 10))
	} else {
		dir = filepath.Join(w.runtime.WorkDir, "jobs", strconv.FormatInt(jobID, 10))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (w *Worker) buildHandler(jobID int64, msg queue.TaskMessage) (jobs.Handler, error) {
	method, err := model.ParseMethod(msg.Method)
	if err != nil {
		return nil, err
	}
	if method.IsCompound() {
		return nil, fmt.Errorf("compound method %s cannot run on a worker", method)
	}

	params, err := model.DecodeParams(method, msg.Params)
	if err != nil {
		return nil, err
	}
	dir, err := w.workDir(jobID, msg.Params)
	if err != nil {
		return nil, err
	}
	base := jobs.Job{ID: jobID, WorkDir: dir}

	switch method {
	case model.MethodSleep:
		return &jobs.Sleep{Job: base, Params: *params.(*model.SleepParams)}, nil

	case model.MethodClean:
		return &jobs.Clean{Job: base}, nil

	case model.MethodArchive:
		return &jobs.Archive{
			Job:         base,
			Params:      *params.(*model.SnapshotParams),
			SnapshotDir: w.runtime.SnapshotDir,
			Store:       w.runtime.Store,
		}, nil

	case model.MethodZip:
		return &jobs.Zip{
			Job:         base,
			Params:      *params.(*model.SnapshotParams),
			SnapshotDir: w.runtime.SnapshotDir,
		}, nil

	case model.MethodCopy:
		return &jobs.Copy{
			Job:         base,
			Params:      *params.(*model.SnapshotParams),
			SnapshotDir: w.runtime.SnapshotDir,
		}, nil

	case model.MethodPull:
		return &jobs.Pull{
			Job:    base,
			Params: *params.(*model.PullParams),
			Cache:  w.runtime.Cache,
			Store:  w.runtime.Store,
		}, nil

	case model.MethodPush:
		return &jobs.Push{
			Job:    base,
			Params: *params.(*model.PushParams),
			Store:  w.runtime.Store,
		}, nil

	case model.MethodDecode, model.MethodEncode, model.MethodConvert,
		model.MethodCompile, model.MethodBuild:
		return &jobs.Convert{
			Subprocess: jobs.Subprocess{Job: base},
			Params:     *params.(*model.ConvertParams),
			Verb:       string(method),
			Bin:        w.runtime.ConverterBin,
		}, nil

	case model.MethodExecute, model.MethodSession:
		return &jobs.SessionJob{
			Job:      base,
			Params:   *params.(*model.SessionParams),
			Sessions: w.runtime.Sessions,
			OnRunning: func(url string) {
				w.publishTaskEvent(context.Background(), queue.TaskStarted, jobID, queue.Event{URL: url})
			},
		}, nil
	}
	return nil, &model.UnknownMethodError{Method: msg.Method}
}

func (w *Worker) publishTaskEvent(ctx context.Context, typ queue.EventType, jobID int64, ev queue.Event) {
	ev.Type = typ
	ev.UUID = strconv.FormatInt(jobID, 10)
	ev.Hostname = w.hostname
	ev.Timestamp = float64(time.Now().UnixNano()) / 1e9
	if err := w.broker.PublishEvent(ctx, ev); err != nil {
		log := logger.ForJob(jobID)
		log.Warn().Str("event", string(typ)).Err(err).Msg("event publish failed")
	}
}

func (w *Worker) identityEvent(typ queue.EventType) queue.Event {
	_, offset := time.Now().Zone()
	return queue.Event{
		Type:      typ,
		Hostname:  w.hostname,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Utcoffset: offset / 3600,
		Pid:       w.pid,
		Freq:      float64(w.cfg.HEARTBEAT_SECS),
		SwIdent:   "jobd",
		SwVer:     Version,
		SwSys:     runtime.GOOS,
		Queues:    w.cfg.QUEUES,
	}
}

func (w *Worker) publishWorkerEvent(ctx context.Context, typ queue.EventType) error {
	ev := w.identityEvent(typ)
	if typ == queue.WorkerHeartbeat {
		w.mu.Lock()
		active := 0
		if w.current != 0 {
			active = 1
		}
		w.mu.Unlock()
		ev.Clock = w.clock.Add(1)
		ev.Active = active
		ev.Processed = w.processed.Load()
		ev.Loadavg = readLoadavg()
	}
	return w.broker.PublishEvent(ctx, ev)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.cfg.HEARTBEAT_SECS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.publishWorkerEvent(ctx, queue.WorkerHeartbeat); err != nil {
				logger.Log.Warn().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

// readLoadavg reads the 1, 5 and 15 minute load averages. Zeros on
// platforms without /proc.
func readLoadavg() [3]float64 {
	var load [3]float64
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return load
	}
	fields := strings.Fields(string(data))
	for i := 0; i < 3 && i < len(fields); i++ {
		if v, err := strconv.ParseFloat(fields[i], 64); err == nil {
			load[i] = v
		}
	}
	return load
}
