// Package dispatch runs one command or file operation against the backend
// and tracks it to a terminal state.
//
// Every dispatch takes a new generation number. Results that arrive for an
// older generation are dropped, so a superseded poll loop never renders.
package dispatch

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"fleetcmd/internal/client"
	"fleetcmd/internal/errors"
	"fleetcmd/internal/logging"
	"fleetcmd/internal/model"
)

// DefaultPollInterval is the delay between two polls of the same job
const DefaultPollInterval = time.Second

// ErrSuperseded ends a dispatch whose generation is no longer current
var ErrSuperseded = stderrors.New("superseded by a newer dispatch")

// State is the dispatch lifecycle state
type State int

const (
	Idle State = iota
	Dispatching
	Polling
	Completed
	Failed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dispatching:
		return "dispatching"
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a dispatch
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Backend is the part of the API client the machine drives
type Backend interface {
	Execute(ctx context.Context, req client.ExecuteRequest) (client.Outcome, error)
	Job(ctx context.Context, jobID string) (model.Job, error)
	UploadCopy(ctx context.Context, req client.UploadRequest) (client.Outcome, error)
	CopyFromVM(ctx context.Context, req client.CopyFromVMRequest) (client.Outcome, error)
}

// Event is one transition of a dispatch. Snapshot is set when there is
// something to render; Err is set on Failed.
type Event struct {
	Generation uint64
	State      State
	JobID      string
	Poll       int // poll sequence number, 0 when the event is not a poll response
	Snapshot   *model.Snapshot
	Err        error
}

// EmitFunc receives the events of one dispatch in order
type EmitFunc func(Event)

// Result is the terminal outcome of a dispatch
type Result struct {
	Generation uint64
	State      State
	JobID      string
	Snapshot   model.Snapshot
	Err        error
	Polls      int
}

// Stale reports whether the dispatch was superseded before it finished
func (r Result) Stale() bool {
	return stderrors.Is(r.Err, ErrSuperseded)
}

// Machine drives dispatches. Only the latest generation may emit events.
type Machine struct {
	backend  Backend
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	generation atomic.Uint64

	mu    sync.Mutex
	state State
}

// Option configures a Machine
type Option func(*Machine)

// WithPollInterval sets the delay between polls
func WithPollInterval(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the machine logger
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// New creates a machine driving backend
func New(backend Backend, opts ...Option) *Machine {
	m := &Machine{
		backend:  backend,
		interval: DefaultPollInterval,
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the state of the latest dispatch
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the generation of the latest dispatch
func (m *Machine) Generation() uint64 {
	return m.generation.Load()
}

// Supersede invalidates the running dispatch, if any
func (m *Machine) Supersede() uint64 {
	return m.generation.Add(1)
}

// Execute dispatches a command and polls it when the backend accepts it asynchronously
func (m *Machine) Execute(ctx context.Context, req client.ExecuteRequest, emit EmitFunc) Result {
	run := m.begin("execute", req.IPs, emit)
	out, err := m.backend.Execute(ctx, req)
	return run.settle(ctx, out, err)
}

// Upload copies a local file to the targets; it never polls
func (m *Machine) Upload(ctx context.Context, req client.UploadRequest, emit EmitFunc) Result {
	run := m.begin("upload-copy", req.IPs, emit)
	out, err := m.backend.UploadCopy(ctx, req)
	return run.settle(ctx, out, err)
}

// CopyFromVM copies a file from a source VM to the targets; it never polls
func (m *Machine) CopyFromVM(ctx context.Context, req client.CopyFromVMRequest, emit EmitFunc) Result {
	run := m.begin("copy-from-vm", req.IPs, emit)
	out, err := m.backend.CopyFromVM(ctx, req)
	return run.settle(ctx, out, err)
}

// Track polls an existing job. With no targets the rows follow the hosts the job reports.
func (m *Machine) Track(ctx context.Context, jobID string, targets []string, emit EmitFunc) Result {
	run := m.begin("track", targets, emit)
	run.transition(Event{State: Polling, JobID: jobID})
	return run.poll(ctx, jobID)
}

// run is the state of one dispatch
type run struct {
	m       *Machine
	gen     uint64
	kind    string
	targets []string
	emit    EmitFunc
	start   time.Time
	polls   int
}

func (m *Machine) begin(kind string, targets []string, emit EmitFunc) *run {
	if emit == nil {
		emit = func(Event) {}
	}
	r := &run{
		m:       m,
		gen:     m.generation.Add(1),
		kind:    kind,
		targets: append([]string(nil), targets...),
		emit:    emit,
		start:   m.now(),
	}
	m.logger.LogDispatch(kind, r.gen, len(targets))
	r.transition(Event{State: Dispatching})
	return r
}

func (r *run) current() bool {
	return r.m.generation.Load() == r.gen
}

// transition applies an event if the run is still current
func (r *run) transition(ev Event) bool {
	r.m.mu.Lock()
	if !r.current() {
		r.m.mu.Unlock()
		return false
	}
	r.m.state = ev.State
	r.m.mu.Unlock()

	ev.Generation = r.gen
	r.emit(ev)
	return true
}

func (r *run) snapshot(job model.Job, final bool) model.Snapshot {
	targets := r.targets
	if len(targets) == 0 {
		targets = job.Hosts()
	}
	return model.Snapshot{Generation: r.gen, Targets: targets, Job: job, Final: final}
}

func (r *run) settle(ctx context.Context, out client.Outcome, err error) Result {
	if err != nil {
		return r.fail(ctx, "", err)
	}

	switch o := out.(type) {
	case client.SyncResult:
		return r.complete("", r.snapshot(o.Job, true))
	case client.AsyncAccepted:
		r.m.logger.LogJobAccepted(o.JobID, r.gen)
		queued := r.snapshot(model.QueuedJob(o.JobID, r.targets), false)
		if !r.transition(Event{State: Polling, JobID: o.JobID, Snapshot: &queued}) {
			return r.stale(o.JobID)
		}
		return r.poll(ctx, o.JobID)
	case client.Rejected:
		return r.fail(ctx, "", o.Err)
	default:
		return r.fail(ctx, "", errors.NewApplicationError(nil, client.MessageUnexpectedResponse))
	}
}

// poll fetches the job until it completes, a poll fails or ctx ends.
// A poll error is terminal; there is no retry.
func (r *run) poll(ctx context.Context, jobID string) Result {
	for {
		job, err := r.m.backend.Job(ctx, jobID)
		r.polls++
		if !r.current() {
			return r.stale(jobID)
		}
		if err != nil {
			return r.fail(ctx, jobID, err)
		}
		r.m.logger.LogPoll(jobID, r.gen, job.Completed)

		if job.Completed {
			return r.complete(jobID, r.snapshot(job, true))
		}

		progress := r.snapshot(job, false)
		if !r.transition(Event{State: Polling, JobID: jobID, Poll: r.polls, Snapshot: &progress}) {
			return r.stale(jobID)
		}

		timer := time.NewTimer(r.m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return r.fail(ctx, jobID, ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *run) complete(jobID string, snap model.Snapshot) Result {
	ev := Event{State: Completed, JobID: jobID, Snapshot: &snap}
	if jobID != "" {
		ev.Poll = r.polls
	}
	if !r.transition(ev) {
		return r.stale(jobID)
	}

	ok, failed := 0, 0
	for _, row := range snap.Rows() {
		if row.Status == model.StatusCompleted {
			ok++
		} else {
			failed++
		}
	}
	r.m.logger.LogDispatchComplete(r.gen, len(snap.Targets), ok, failed, r.m.now().Sub(r.start))

	return Result{Generation: r.gen, State: Completed, JobID: jobID, Snapshot: snap, Polls: r.polls}
}

func (r *run) fail(ctx context.Context, jobID string, err error) Result {
	if ctx.Err() != nil && errors.TypeOf(err) != errors.CancelledErrorType {
		err = errors.NewCancelledError(err)
	}
	if !r.transition(Event{State: Failed, JobID: jobID, Poll: r.polls, Err: err}) {
		return r.stale(jobID)
	}
	r.m.logger.LogDispatchFailed(r.gen, err)
	return Result{Generation: r.gen, State: Failed, JobID: jobID, Err: err, Polls: r.polls}
}

func (r *run) stale(jobID string) Result {
	r.m.logger.LogStaleResult(jobID, r.gen, r.m.generation.Load())
	return Result{Generation: r.gen, State: Failed, JobID: jobID, Err: ErrSuperseded, Polls: r.polls}
}
