// Package job implements a single asynchronous unit of edge-side work
// (C9): a worker-join protocol (conjunctive/disjunctive), pluggable event
// retention, live broadcast streaming, and cooperative cancellation.
package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crv-vcs/crv/crverr"
	"golang.org/x/sync/errgroup"
)

// Status is a job's position in its Pending -> Running -> terminal state
// machine. Terminal states are sticky.
type Status int

const (
	Pending Status = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// EventKind classifies an Event broadcast by a job.
type EventKind int

const (
	EventPayload EventKind = iota
	EventError
	EventStatusChange
	// EventLag is delivered to a subscriber in place of an event it missed
	// because its channel was full; the subscriber's oldest queued event is
	// discarded to make room for the marker.
	EventLag
)

// Event is one message on a job's broadcast stream.
type Event struct {
	Kind    EventKind
	Payload interface{}
	Err     string
	Status  Status
}

// StoragePolicyKind selects whether a job additionally buffers events for
// later polling.
type StoragePolicyKind int

const (
	StorageNone StoragePolicyKind = iota
	StorageRingBuffer
)

// StoragePolicy is a job's message-retention policy.
type StoragePolicy struct {
	Kind     StoragePolicyKind
	Capacity int
}

// NoStorage delivers events only to live subscribers.
func NoStorage() StoragePolicy { return StoragePolicy{Kind: StorageNone} }

// RingBuffer additionally buffers the last capacity events for
// consume_buffered_events, dropping the oldest once full.
func RingBuffer(capacity int) StoragePolicy {
	return StoragePolicy{Kind: StorageRingBuffer, Capacity: capacity}
}

// WorkerProtocol selects how multiple workers combine into one job
// outcome.
type WorkerProtocol int

const (
	// And completes successfully only when every worker does; any
	// failure or cancellation fails/cancels the rest immediately.
	And WorkerProtocol = iota
	// Or completes successfully as soon as any worker does, cancelling
	// the others; it fails only when every worker fails.
	Or
)

// RetentionKind selects how long a manager holds a job after it reaches a
// terminal state.
type RetentionKind int

const (
	Immediate RetentionKind = iota
	Retain
)

// RetentionPolicy controls when the job manager drops a terminal job.
type RetentionPolicy struct {
	Kind    RetentionKind
	Seconds int
}

// ImmediateRetention drops the job as soon as it is terminal and every
// live subscriber has unsubscribed.
func ImmediateRetention() RetentionPolicy { return RetentionPolicy{Kind: Immediate} }

// RetainFor holds a terminal job for the given duration so a polling
// client can still fetch buffered events.
func RetainFor(seconds int) RetentionPolicy { return RetentionPolicy{Kind: Retain, Seconds: seconds} }

// Worker is one unit of work joined into a job's outcome. It must observe
// ctx.Done() at its suspension points to cooperate with cancellation.
type Worker func(ctx context.Context, j *Job) error

// Snapshot is a read-only view of a job's current state, safe to copy.
type Snapshot struct {
	ID             string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FailReason     string
	RequestPayload interface{}
}

// Job is one unit of asynchronous edge work.
type Job struct {
	id             string
	requestPayload interface{}
	storage        StoragePolicy
	protocol       WorkerProtocol
	retention      RetentionPolicy

	mu         sync.RWMutex
	status     Status
	createdAt  time.Time
	updatedAt  time.Time
	failReason string
	started    bool

	workers []Worker

	subMu     sync.Mutex
	subs      map[int]chan Event
	nextSubID int

	bufMu sync.Mutex
	buf   []Event

	cancelRequested int32
	cancelFn        context.CancelFunc
	ctx             context.Context
	done            chan struct{}

	// cleanup is a one-way channel back into the owning manager, used
	// only to request removal; the job never holds a pointer back to the
	// manager itself.
	cleanup chan<- string
}

// New constructs a job in the Pending state. cleanup may be nil (used by
// standalone tests); a manager-created job always supplies one.
func New(id string, requestPayload interface{}, storage StoragePolicy, protocol WorkerProtocol, retention RetentionPolicy, cleanup chan<- string) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &Job{
		id:             id,
		requestPayload: requestPayload,
		storage:        storage,
		protocol:       protocol,
		retention:      retention,
		status:         Pending,
		createdAt:      now,
		updatedAt:      now,
		subs:           make(map[int]chan Event),
		ctx:            ctx,
		cancelFn:       cancel,
		done:           make(chan struct{}),
		cleanup:        cleanup,
	}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// AddWorker queues a worker for execution. Must be called before Start.
func (j *Job) AddWorker(w Worker) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return crverr.New(crverr.FailedPrecondition, "job %s: cannot add a worker after start", j.id)
	}
	j.workers = append(j.workers, w)
	return nil
}

// Snapshot returns a consistent copy of the job's current bookkeeping
// fields.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
		ID:             j.id,
		Status:         j.status,
		CreatedAt:      j.createdAt,
		UpdatedAt:      j.updatedAt,
		FailReason:     j.failReason,
		RequestPayload: j.requestPayload,
	}
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.updatedAt = time.Now().UTC()
	j.mu.Unlock()
}

// Start transitions Pending -> Running, spawns every registered worker,
// and emits StatusChange(Running).
func (j *Job) Start() error {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return crverr.New(crverr.FailedPrecondition, "job %s: already started", j.id)
	}
	j.started = true
	j.mu.Unlock()

	j.setStatus(Running)
	j.broadcast(Event{Kind: EventStatusChange, Status: Running})

	go j.run()
	return nil
}

func (j *Job) run() {
	var err error
	switch j.protocol {
	case And:
		err = j.runAnd()
	default:
		err = j.runOr()
	}

	final := Completed
	reason := ""
	switch {
	case atomic.LoadInt32(&j.cancelRequested) == 1:
		final = Cancelled
	case err != nil:
		final = Failed
		reason = err.Error()
	}

	j.mu.Lock()
	j.failReason = reason
	j.mu.Unlock()
	j.setStatus(final)

	if final == Failed {
		j.broadcast(Event{Kind: EventError, Err: reason})
	}
	j.broadcast(Event{Kind: EventStatusChange, Status: final})

	close(j.done)
	j.onTerminal()
}

func (j *Job) runAnd() error {
	eg, ctx := errgroup.WithContext(j.ctx)
	for _, w := range j.workers {
		w := w
		eg.Go(func() error { return w(ctx, j) })
	}
	return eg.Wait()
}

func (j *Job) runOr() error {
	n := len(j.workers)
	if n == 0 {
		return nil
	}
	type outcome struct{ err error }
	results := make(chan outcome, n)
	cancels := make([]context.CancelFunc, n)
	for i, w := range j.workers {
		ctx, cancel := context.WithCancel(j.ctx)
		cancels[i] = cancel
		w := w
		go func() { results <- outcome{err: w(ctx, j)} }()
	}

	var firstErr error
	succeeded := false
	for i := 0; i < n; i++ {
		r := <-results
		if r.err == nil && !succeeded {
			succeeded = true
			for _, c := range cancels {
				c()
			}
		}
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	if succeeded {
		return nil
	}
	return firstErr
}

// ReportPayload broadcasts (and optionally buffers) a payload event.
// Called by workers via the *Job handle passed into them.
func (j *Job) ReportPayload(payload interface{}) {
	j.broadcast(Event{Kind: EventPayload, Payload: payload})
}

// Cancel signals cancellation to all running workers. It is a no-op from
// a terminal state. The job transitions to Cancelled once every worker
// has observed the signal and returned.
func (j *Job) Cancel() {
	j.mu.RLock()
	terminal := j.status.Terminal()
	j.mu.RUnlock()
	if terminal {
		return
	}
	atomic.StoreInt32(&j.cancelRequested, 1)
	j.cancelFn()
}

// Done returns a channel closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) broadcast(ev Event) {
	j.subMu.Lock()
	for _, ch := range j.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- Event{Kind: EventLag}:
			default:
			}
		}
	}
	j.subMu.Unlock()

	if j.storage.Kind != StorageRingBuffer || j.storage.Capacity <= 0 {
		return
	}
	j.bufMu.Lock()
	j.buf = append(j.buf, ev)
	if len(j.buf) > j.storage.Capacity {
		j.buf = j.buf[len(j.buf)-j.storage.Capacity:]
	}
	j.bufMu.Unlock()
}

// ConsumeBufferedEvents drains the ring buffer. Valid even in a terminal
// state as long as retention has not yet dropped the job.
func (j *Job) ConsumeBufferedEvents() []Event {
	j.bufMu.Lock()
	defer j.bufMu.Unlock()
	out := j.buf
	j.buf = nil
	return out
}

// Subscribe returns a channel of live events and an unsubscribe function.
// bufferSize bounds the subscriber's own channel depth before it starts
// lagging.
func (j *Job) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	ch := make(chan Event, bufferSize)

	j.subMu.Lock()
	id := j.nextSubID
	j.nextSubID++
	j.subs[id] = ch
	j.subMu.Unlock()

	unsubscribe := func() {
		j.subMu.Lock()
		if _, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(ch)
		}
		subCount := len(j.subs)
		j.subMu.Unlock()

		j.mu.RLock()
		terminal := j.status.Terminal()
		j.mu.RUnlock()
		if terminal && subCount == 0 && j.retention.Kind == Immediate {
			j.requestCleanup()
		}
	}
	return ch, unsubscribe
}

func (j *Job) onTerminal() {
	switch j.retention.Kind {
	case Immediate:
		j.subMu.Lock()
		subCount := len(j.subs)
		j.subMu.Unlock()
		if subCount == 0 {
			j.requestCleanup()
		}
	case Retain:
		seconds := j.retention.Seconds
		go func() {
			time.Sleep(time.Duration(seconds) * time.Second)
			j.requestCleanup()
		}()
	}
}

func (j *Job) requestCleanup() {
	if j.cleanup == nil {
		return
	}
	select {
	case j.cleanup <- j.id:
	default:
		// The manager's cleanup consumer isn't immediately ready; don't
		// block the caller (often the job's own terminal-state goroutine
		// or a subscriber's Unsubscribe). Hand off the blocking send.
		go func() { j.cleanup <- j.id }()
	}
}
