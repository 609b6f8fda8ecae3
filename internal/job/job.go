package job

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/metrics"
	"github.com/jmylchreest/mp4proxy/internal/observability"
)

// Job is one transcode of one cache key. All state changes happen on the
// goroutine that owns it; other goroutines read state, wait, subscribe or
// cancel.
type Job struct {
	ID        string
	Key       cache.Key
	Source    string
	Preset    string
	StartedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu         sync.Mutex
	state      State
	err        error
	progress   float64
	elapsed    time.Duration
	total      time.Duration
	finishedAt time.Time
	proc       Process
	growth     chan struct{}

	done        chan struct{}
	size        atomic.Int64
	declared    atomic.Int64
	stabilizing atomic.Bool
	waiters     atomic.Int32

	hub    *Hub
	events *eventBus
	global *eventBus
}

func newJob(parent context.Context, id string, key cache.Key, source, preset string, hubChunks int, global *eventBus) *Job {
	ctx, cancel := context.WithCancel(parent)
	j := &Job{
		ID:        id,
		Key:       key,
		Source:    source,
		Preset:    preset,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		growth:    make(chan struct{}),
		done:      make(chan struct{}),
		hub:       NewHub(hubChunks),
		events:    newEventBus(),
		global:    global,
	}
	j.declared.Store(-1)
	return j
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure reason of a failed or cancelled job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// FinishedAt returns when the job reached a terminal state, zero before.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Size returns the bytes written to the cache entry so far.
func (j *Job) Size() int64 { return j.size.Load() }

// Progress returns the last encode progress fraction.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Hub returns the live output fan-out.
func (j *Job) Hub() *Hub { return j.hub }

// Subscribe delivers this job's events until it finishes or unsubscribe is
// called. The channel is closed in both cases.
func (j *Job) Subscribe(buffer int) (<-chan Event, func()) {
	return j.events.subscribe(buffer)
}

// Cancel stops the job. Waiters receive ErrCancelled.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.cancel()
}

// Wait blocks until the job finishes, timeout elapses or ctx is done. It
// returns nil when the job is Ready, the job's error when it failed, and
// ErrNotReady on timeout.
func (j *Job) Wait(ctx context.Context, timeout time.Duration) error {
	j.waiters.Add(1)
	defer j.waiters.Add(-1)

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-j.done:
		return j.result()
	case <-expired:
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) result() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateReady {
		return nil
	}
	return j.err
}

// ClaimStabilizer returns true for exactly one caller: the request that
// runs the stability heuristic for this job.
func (j *Job) ClaimStabilizer() bool {
	return j.stabilizing.CompareAndSwap(false, true)
}

// ReleaseStabilizer gives up a claim that ended without a declaration.
func (j *Job) ReleaseStabilizer() {
	if j.declared.Load() < 0 {
		j.stabilizing.Store(false)
	}
}

// Declare records that the partial entry was judged playable at size.
func (j *Job) Declare(size int64) { j.declared.Store(size) }

// Declared reports whether the stability point has passed and the size
// observed at that time.
func (j *Job) Declared() (int64, bool) {
	v := j.declared.Load()
	return v, v >= 0
}

// changed returns a channel closed on the next write or state change.
func (j *Job) changed() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.growth
}

func (j *Job) signalLocked() {
	close(j.growth)
	j.growth = make(chan struct{})
}

// publish records p, already written to the entry file, and forwards
// it to live clients. Both happen under j.mu so AttachLive sees a size
// that matches the hub position exactly.
func (j *Job) publish(p []byte) {
	j.mu.Lock()
	j.size.Add(int64(len(p)))
	_, _ = j.hub.Write(p)
	j.signalLocked()
	j.mu.Unlock()
}

// AttachLive registers a live client. The returned offset is the number of
// entry bytes written before the client's first hub chunk: the caller sends
// the file up to offset, then the hub output, for a gapless stream. Returns
// io.EOF once the job has finished.
func (j *Job) AttachLive(remoteAddr string) (*HubClient, int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	client, err := j.hub.AddClient(remoteAddr)
	if err != nil {
		return nil, 0, err
	}
	return client, j.size.Load(), nil
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.signalLocked()
	j.mu.Unlock()
	j.emit(Event{Type: EventState, State: s})
}

func (j *Job) setProcess(p Process) {
	j.mu.Lock()
	j.proc = p
	j.mu.Unlock()
}

func (j *Job) setTotal(d time.Duration) {
	j.mu.Lock()
	j.total = d
	j.mu.Unlock()
}

func (j *Job) observe(p ffmpeg.Progress) {
	j.mu.Lock()
	j.progress = p.Fraction
	j.elapsed = p.Elapsed
	if p.Total > 0 {
		j.total = p.Total
	}
	j.mu.Unlock()
	j.emit(Event{Type: EventProgress, State: StateEncoding})
}

// emit fills in the job fields and publishes ev to job and global subscribers.
func (j *Job) emit(ev Event) {
	j.mu.Lock()
	ev.Key = j.Key.String()
	ev.JobID = j.ID
	if ev.State == 0 {
		ev.State = j.state
	}
	if ev.Type != EventCancelled {
		ev.Progress = j.progress
	}
	ev.Elapsed = j.elapsed.Seconds()
	ev.Duration = j.total.Seconds()
	j.mu.Unlock()

	ev.Bytes = j.size.Load()
	ev.Time = time.Now()
	j.events.publish(ev)
	if j.global != nil {
		j.global.publish(ev)
	}
}

// finish moves the job to its terminal state. Called once, by the owner.
func (j *Job) finish(state State, err error) {
	j.mu.Lock()
	j.state = state
	j.err = err
	j.finishedAt = time.Now()
	if state == StateReady {
		j.progress = 1
	}
	j.signalLocked()
	j.mu.Unlock()

	ev := Event{State: state}
	switch state {
	case StateReady:
		ev.Type = EventReady
	case StateCancelled:
		ev.Type = EventCancelled
	default:
		ev.Type = EventFailed
	}
	if err != nil {
		ev.Error = err.Error()
	}
	j.emit(ev)

	var hubErr error
	if state != StateReady {
		hubErr = err
	}
	j.hub.Close(hubErr)
	j.events.close()
	j.cancel()
	close(j.done)
}

// Snapshot is a point-in-time view of a job for listings.
type Snapshot struct {
	Key            string     `json:"cacheId"`
	ID             string     `json:"jobId"`
	Source         string     `json:"source"`
	State          State      `json:"state"`
	Preset         string     `json:"preset"`
	Progress       float64    `json:"progress"`
	BytesWritten   int64      `json:"bytesWritten"`
	Clients        int        `json:"attachedClients"`
	CPUPercent     float64    `json:"cpuPercent"`
	MemoryRSSBytes uint64     `json:"memoryRssBytes"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Snapshot returns a point-in-time view of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	info := Snapshot{
		Key:       j.Key.String(),
		ID:        j.ID,
		Source:    observability.SafeURL(j.Source),
		State:     j.state,
		Preset:    j.Preset,
		Progress:  j.progress,
		StartedAt: j.StartedAt,
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		info.FinishedAt = &t
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	proc := j.proc
	j.mu.Unlock()

	info.BytesWritten = j.size.Load()
	info.Clients = j.hub.ClientCount() + j.events.count() + int(j.waiters.Load())
	if proc != nil && !info.State.Terminal() {
		stats := proc.Stats()
		info.CPUPercent = stats.CPUPercent
		info.MemoryRSSBytes = stats.MemoryRSSBytes
	}
	return info
}

// entryWriter receives encoder output: the cache entry file first, then the
// size counter and the live hub, so the counter never exceeds the bytes on
// disk.
type entryWriter struct {
	file *os.File
	job  *Job
}

func (w *entryWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if n > 0 {
		w.job.publish(p[:n])
		metrics.TranscodeOutputBytesTotal.Add(float64(n))
	}
	return n, err
}

// terminalState maps an owner error to the final state.
func (j *Job) terminalState(err error) (State, error) {
	switch {
	case err == nil:
		return StateReady, nil
	case j.cancelled.Load() || errors.Is(err, ErrCancelled):
		return StateCancelled, ErrCancelled
	case errors.Is(err, context.Canceled):
		// manager shutdown
		return StateCancelled, ErrCancelled
	default:
		return StateFailed, err
	}
}
