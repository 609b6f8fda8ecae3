package job

import (
	"context"
	"time"
)

// StablePolicy bounds the stream-while-encoding heuristic.
type StablePolicy struct {
	// InitialSize is the minimum amount of output before stability is
	// considered at all.
	InitialSize int64
	// InitialTimeout bounds the wait for InitialSize.
	InitialTimeout time.Duration
	// StableWindow is how long the output must stop growing.
	StableWindow time.Duration
	// StableTimeout bounds the quiescence wait. When it expires with data
	// present the current size is declared anyway.
	StableTimeout time.Duration
}

// WaitStable waits until the partial entry is judged playable and returns
// the size observed at that moment. A job that finishes first returns its
// final size (Ready) or its error. Returns ErrNotReady when the initial data
// does not arrive in time.
//
// The job's write counter is woken on every write, so no polling happens;
// the timers only implement the quiescence window and the bounds.
func (j *Job) WaitStable(ctx context.Context, p StablePolicy) (int64, error) {
	j.waiters.Add(1)
	defer j.waiters.Add(-1)

	initial := time.NewTimer(p.InitialTimeout)
	defer initial.Stop()

	for j.Size() < p.InitialSize {
		changed := j.changed()
		if j.Size() >= p.InitialSize {
			break
		}
		select {
		case <-j.done:
			return j.finalSize()
		case <-changed:
		case <-initial.C:
			return 0, ErrNotReady
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	overall := time.NewTimer(p.StableTimeout)
	defer overall.Stop()
	quiet := time.NewTimer(p.StableWindow)
	defer quiet.Stop()

	for {
		changed := j.changed()
		select {
		case <-j.done:
			return j.finalSize()
		case <-changed:
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(p.StableWindow)
		case <-quiet.C:
			return j.Size(), nil
		case <-overall.C:
			return j.Size(), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (j *Job) finalSize() (int64, error) {
	if err := j.result(); err != nil {
		return 0, err
	}
	return j.Size(), nil
}
