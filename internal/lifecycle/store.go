package lifecycle

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Watch once the store has been closed.
var ErrClosed = errors.New("lifecycle store closed")

// Store is the single shared lifecycle record. Every mutation happens under
// one lock, bumps Version, and wakes watchers. Mutations made on behalf of a
// session carry the session generation; writes from a superseded session are
// dropped.
type Store struct {
	mu     sync.Mutex
	cond   *sync.Cond
	snap   Snapshot
	closed bool
}

// NewStore returns an inactive store. Versions start at 1 so a watcher
// passing 0 always receives the current record.
func NewStore() *Store {
	s := &Store{snap: Snapshot{Status: StatusIdle, Stats: DefaultStats(), Version: 1}}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Snapshot returns a consistent copy of the record.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Toggle applies the user toggle to the current state:
//
//	inactive -> waiting   (new session, status "Initializing...")
//	waiting  -> inactive  (abort, status "Process Cancelled")
//	training -> paused    (status "Training Paused")
//	paused   -> training  (status "Training Resumed...")
//
// newSession is called only for the start transition and supplies the session id.
func (s *Store) Toggle(newSession func() string) (Transition, Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tr Transition
	switch s.snap.State() {
	case StateInactive:
		tr = TransitionStart
		id := ""
		if newSession != nil {
			id = newSession()
		}
		s.snap.Generation++
		s.snap.SessionID = id
		s.snap.Active = true
		s.snap.Waiting = true
		s.snap.Paused = false
		s.snap.Progress = 0
		s.snap.Status = StatusInitializing
		s.snap.Stats = DefaultStats()
	case StateWaiting:
		tr = TransitionAbort
		s.snap.Active = false
		s.snap.Waiting = false
		s.snap.Paused = false
		s.snap.Status = StatusCancelled
	case StateTraining:
		tr = TransitionPause
		s.snap.Paused = true
		s.snap.Status = StatusPaused
	case StatePaused:
		tr = TransitionResume
		s.snap.Paused = false
		s.snap.Status = StatusResumed
	}
	s.publishLocked()
	return tr, s.snap
}

// Cancel requests cancellation of whatever session is active. It reports
// false when nothing was running.
func (s *Store) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.Active {
		return false
	}
	s.snap.Active = false
	s.snap.Waiting = false
	s.snap.Paused = false
	s.snap.Status = StatusCancelled
	s.publishLocked()
	return true
}

// SetWaiting records whether the session is blocked on device conditions.
// Entering waiting clears paused so the flags stay mutually exclusive. A
// non-empty reason replaces the status line. Clearing waiting when it is
// already clear changes nothing, so a paused status is never overwritten.
func (s *Store) SetWaiting(gen uint64, waiting bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Generation != gen || !s.snap.Active {
		return
	}
	if !waiting && !s.snap.Waiting {
		return
	}
	s.snap.Waiting = waiting
	if waiting {
		s.snap.Paused = false
	}
	if reason != "" {
		s.snap.Status = reason
	}
	s.publishLocked()
}

// SetProgress records session progress. Values are clamped to 0..100 and
// never move backwards within a session.
func (s *Store) SetProgress(gen uint64, percent int) {
	percent = max(0, min(100, percent))
	s.mutate(gen, func(snap *Snapshot) {
		if percent > snap.Progress {
			snap.Progress = percent
		}
	})
}

// SetStatus replaces the status line for an active session.
func (s *Store) SetStatus(gen uint64, status string) {
	s.mutate(gen, func(snap *Snapshot) {
		snap.Status = status
	})
}

// UpdateStats edits the detailed statistics for the session.
func (s *Store) UpdateStats(gen uint64, fn func(*Stats)) {
	if fn == nil {
		return
	}
	s.mutateAny(gen, func(snap *Snapshot) {
		fn(&snap.Stats)
	})
}

// Finish returns the record to inactive at the end of a session, whatever
// the outcome. It reports false when gen no longer owns the record.
func (s *Store) Finish(gen uint64, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Generation != gen {
		return false
	}
	s.snap.Active = false
	s.snap.Waiting = false
	s.snap.Paused = false
	s.snap.Progress = 0
	if status != "" {
		s.snap.Status = status
	}
	s.publishLocked()
	return true
}

// Paused reports whether the session identified by gen is paused.
func (s *Store) Paused(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Generation == gen && s.snap.Active && s.snap.Paused
}

// Cancelled reports whether the session identified by gen should stop: the
// record went inactive or a newer session took over.
func (s *Store) Cancelled(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Generation != gen || !s.snap.Active
}

// Watch blocks until the record version exceeds since, then returns the
// snapshot. Pass 0 to receive the current record immediately.
func (s *Store) Watch(ctx context.Context, since uint64) (Snapshot, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.snap.Version > since {
			return s.snap, nil
		}
		if s.closed {
			return s.snap, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return s.snap, err
		}
		s.cond.Wait()
	}
}

// Close wakes all watchers; subsequent Watch calls return ErrClosed once
// they have caught up.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// mutate applies fn only while gen owns an active record.
func (s *Store) mutate(gen uint64, fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Generation != gen || !s.snap.Active {
		return
	}
	fn(&s.snap)
	s.publishLocked()
}

// mutateAny applies fn while gen owns the record, active or not. Stats such as
// the inference result are published after the session has stopped training.
func (s *Store) mutateAny(gen uint64, fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Generation != gen {
		return
	}
	fn(&s.snap)
	s.publishLocked()
}

func (s *Store) publishLocked() {
	s.snap.Version++
	s.cond.Broadcast()
}
