package rabbitmq

import (
	"sync"
)

// State is the lifecycle state of a consumer or publisher engine
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConfiguringTopology
	StateConsuming
	StateReady
	StateReconnecting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConfiguringTopology:
		return "configuring_topology"
	case StateConsuming:
		return "consuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// lifecycle tracks one run of an engine. The event loop is the only writer
// of the state; Stop only signals it.
type lifecycle struct {
	mu       sync.Mutex
	state    State
	running  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce *sync.Once
	early    bool
	err      error
	observe  func(State)
}

func newLifecycle(observe func(State)) *lifecycle {
	done := make(chan struct{})
	close(done)
	return &lifecycle{
		done:    done,
		observe: observe,
	}
}

// begin starts a run. It fails while a previous run has not been stopped.
// A stop requested before the first run is handed to it already closed.
func (l *lifecycle) begin() (stop <-chan struct{}, done chan struct{}, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil, nil, ErrAlreadyRunning
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.stopOnce = &sync.Once{}
	if l.early {
		l.early = false
		l.stopOnce.Do(func() { close(l.stop) })
	}
	l.err = nil
	l.setLocked(StateIdle)
	return l.stop, l.done, nil
}

// finish records the final state and releases waiters
func (l *lifecycle) finish(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setLocked(StateStopped)
	l.err = err
	l.running = false
	close(l.done)
}

// requestStop asks the running loop to stop and returns a channel closed
// once it has. Without a run the engine is stopped on the spot; if it never
// ran, the next run starts out stopping.
func (l *lifecycle) requestStop() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		if l.state != StateStopped {
			l.early = true
		}
		l.setLocked(StateStopped)
		return l.done
	}
	l.stopOnce.Do(func() { close(l.stop) })
	return l.done
}

func (l *lifecycle) set(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(s)
}

func (l *lifecycle) setLocked(s State) {
	l.state = s
	if l.observe != nil {
		l.observe(s)
	}
}

func (l *lifecycle) get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) doneChan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *lifecycle) lastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
