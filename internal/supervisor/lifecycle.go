package supervisor

import (
	"sync"
	"time"
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StatePolling
	StateBackoff
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// RestartState is the consecutive restart bookkeeping of one supervisor
type RestartState struct {
	Restarts    int
	LastFailure time.Time
}

type lifecycle struct {
	mu      sync.Mutex
	state   State
	restart RestartState
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

func (l *lifecycle) Restart() RestartState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restart
}

// recordFailure counts a failed session and returns the new restart count.
// A session that lived at least minUptime clears the previous streak.
func (l *lifecycle) recordFailure(now time.Time, uptime, minUptime time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if minUptime > 0 && uptime >= minUptime {
		l.restart.Restarts = 0
	}
	l.restart.Restarts++
	l.restart.LastFailure = now
	return l.restart.Restarts
}
