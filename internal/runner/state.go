package runner

import (
	"sync"
	"time"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// State is the process-wide view of the discovery loop. The Controller is its
// only writer; readers get copies.
type State struct {
	mu sync.RWMutex
	s  discovery.RunState
}

func newState() *State {
	return &State{s: discovery.RunState{Status: discovery.RunIdle}}
}

// Snapshot returns a copy of the current state.
func (st *State) Snapshot() discovery.RunState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := st.s
	if st.s.LastRunTime != nil {
		t := *st.s.LastRunTime
		out.LastRunTime = &t
	}
	return out
}

// Running reports whether a run is active.
func (st *State) Running() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.IsRunning
}

// begin flips the state to running and returns the state it replaced. It
// fails when a run is already active.
func (st *State) begin(runID string, start time.Time) (discovery.RunState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	prev := st.s
	if st.s.IsRunning {
		return prev, discovery.ErrAlreadyRunning
	}
	st.s = discovery.RunState{
		IsRunning:   true,
		RunID:       runID,
		Status:      discovery.RunRunning,
		LastRunTime: &start,
	}
	return prev, nil
}

// release undoes begin when the run could not be recorded.
func (st *State) release(prev discovery.RunState) {
	st.mu.Lock()
	st.s = prev
	st.mu.Unlock()
}

func (st *State) update(keyword string, p discovery.Progress) {
	st.mu.Lock()
	st.s.CurrentKeyword = keyword
	st.s.CurrentProgress = p
	st.mu.Unlock()
}

func (st *State) end(status discovery.RunStatus, p discovery.Progress, errMsg string) {
	st.mu.Lock()
	st.s.IsRunning = false
	st.s.Status = status
	st.s.CurrentKeyword = ""
	st.s.CurrentProgress = p
	st.s.Error = errMsg
	st.mu.Unlock()
}
