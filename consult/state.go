package consult

import (
	"errors"
	"fmt"
	"time"

	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/optimizer"
	"github.com/poiesic/medrag/retrieval"
)

// State is a step of a consultation.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateCacheCheck       State = "CACHE_CHECK"
	StateHit              State = "HIT"
	StateMiss             State = "MISS"
	StateOptimizing       State = "OPTIMIZING"
	StateRetrieving       State = "RETRIEVING"
	StateFusing           State = "FUSING"
	StateFallbackDecision State = "FALLBACK_DECISION"
	StateFallbackFetch    State = "FALLBACK_FETCH"
	StateGenerating       State = "GENERATING"
	StateCacheWrite       State = "CACHE_WRITE"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// ErrInvalidTransition is returned for a transition the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateReceived:         {StateCacheCheck},
	StateCacheCheck:       {StateHit, StateMiss, StateFailed},
	StateHit:              {StateDone},
	StateMiss:             {StateOptimizing, StateFailed},
	StateOptimizing:       {StateRetrieving, StateFailed},
	StateRetrieving:       {StateFusing, StateFailed},
	StateFusing:           {StateFallbackDecision, StateFailed},
	StateFallbackDecision: {StateFallbackFetch, StateGenerating, StateFailed},
	StateFallbackFetch:    {StateGenerating, StateFailed},
	StateGenerating:       {StateCacheWrite, StateDone, StateFailed},
	StateCacheWrite:       {StateDone},
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a consultation.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition is one entry of a session trace.
type Transition struct {
	State State
	At    time.Time
}

// Session is the ephemeral record of one consultation.
type Session struct {
	ID       string
	Question string
	UserID   string
	Key      string

	Query      optimizer.Result
	Outcome    retrieval.Outcome
	Fused      []core.FusedResult
	Confidence float64
	Contexts   []core.Context

	FallbackUsed bool
	FallbackErr  error
	Insufficient bool

	Trace []Transition

	monitor Monitor
}

func newSession(id string, req Request, monitor Monitor) *Session {
	s := &Session{
		ID:       id,
		Question: req.Question,
		UserID:   req.UserID,
		monitor:  monitor,
	}
	s.Trace = append(s.Trace, Transition{State: StateReceived, At: time.Now()})
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return s.Trace[len(s.Trace)-1].State
}

// States returns the visited states in order.
func (s *Session) States() []State {
	out := make([]State, len(s.Trace))
	for i, t := range s.Trace {
		out[i] = t.State
	}
	return out
}

func (s *Session) advance(next State) error {
	from := s.State()
	if !from.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	s.Trace = append(s.Trace, Transition{State: next, At: time.Now()})
	s.monitor.StateChanged(s, from, next)
	return nil
}

// fail moves the session to FAILED unless it already ended.
func (s *Session) fail() {
	from := s.State()
	if from.Terminal() {
		return
	}
	s.Trace = append(s.Trace, Transition{State: StateFailed, At: time.Now()})
	s.monitor.StateChanged(s, from, StateFailed)
}
