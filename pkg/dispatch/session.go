package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldloop/lorad/pkg/types"
)

type State int

const (
	StateUnspecified State = iota
	StateConnecting
	StateActive
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unspecified"
	}
}

// Session is per-route connection state. Owned exclusively by the
// Dispatcher; nothing else mutates it.
type Session struct {
	Endpoint   types.KeyedEndpoint
	State      State
	Attempts   int
	NextDialAt time.Time
	ActiveAt   time.Time
}

// Input events.
type Input interface{ isInput() }

// Register introduces a session for an endpoint; it becomes immediately
// eligible for dialling.
type Register struct {
	Endpoint types.KeyedEndpoint
}

func (Register) isInput() {}

// Tick evaluates all sessions against the clock and emits due dials.
type Tick struct{}

func (Tick) isInput() {}

// HandshakeSucceeded moves a connecting session to Active and resets its
// backoff.
type HandshakeSucceeded struct {
	Key types.RouterKey
}

func (HandshakeSucceeded) isInput() {}

// TransportFailed records a dial, handshake or mid-stream failure; the
// session backs off before the next attempt.
type TransportFailed struct {
	Key types.RouterKey
}

func (TransportFailed) isInput() {}

// Shutdown closes a session terminally.
type Shutdown struct {
	Key types.RouterKey
}

func (Shutdown) isInput() {}

// Output effects.
type Output interface{ isOutput() }

// AttemptDial tells the owner to dial and handshake the endpoint.
type AttemptDial struct {
	Endpoint types.KeyedEndpoint
}

func (AttemptDial) isOutput() {}

// Registry is the session state machine: a pure Step function over a
// guarded map, driven by the Dispatcher's loop.
type Registry struct {
	log     *zap.SugaredLogger
	base    time.Duration
	ceiling time.Duration

	mu sync.RWMutex
	m  map[types.RouterKey]*Session
}

func NewRegistry(base, ceiling time.Duration) *Registry {
	return &Registry{
		log:     zap.S().Named("session"),
		base:    base,
		ceiling: ceiling,
		m:       make(map[types.RouterKey]*Session),
	}
}

// backoff returns the delay before attempt n+1: base×2^(n-1), capped.
func (r *Registry) backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	shift := attempts - 1
	d := r.base << shift
	if shift >= 63 || d > r.ceiling || d < r.base {
		return r.ceiling
	}
	return d
}

func (r *Registry) Step(now time.Time, in Input) []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := in.(type) {
	case Register:
		r.register(now, e)
		return nil
	case Tick:
		return r.tick(now)
	case HandshakeSucceeded:
		r.handshakeSucceeded(now, e.Key)
		return nil
	case TransportFailed:
		r.transportFailed(now, e.Key)
		return nil
	case Shutdown:
		r.shutdown(e.Key)
		return nil
	}
	return nil
}

func (r *Registry) register(now time.Time, e Register) {
	key := e.Endpoint.PublicKey
	if s, exists := r.m[key]; exists {
		// Endpoint addresses can change on route refresh; identity stays.
		s.Endpoint = e.Endpoint
		return
	}
	r.m[key] = &Session{
		Endpoint:   e.Endpoint,
		State:      StateConnecting,
		NextDialAt: now,
	}
}

func (r *Registry) tick(now time.Time) []Output {
	var outputs []Output //nolint:prealloc
	for _, s := range r.m {
		switch s.State {
		case StateConnecting, StateBackoff:
			if now.Before(s.NextDialAt) {
				continue
			}
			s.State = StateConnecting
			outputs = append(outputs, AttemptDial{Endpoint: s.Endpoint})
		default:
		}
	}
	return outputs
}

func (r *Registry) handshakeSucceeded(now time.Time, key types.RouterKey) {
	s, exists := r.m[key]
	if !exists || s.State == StateClosed {
		return
	}
	s.State = StateActive
	s.Attempts = 0
	s.ActiveAt = now
}

func (r *Registry) transportFailed(now time.Time, key types.RouterKey) {
	s, exists := r.m[key]
	if !exists || s.State == StateClosed {
		return
	}
	if s.State == StateActive {
		// First failure after a healthy stretch restarts the ladder.
		s.Attempts = 0
	}
	s.Attempts++
	delay := r.backoff(s.Attempts)
	s.State = StateBackoff
	s.NextDialAt = now.Add(delay)
	r.log.Debugw("session backoff", "router", key.Short(), "attempts", s.Attempts, "delay", delay)
}

func (r *Registry) shutdown(key types.RouterKey) {
	if s, exists := r.m[key]; exists {
		s.State = StateClosed
	}
}

func (r *Registry) Get(key types.RouterKey) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) InState(key types.RouterKey, state State) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[key]
	return ok && s.State == state
}

// CloseAll moves every session to Closed; used on gateway shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.m {
		s.State = StateClosed
	}
}
