package reconnect

import (
	"errors"
	"time"
)

var ErrExhausted = errors.New("reconnect attempts exhausted")

type State string

const (
	StateStable       State = "stable"
	StateReconnecting State = "reconnecting"
	StateExhausted    State = "exhausted"
)

const (
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxAttempts = 5
)

// Supervisor decides when to try reconnecting. It never dials or sleeps; the
// owner schedules each returned delay and reports the outcome back.
type Supervisor struct {
	base time.Duration
	max  int

	state   State
	attempt int
	// carried over from a reconnect that succeeded but has not been stable
	// long enough to forgive its attempts yet
	carry int
}

func New(base time.Duration, maxAttempts int) *Supervisor {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Supervisor{base: base, max: maxAttempts, state: StateStable}
}

func (s *Supervisor) State() State       { return s.state }
func (s *Supervisor) Attempt() int       { return s.attempt }
func (s *Supervisor) MaxAttempts() int   { return s.max }
func (s *Supervisor) Exhausted() bool    { return s.state == StateExhausted }
func (s *Supervisor) Reconnecting() bool { return s.state == StateReconnecting }

// Delay is the backoff before the given attempt.
func (s *Supervisor) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * s.base
}

// Lost reports a stale heartbeat or a closed transport. It returns the delay
// before the first attempt, or false when an attempt is already scheduled or
// the supervisor is exhausted.
func (s *Supervisor) Lost() (time.Duration, bool) {
	if s.state != StateStable {
		return 0, false
	}
	return s.next(s.carry + 1)
}

// Failed reports a failed attempt. It returns the delay before the next one,
// or ErrExhausted once the cap is reached.
func (s *Supervisor) Failed() (time.Duration, error) {
	if s.state != StateReconnecting {
		return 0, errors.New("no reconnect in progress")
	}
	d, ok := s.next(s.attempt + 1)
	if !ok {
		return 0, ErrExhausted
	}
	return d, nil
}

func (s *Supervisor) next(attempt int) (time.Duration, bool) {
	if attempt > s.max {
		s.state = StateExhausted
		s.attempt = s.max
		s.carry = 0
		return 0, false
	}
	s.state = StateReconnecting
	s.attempt = attempt
	return s.Delay(attempt), true
}

// Succeeded returns to Stable. The attempt count is kept until MarkStable so
// a connection that flaps right after reconnecting keeps backing off.
func (s *Supervisor) Succeeded() {
	if s.state != StateReconnecting {
		return
	}
	s.state = StateStable
	s.carry = s.attempt
	s.attempt = 0
}

// MarkStable forgives prior attempts after the connection stayed up.
func (s *Supervisor) MarkStable() {
	if s.state == StateStable {
		s.carry = 0
	}
}

// Reset leaves Exhausted (or abandons a reconnect in progress).
func (s *Supervisor) Reset() {
	s.state = StateStable
	s.attempt = 0
	s.carry = 0
}
