package deadline

import (
	"sort"
	"time"
)

type Key string

const (
	KeyChoice Key = "choice"
	KeyVote   Key = "vote"
)

type SignalType string

const (
	SignalTick    SignalType = "tick"
	SignalWarning SignalType = "warning"
	SignalElapsed SignalType = "elapsed"
)

const (
	DefaultResolution = time.Second
	DefaultWarning    = 10 * time.Second
)

type Signal struct {
	Key       Key
	Type      SignalType
	RoundID   int
	Remaining time.Duration // whole resolution steps, rounded up
}

type timer struct {
	roundID  int
	deadline time.Time
	lastStep int64
	warned   bool
}

// Scheduler keeps at most one countdown per key and turns the passage of time
// into tick, warning and elapsed signals. It does not own a clock: the caller
// feeds it the current time through Advance.
type Scheduler struct {
	resolution time.Duration
	warnAt     time.Duration
	timers     map[Key]*timer
}

func New(resolution, warnAt time.Duration) *Scheduler {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	if warnAt < 0 {
		warnAt = DefaultWarning
	}
	return &Scheduler{resolution: resolution, warnAt: warnAt, timers: make(map[Key]*timer)}
}

func (s *Scheduler) Resolution() time.Duration { return s.resolution }

// Start arms key for d from now, replacing an earlier arm of the same key.
// Any other key armed for the same round is disarmed.
func (s *Scheduler) Start(key Key, roundID int, d time.Duration, now time.Time) {
	for k, t := range s.timers {
		if k != key && t.roundID == roundID {
			delete(s.timers, k)
		}
	}
	s.timers[key] = &timer{
		roundID:  roundID,
		deadline: now.Add(d),
		lastStep: s.steps(d) + 1,
	}
}

// Cancel disarms key. Cancelling an unarmed or elapsed key is a no-op.
func (s *Scheduler) Cancel(key Key) bool {
	if _, ok := s.timers[key]; !ok {
		return false
	}
	delete(s.timers, key)
	return true
}

func (s *Scheduler) CancelAll() {
	clear(s.timers)
}

func (s *Scheduler) Armed(key Key) bool {
	_, ok := s.timers[key]
	return ok
}

func (s *Scheduler) ArmedFor(key Key) (roundID int, ok bool) {
	t, ok := s.timers[key]
	if !ok {
		return 0, false
	}
	return t.roundID, true
}

func (s *Scheduler) Remaining(key Key, now time.Time) time.Duration {
	t, ok := s.timers[key]
	if !ok {
		return 0
	}
	return max(t.deadline.Sub(now), 0)
}

// Advance emits the signals due at now, in key order: a tick when the
// countdown drops a step, a warning once it is at or under the threshold,
// and elapsed exactly once when it reaches zero.
func (s *Scheduler) Advance(now time.Time) []Signal {
	keys := make([]Key, 0, len(s.timers))
	for k := range s.timers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []Signal
	for _, k := range keys {
		t := s.timers[k]
		left := max(t.deadline.Sub(now), 0)
		step := s.steps(left)

		if step < t.lastStep {
			t.lastStep = step
			out = append(out, Signal{Key: k, Type: SignalTick, RoundID: t.roundID, Remaining: time.Duration(step) * s.resolution})
		}
		if !t.warned && left <= s.warnAt {
			t.warned = true
			out = append(out, Signal{Key: k, Type: SignalWarning, RoundID: t.roundID, Remaining: time.Duration(step) * s.resolution})
		}
		if left == 0 {
			delete(s.timers, k)
			out = append(out, Signal{Key: k, Type: SignalElapsed, RoundID: t.roundID})
		}
	}
	return out
}

func (s *Scheduler) steps(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + s.resolution - 1) / s.resolution)
}
