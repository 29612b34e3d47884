// Package heartbeat tracks liveness probes for one connection at a time.
//
// The Monitor owns no timers. Its owner sends a probe every Interval, arms a
// timer for Timeout, and hands the probe back to Expire when that timer fires.
// Each connection gets a fresh epoch from Restart, so a timer armed against a
// previous connection can never mark the current one stale.
package heartbeat

import "time"

type Verdict string

const (
	Alive Verdict = "alive"
	Stale Verdict = "stale"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
)

type Probe struct {
	Epoch uint64
	ID    uint64
	At    time.Time
}

type Monitor struct {
	Interval time.Duration
	Timeout  time.Duration

	epoch       uint64
	nextID      uint64
	outstanding *Probe
	lastRTT     time.Duration
	running     bool
}

func New(interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 || timeout >= interval {
		timeout = min(DefaultTimeout, interval/2)
	}
	return &Monitor{Interval: interval, Timeout: timeout}
}

// Restart begins a new connection epoch and forgets any outstanding probe.
func (m *Monitor) Restart() uint64 {
	m.epoch++
	m.outstanding = nil
	m.running = true
	return m.epoch
}

// Stop invalidates every probe and timer handed out so far.
func (m *Monitor) Stop() {
	m.epoch++
	m.outstanding = nil
	m.running = false
}

func (m *Monitor) Epoch() uint64 { return m.epoch }
func (m *Monitor) Running() bool { return m.running }

// Probe records a new outstanding probe. A still unanswered earlier probe is
// replaced; its timer will find it superseded.
func (m *Monitor) Probe(now time.Time) (Probe, bool) {
	if !m.running {
		return Probe{}, false
	}
	m.nextID++
	p := Probe{Epoch: m.epoch, ID: m.nextID, At: now}
	m.outstanding = &p
	return p, true
}

// Pong clears the outstanding probe. id 0 means the reply carried no id and
// answers whatever probe is outstanding.
func (m *Monitor) Pong(id uint64, now time.Time) (time.Duration, bool) {
	if m.outstanding == nil {
		return 0, false
	}
	if id != 0 && id != m.outstanding.ID {
		return 0, false
	}
	m.lastRTT = now.Sub(m.outstanding.At)
	m.outstanding = nil
	return m.lastRTT, true
}

// Expire is called when the timeout armed for p fires.
func (m *Monitor) Expire(p Probe) Verdict {
	if !m.running || p.Epoch != m.epoch || m.outstanding == nil || m.outstanding.ID != p.ID {
		return Alive
	}
	m.outstanding = nil
	return Stale
}

func (m *Monitor) Outstanding() (Probe, bool) {
	if m.outstanding == nil {
		return Probe{}, false
	}
	return *m.outstanding, true
}

func (m *Monitor) LastRTT() time.Duration { return m.lastRTT }
