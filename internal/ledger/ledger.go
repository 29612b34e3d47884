package ledger

import (
	"sort"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindChoice Kind = "choice"
	KindVote   Kind = "vote"
)

type Channel string

const (
	ChannelSocket Channel = "socket"
	ChannelREST   Channel = "rest"
	ChannelEcho   Channel = "echo"
)

type Resolution string

const (
	InFlight   Resolution = "in_flight"
	Confirmed  Resolution = "confirmed"
	Rejected   Resolution = "rejected"
	Superseded Resolution = "superseded"
	Abandoned  Resolution = "abandoned"
)

// Outcome tells the caller what to do with an acknowledgment or rejection.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed" // first ack: action is now confirmed
	OutcomeDuplicate Outcome = "duplicate" // already confirmed: no-op
	OutcomeRollback  Outcome = "rollback"  // rejected while in flight: undo the optimistic apply
	OutcomeStale     Outcome = "stale"     // superseded, abandoned or unknown: ignore

	// the server holds an action a channel had refused: apply it again
	OutcomeReinstated Outcome = "reinstated"
)

// Sequence is the session's monotonically increasing local sequence number.
type Sequence struct{ v uint64 }

func (s *Sequence) Next() uint64 { return atomic.AddUint64(&s.v, 1) }
func (s *Sequence) Now() uint64  { return atomic.LoadUint64(&s.v) }

type PendingAction struct {
	Seq        uint64
	Kind       Kind
	RoundID    int
	Payload    int // card id for choices, voted-for player id for votes
	Anonymous  bool
	Attempted  []Channel
	Acked      []Channel
	State      Resolution
	Reason     string
	CreatedAt  time.Time
	ResolvedAt time.Time
	Supersedes uint64

	resumeAs Resolution
}

type slot struct {
	kind    Kind
	roundID int
}

// Ledger tracks player actions sent over more than one channel and makes sure
// each is applied once, whichever acknowledgment arrives first.
type Ledger struct {
	seq     *Sequence
	actions map[uint64]*PendingAction
	latest  map[slot]uint64
}

func New(seq *Sequence) *Ledger {
	if seq == nil {
		seq = &Sequence{}
	}
	return &Ledger{
		seq:     seq,
		actions: make(map[uint64]*PendingAction),
		latest:  make(map[slot]uint64),
	}
}

// Record assigns the next sequence number to a new in-flight action. A live
// action of the same kind for the same round is superseded and returned so
// the caller can replace its effect.
func (l *Ledger) Record(kind Kind, roundID, payload int, anonymous bool, channels []Channel, now time.Time) (PendingAction, *PendingAction) {
	key := slot{kind: kind, roundID: roundID}

	var prev *PendingAction
	if seq, ok := l.latest[key]; ok {
		if old := l.actions[seq]; old != nil && (old.State == InFlight || old.State == Confirmed) {
			old.resumeAs = old.State
			old.State = Superseded
			old.ResolvedAt = now
			cp := *old
			prev = &cp
		}
	}

	act := &PendingAction{
		Seq:       l.seq.Next(),
		Kind:      kind,
		RoundID:   roundID,
		Payload:   payload,
		Anonymous: anonymous,
		Attempted: append([]Channel(nil), channels...),
		State:     InFlight,
		CreatedAt: now,
	}
	if prev != nil {
		act.Supersedes = prev.Seq
	}
	l.actions[act.Seq] = act
	l.latest[key] = act.Seq
	return *act, prev
}

func (l *Ledger) Ack(seq uint64, ch Channel, now time.Time) Outcome {
	act, ok := l.actions[seq]
	if !ok {
		return OutcomeStale
	}
	switch act.State {
	case InFlight:
		act.State = Confirmed
		act.ResolvedAt = now
		act.Acked = append(act.Acked, ch)
		return OutcomeConfirmed
	case Confirmed:
		act.Acked = append(act.Acked, ch)
		return OutcomeDuplicate
	case Rejected:
		// One channel refused a copy the other delivered ("already
		// submitted"). The server's word wins unless a newer action exists.
		key := slot{kind: act.Kind, roundID: act.RoundID}
		latest := l.latest[key]
		if latest > act.Seq {
			return OutcomeStale
		}
		if prev := l.actions[latest]; prev != nil && latest != act.Seq {
			prev.State = Superseded
			prev.ResolvedAt = now
		}
		l.latest[key] = act.Seq
		act.State = Confirmed
		act.Reason = ""
		act.ResolvedAt = now
		act.Acked = append(act.Acked, ch)
		return OutcomeReinstated
	default:
		return OutcomeStale
	}
}

// Reject handles an explicit refusal from the server. Refusals of an already
// confirmed action are the other channel's copy being turned away and are
// ignored. When a rejected action had replaced a confirmed one, that earlier
// action becomes effective again and is returned.
func (l *Ledger) Reject(seq uint64, ch Channel, reason string, now time.Time) (Outcome, *PendingAction) {
	act, ok := l.actions[seq]
	if !ok {
		return OutcomeStale, nil
	}
	switch act.State {
	case InFlight:
		act.State = Rejected
		act.Reason = string(ch) + ": " + reason
		act.ResolvedAt = now
		if prev := l.actions[act.Supersedes]; prev != nil && prev.State == Superseded && prev.resumeAs == Confirmed {
			prev.State = Confirmed
			l.latest[slot{kind: prev.Kind, roundID: prev.RoundID}] = prev.Seq
			cp := *prev
			return OutcomeRollback, &cp
		}
		return OutcomeRollback, nil
	case Confirmed:
		return OutcomeDuplicate, nil
	default:
		return OutcomeStale, nil
	}
}

// MatchEcho finds the action a server-pushed echo refers to when the echo
// carries no sequence number. It returns the newest live action for the slot
// when payloads agree, or a superseded action whose payload matches.
func (l *Ledger) MatchEcho(kind Kind, roundID, payload int) (PendingAction, bool) {
	if seq, ok := l.latest[slot{kind: kind, roundID: roundID}]; ok {
		if act := l.actions[seq]; act != nil && act.Payload == payload {
			return *act, true
		}
	}
	var best *PendingAction
	for _, act := range l.actions {
		if act.Kind == kind && act.RoundID == roundID && act.Payload == payload {
			if best == nil || act.Seq > best.Seq {
				best = act
			}
		}
	}
	if best == nil {
		return PendingAction{}, false
	}
	return *best, true
}

func (l *Ledger) Get(seq uint64) (PendingAction, bool) {
	act, ok := l.actions[seq]
	if !ok {
		return PendingAction{}, false
	}
	return *act, true
}

// Latest returns the newest action recorded for a round slot.
func (l *Ledger) Latest(kind Kind, roundID int) (PendingAction, bool) {
	seq, ok := l.latest[slot{kind: kind, roundID: roundID}]
	if !ok {
		return PendingAction{}, false
	}
	return l.Get(seq)
}

// Effective returns the action whose effect should be visible for the slot:
// the newest one that is in flight or confirmed.
func (l *Ledger) Effective(kind Kind, roundID int) (PendingAction, bool) {
	act, ok := l.Latest(kind, roundID)
	if !ok || (act.State != InFlight && act.State != Confirmed) {
		return PendingAction{}, false
	}
	return act, true
}

// CloseRound drops every action of kind for the round once the round has
// moved past the phase that accepts it. Outstanding ones are abandoned first
// and returned.
func (l *Ledger) CloseRound(kind Kind, roundID int, now time.Time) []PendingAction {
	var abandoned []PendingAction
	for seq, act := range l.actions {
		if act.Kind != kind || act.RoundID != roundID {
			continue
		}
		if act.State == InFlight {
			act.State = Abandoned
			act.ResolvedAt = now
			abandoned = append(abandoned, *act)
		}
		delete(l.actions, seq)
	}
	delete(l.latest, slot{kind: kind, roundID: roundID})
	sortBySeq(abandoned)
	return abandoned
}

// AbandonAll marks every in-flight action abandoned and clears the ledger.
func (l *Ledger) AbandonAll(now time.Time) []PendingAction {
	var abandoned []PendingAction
	for _, act := range l.actions {
		if act.State == InFlight {
			act.State = Abandoned
			act.ResolvedAt = now
			abandoned = append(abandoned, *act)
		}
	}
	clear(l.actions)
	clear(l.latest)
	sortBySeq(abandoned)
	return abandoned
}

// Pending lists every tracked action ordered by sequence number.
func (l *Ledger) Pending() []PendingAction {
	out := make([]PendingAction, 0, len(l.actions))
	for _, act := range l.actions {
		out = append(out, *act)
	}
	sortBySeq(out)
	return out
}

func sortBySeq(acts []PendingAction) {
	sort.Slice(acts, func(i, j int) bool { return acts[i].Seq < acts[j].Seq })
}
