package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/memeparty/internal/deadline"
	"github.com/DoyleJ11/memeparty/internal/engine"
	"github.com/DoyleJ11/memeparty/internal/ledger"
	"github.com/DoyleJ11/memeparty/internal/reconnect"
)

type UpdateKind string

const (
	UpdateState      UpdateKind = "state"
	UpdateConnection UpdateKind = "connection"
	UpdateTick       UpdateKind = "tick"
	UpdateWarning    UpdateKind = "warning"
	UpdateElapsed    UpdateKind = "elapsed"
	UpdateError      UpdateKind = "error"
	UpdateRareCard   UpdateKind = "rare_card"
)

// Update is shared between observers; treat it as read-only.
type Update struct {
	Kind     UpdateKind
	Snapshot *Snapshot       // state, connection
	Signal   deadline.Signal // tick, warning, elapsed
	PlayerID int             // rare_card
	Err      error           // error
}

// Snapshot is a deep copy of the session as of Version.
type Snapshot struct {
	SessionID  string
	PlayerID   int
	Version    int
	Connection ConnectionState
	Reconnect  reconnect.State
	Attempt    int
	RoomID     int
	RTT        time.Duration
	State      engine.State
	Pending    []ledger.PendingAction
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		SessionID:  s.id,
		PlayerID:   s.cfg.PlayerID,
		Version:    s.version,
		Connection: s.connState,
		Reconnect:  s.sup.State(),
		Attempt:    s.sup.Attempt(),
		RoomID:     s.roomID,
		RTT:        s.hb.LastRTT(),
		State:      s.state.Clone(),
		Pending:    s.ledger.Pending(),
	}
}

func (s *Session) publish(kind UpdateKind) {
	s.version++
	snap := s.snapshot()
	s.broadcast(Update{Kind: kind, Snapshot: &snap})
}

func (s *Session) broadcast(u Update) {
	for id, ch := range s.observers {
		select {
		case ch <- u:
		default:
			// slow observer
			s.log.Warn("dropping slow observer", zap.String("observer", id))
			close(ch)
			delete(s.observers, id)
		}
	}
}

func (s *Session) fail(err error) {
	s.broadcast(Update{Kind: UpdateError, Err: err})
}
