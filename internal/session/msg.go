package session

import (
	"github.com/DoyleJ11/memeparty/internal/heartbeat"
	"github.com/DoyleJ11/memeparty/internal/ledger"
	"github.com/DoyleJ11/memeparty/internal/transport"
)

type Msg interface{ isSessionMsg() }

type Connect struct{ Reply chan error }

type Disconnect struct{ Reply chan error }

type Reset struct{ Reply chan error }

type JoinRoom struct {
	RoomID int
	Reply  chan error
}

type LeaveRoom struct{ Reply chan error }

type StartGame struct{ Reply chan error }

type StartVoting struct{ Reply chan error }

type SubmitChoice struct {
	CardID    int
	Anonymous bool
	Reply     chan error
}

type SubmitVote struct {
	VotedFor int
	Reply    chan error
}

type Subscribe struct {
	ID     string
	Outbox chan Update
}

type Unsubscribe struct{ ID string }

type GetSnapshot struct{ Reply chan Snapshot }

// Posted by goroutines and timers the session owns. Each carries the
// generation it was started for so late arrivals can be told apart.

type dialed struct {
	gen  uint64
	conn transport.Conn
	err  error
}

type frameIn struct {
	gen uint64
	raw []byte
}

type connClosed struct {
	gen uint64
	err error
}

type heartbeatDue struct{ epoch uint64 }

type probeExpired struct{ probe heartbeat.Probe }

type reconnectDue struct{ gen uint64 }

type stableFor struct{ gen uint64 }

type roomLoaded struct {
	roomID int
	err    error
	reply  chan error
}

type channelAck struct {
	seq uint64
	ch  ledger.Channel
}

type channelReject struct {
	seq    uint64
	ch     ledger.Channel
	reason string
}

func (Connect) isSessionMsg()       {}
func (Disconnect) isSessionMsg()    {}
func (Reset) isSessionMsg()         {}
func (JoinRoom) isSessionMsg()      {}
func (LeaveRoom) isSessionMsg()     {}
func (StartGame) isSessionMsg()     {}
func (StartVoting) isSessionMsg()   {}
func (SubmitChoice) isSessionMsg()  {}
func (SubmitVote) isSessionMsg()    {}
func (Subscribe) isSessionMsg()     {}
func (Unsubscribe) isSessionMsg()   {}
func (GetSnapshot) isSessionMsg()   {}
func (dialed) isSessionMsg()        {}
func (frameIn) isSessionMsg()       {}
func (connClosed) isSessionMsg()    {}
func (heartbeatDue) isSessionMsg()  {}
func (probeExpired) isSessionMsg()  {}
func (reconnectDue) isSessionMsg()  {}
func (stableFor) isSessionMsg()     {}
func (roomLoaded) isSessionMsg()    {}
func (channelAck) isSessionMsg()    {}
func (channelReject) isSessionMsg() {}
