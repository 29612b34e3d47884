// Package devserver is a small in-process game server. It speaks the same
// socket and REST protocol as production closely enough to play a game
// locally, and can be told to misbehave for tests.
package devserver

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/memeparty/internal/protocol"
)

type Options struct {
	TimeLimit time.Duration
	VoteLimit time.Duration
	Rounds    int
	Capacity  int
	Logger    *zap.Logger
}

type Msg interface{ isServerMsg() }

type join struct {
	ClientID string
	PlayerID int
	Outbox   chan []byte
	Kick     func()
}

type leave struct{ ClientID string }

type fromClient struct {
	ClientID string
	Frame    protocol.Frame
}

// restCall runs fn on the server goroutine and hands back its response.
type restCall struct {
	Fn    func() restResponse
	Reply chan restResponse
}

type restResponse struct {
	Status int
	Body   any
}

type control struct{ Fn func() }

func (join) isServerMsg()       {}
func (leave) isServerMsg()      {}
func (fromClient) isServerMsg() {}
func (restCall) isServerMsg()   {}
func (control) isServerMsg()    {}

type client struct {
	id       string
	playerID int
	roomID   int
	outbox   chan []byte
	kick     func()
}

type Server struct {
	opts  Options
	log   *zap.Logger
	inbox chan Msg

	clients  map[string]*client
	rooms    map[int]*room
	rounds   map[int]int // round id -> room id
	games    map[int]int // game id -> room id
	received map[int][]protocol.Frame

	nextGame  int
	nextRound int

	dropPongs     bool
	rejectActions bool
	refuse        bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, opts Options) *Server {
	ctx, cancel := context.WithCancel(parent)
	if opts.TimeLimit <= 0 {
		opts.TimeLimit = 50 * time.Second
	}
	if opts.VoteLimit <= 0 {
		opts.VoteLimit = 30 * time.Second
	}
	if opts.Rounds <= 0 {
		opts.Rounds = 5
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		inbox:    make(chan Msg, 64),
		clients:  make(map[string]*client),
		rooms:    make(map[int]*room),
		rounds:   make(map[int]int),
		games:    make(map[int]int),
		received: make(map[int][]protocol.Frame),
		ctx:      ctx,
		cancel:   cancel,
	}
	go s.loop()
	return s
}

func (s *Server) Inbox() chan<- Msg { return s.inbox }

func (s *Server) Shutdown() { s.cancel() }

func (s *Server) loop() {
	for {
		select {
		case <-s.ctx.Done():
			for id, c := range s.clients {
				close(c.outbox)
				delete(s.clients, id)
			}
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case join:
				s.clients[msg.ClientID] = &client{id: msg.ClientID, playerID: msg.PlayerID, outbox: msg.Outbox, kick: msg.Kick}
				s.log.Debug("client connected", zap.Int("player", msg.PlayerID))

			case leave:
				c, ok := s.clients[msg.ClientID]
				if !ok {
					break
				}
				close(c.outbox)
				delete(s.clients, msg.ClientID)
				if r := s.rooms[c.roomID]; r != nil && !s.online(r.id, c.playerID) {
					r.setConnected(c.playerID, false)
				}

			case fromClient:
				c, ok := s.clients[msg.ClientID]
				if !ok {
					break
				}
				s.received[c.playerID] = append(s.received[c.playerID], msg.Frame)
				s.handleFrame(c, msg.Frame)

			case restCall:
				msg.Reply <- msg.Fn()

			case control:
				msg.Fn()
			}
		}
	}
}

// do runs fn on the server goroutine and waits for it.
func (s *Server) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.inbox <- control{Fn: func() { fn(); close(done) }}:
	case <-s.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-s.ctx.Done():
	}
}

func (s *Server) SetDropPongs(drop bool) {
	s.do(func() { s.dropPongs = drop })
}

// SetRejectActions makes every choice and vote fail as if the round had
// already closed.
func (s *Server) SetRejectActions(reject bool) {
	s.do(func() { s.rejectActions = reject })
}

func (s *Server) SetRefuseConnections(refuse bool) {
	s.do(func() { s.refuse = refuse })
}

func (s *Server) refusing() bool {
	var refuse bool
	s.do(func() { refuse = s.refuse })
	return refuse
}

// Push sends a frame to every client in the room, or to every client when
// roomID is 0.
func (s *Server) Push(roomID int, f protocol.Frame) {
	s.do(func() { s.broadcast(roomID, f) })
}

// Kick drops every socket the player has open.
func (s *Server) Kick(playerID int) {
	s.do(func() {
		for _, c := range s.clients {
			if c.playerID == playerID && c.kick != nil {
				c.kick()
			}
		}
	})
}

// Received returns the frames a player has sent so far.
func (s *Server) Received(playerID int) []protocol.Frame {
	var out []protocol.Frame
	s.do(func() { out = append(out, s.received[playerID]...) })
	return out
}

func (s *Server) Connected(playerID int) (n int) {
	s.do(func() {
		for _, c := range s.clients {
			if c.playerID == playerID {
				n++
			}
		}
	})
	return n
}

// StartVoting moves a room's current round to voting, as the server's own
// timer would.
func (s *Server) StartVoting(roomID int) {
	s.do(func() {
		if r := s.rooms[roomID]; r != nil && r.round != nil {
			s.startVoting(r)
		}
	})
}

func (s *Server) online(roomID, playerID int) bool {
	for _, c := range s.clients {
		if c.roomID == roomID && c.playerID == playerID {
			return true
		}
	}
	return false
}

func (s *Server) send(c *client, f protocol.Frame) {
	b, err := protocol.EncodeFrame(f)
	if err != nil {
		s.log.Error("encode", zap.Error(err))
		return
	}
	select {
	case c.outbox <- b:
	default:
		// Client is slow/full - drop them.
		close(c.outbox)
		delete(s.clients, c.id)
	}
}

func (s *Server) broadcast(roomID int, f protocol.Frame) {
	for _, c := range s.clients {
		if roomID == 0 || c.roomID == roomID {
			s.send(c, f)
		}
	}
}

func (s *Server) handleFrame(c *client, f protocol.Frame) {
	d := f.Data
	roomID, _ := d.Int("room_id")
	if roomID == 0 && f.RoomID != nil {
		roomID = *f.RoomID
	}

	switch f.Action {
	case protocol.CmdPing:
		if s.dropPongs {
			return
		}
		id, _ := d.Int("id")
		s.send(c, frame(protocol.EvtPong, 0, protocol.Data{"id": protocol.Int(id)}))

	case protocol.CmdJoinRoom:
		s.joinRoom(c, roomID)

	case protocol.CmdLeaveRoom:
		s.leaveRoom(c)

	case protocol.CmdStartGame:
		if r := s.rooms[c.roomID]; r != nil {
			s.startGame(r)
		}

	case protocol.CmdSubmitCardChoice:
		roundID, _ := d.Int("round_id")
		card, _ := d.Int("card_id")
		anon, _ := d.Bool("anonymous")
		seq, _ := d.Int("client_seq")
		if status, msg := s.playCard(c.playerID, roundID, card, anon, seq); status != 0 {
			s.send(c, errorFrame(msg, seq))
		}

	case protocol.CmdSubmitVote:
		roundID, _ := d.Int("round_id")
		target, _ := d.Int("voted_for")
		seq, _ := d.Int("client_seq")
		if status, msg := s.vote(c.playerID, roundID, target, seq); status != 0 {
			s.send(c, errorFrame(msg, seq))
		}

	case protocol.CmdStartVoting:
		if r := s.rooms[c.roomID]; r != nil && r.round != nil {
			s.startVoting(r)
		}

	case protocol.CmdGetGameState:
		if r := s.rooms[c.roomID]; r != nil {
			s.send(c, frame(protocol.EvtGameState, r.id, r.snapshot()))
		}

	default:
		s.send(c, errorFrame("unknown action "+strconv.Quote(f.Action), 0))
	}
}

func frame(action string, roomID int, data protocol.Data) protocol.Frame {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	f := protocol.Frame{Action: action, Data: data, Timestamp: &ts}
	if roomID != 0 {
		f.RoomID = &roomID
	}
	return f
}

func errorFrame(message string, seq int) protocol.Frame {
	d := protocol.Data{"code": protocol.String("action_rejected"), "message": protocol.String(message)}
	if seq != 0 {
		d["client_seq"] = protocol.Int(seq)
	}
	return frame(protocol.EvtError, 0, d)
}
