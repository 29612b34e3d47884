// Package session runs one player's connection to a game server.
//
// Everything that touches game state happens on a single goroutine: socket
// frames, REST acknowledgments, timers and calls from the UI are posted to
// the session's inbox and handled one at a time. Observers receive copies.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/memeparty/internal/deadline"
	"github.com/DoyleJ11/memeparty/internal/engine"
	"github.com/DoyleJ11/memeparty/internal/heartbeat"
	"github.com/DoyleJ11/memeparty/internal/ledger"
	"github.com/DoyleJ11/memeparty/internal/reconnect"
	"github.com/DoyleJ11/memeparty/internal/restapi"
	"github.com/DoyleJ11/memeparty/internal/store"
	"github.com/DoyleJ11/memeparty/internal/transport"
)

var (
	ErrActionRejected   = errors.New("action rejected")
	ErrSessionExhausted = errors.New("session exhausted: reconnect attempts used up")
	ErrNotConnected     = errors.New("not connected")
	ErrNoRoom           = errors.New("not in a room")
	ErrClosed           = errors.New("session closed")
	ErrStoreBusy        = errors.New("store queue full")
)

const storeTimeout = 5 * time.Second

type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Degraded     ConnectionState = "degraded" // lost, reconnect scheduled or in flight
)

type Config struct {
	PlayerID int
	Token    string
	Endpoint string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectAttempts int
	StableAfter       time.Duration
	DialTimeout       time.Duration
	TickResolution    time.Duration
	WarningAt         time.Duration

	Policy engine.Policy
}

// REST is the part of the REST collaborator the session double-sends through.
type REST interface {
	SubmitChoice(ctx context.Context, req restapi.ChoiceRequest) (restapi.Ack, error)
	SubmitVote(ctx context.Context, req restapi.VoteRequest) (restapi.Ack, error)
	StartVoting(ctx context.Context, roundID int) error
}

type Deps struct {
	Dialer transport.Dialer
	REST   REST        // optional
	Store  store.Store // optional
	Logger *zap.Logger
	Now    func() time.Time
}

type Session struct {
	id   string
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	inbox  chan Msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state   engine.State
	version int
	roomID  int

	conn      transport.Conn
	outbox    chan []byte
	connGen   uint64
	dialGen   uint64
	connState ConnectionState
	waiting   []chan error // Connect calls waiting on a dial

	hb     *heartbeat.Monitor
	sup    *reconnect.Supervisor
	sched  *deadline.Scheduler
	ledger *ledger.Ledger

	hbTimer     *time.Timer
	probeTimer  *time.Timer
	retryTimer  *time.Timer
	stableTimer *time.Timer

	observers map[string]chan Update

	storeq    chan func(context.Context) // nil without a store
	storeDone chan struct{}
}

func New(parent context.Context, cfg Config, deps Deps) *Session {
	ctx, cancel := context.WithCancel(parent)

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Policy == (engine.Policy{}) {
		cfg.Policy = engine.DefaultPolicy()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 30 * time.Second
	}
	if cfg.WarningAt == 0 {
		cfg.WarningAt = deadline.DefaultWarning
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		log:       deps.Logger.With(zap.String("session", id), zap.Int("player", cfg.PlayerID)),
		now:       deps.Now,
		inbox:     make(chan Msg, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     engine.NewState(cfg.PlayerID, cfg.Policy),
		connState: Disconnected,
		hb:        heartbeat.New(cfg.HeartbeatInterval, cfg.HeartbeatTimeout),
		sup:       reconnect.New(cfg.ReconnectBase, cfg.ReconnectAttempts),
		sched:     deadline.New(cfg.TickResolution, cfg.WarningAt),
		ledger:    ledger.New(nil),
		observers: make(map[string]chan Update),
	}

	if deps.Store != nil {
		s.storeq = make(chan func(context.Context), 64)
		s.storeDone = make(chan struct{})
		go s.storeWorker()
	}

	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connect dials the endpoint and waits for the outcome.
func (s *Session) Connect(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) Msg { return Connect{Reply: reply} })
}

// Disconnect closes the connection and cancels any scheduled reconnect.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) Msg { return Disconnect{Reply: reply} })
}

// Reset leaves the exhausted state and connects again.
func (s *Session) Reset(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) Msg { return Reset{Reply: reply} })
}

// JoinRoom joins roomID, or the last room recorded for this player when
// roomID is 0.
func (s *Session) JoinRoom(ctx context.Context, roomID int) error {
	return s.request(ctx, func(reply chan error) Msg { return JoinRoom{RoomID: roomID, Reply: reply} })
}

func (s *Session) LeaveRoom(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) Msg { return LeaveRoom{Reply: reply} })
}

func (s *Session) StartGame(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) Msg { return StartGame{Reply: reply} })
}

func (s *Session) StartVoting(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) Msg { return StartVoting{Reply: reply} })
}

// SubmitChoice plays a card for the current round. It returns once the
// choice is applied locally; a later rejection arrives as an Update carrying
// ErrActionRejected.
func (s *Session) SubmitChoice(ctx context.Context, cardID int, anonymous bool) error {
	return s.request(ctx, func(reply chan error) Msg {
		return SubmitChoice{CardID: cardID, Anonymous: anonymous, Reply: reply}
	})
}

func (s *Session) SubmitVote(ctx context.Context, votedFor int) error {
	return s.request(ctx, func(reply chan error) Msg { return SubmitVote{VotedFor: votedFor, Reply: reply} })
}

// Subscribe registers an observer. The first update is the current snapshot.
// An observer that falls behind is dropped and its channel closed.
func (s *Session) Subscribe(ctx context.Context, buffer int) (<-chan Update, func(), error) {
	if buffer <= 0 {
		buffer = 32
	}
	id := uuid.NewString()
	out := make(chan Update, buffer)
	if err := s.post(ctx, Subscribe{ID: id, Outbox: out}); err != nil {
		return nil, nil, err
	}
	unsubscribe := func() { _ = s.post(context.Background(), Unsubscribe{ID: id}) }
	return out, unsubscribe, nil
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.post(ctx, GetSnapshot{Reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-s.done:
		return Snapshot{}, ErrClosed
	}
}

// Close stops the loop, closes the connection and every observer channel.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) post(ctx context.Context, m Msg) error {
	select {
	case s.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// postInternal is used by goroutines and timers the session owns.
func (s *Session) postInternal(m Msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func (s *Session) request(ctx context.Context, build func(reply chan error) Msg) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}
