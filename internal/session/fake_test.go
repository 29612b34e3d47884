package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/DoyleJ11/memeparty/internal/engine"
	"github.com/DoyleJ11/memeparty/internal/ledger"
	"github.com/DoyleJ11/memeparty/internal/protocol"
	"github.com/DoyleJ11/memeparty/internal/reconnect"
	"github.com/DoyleJ11/memeparty/internal/restapi"
	"github.com/DoyleJ11/memeparty/internal/store"
	"github.com/DoyleJ11/memeparty/internal/transport"
)

const (
	fakeGameID  = 9
	fakeRoundID = 40
)

var clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeConn is an in-memory transport.Conn. Frames the session writes land on
// sent; push delivers frames as if the server sent them.
type fakeConn struct {
	inbound chan []byte
	sent    chan protocol.Frame

	mu     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), sent: make(chan protocol.Frame, 256)}
}

func (c *fakeConn) Send(ctx context.Context, b []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	f, err := protocol.DecodeFrame(b)
	if err != nil {
		return err
	}
	select {
	case c.sent <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Inbound() <-chan []byte { return c.inbound }
func (c *fakeConn) Err() error             { return transport.ErrClosed }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	b, err := protocol.EncodeFrame(f)
	require.NoError(t, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	require.False(t, c.closed, "push on closed connection")
	c.inbound <- b
}

// expect reads written frames until one carries action.
func (c *fakeConn) expect(t *testing.T, action string) protocol.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.sent:
			if f.Action == action {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame written", action)
			return protocol.Frame{}
		}
	}
}

var errRefused = errors.New("connection refused")

// fakeDialer hands out queued connections, or refuses while refuse is set.
type fakeDialer struct {
	conns  chan *fakeConn
	refuse atomic.Bool
}

func newFakeDialer() *fakeDialer { return &fakeDialer{conns: make(chan *fakeConn, 4)} }

func (d *fakeDialer) Dial(ctx context.Context, _, _ string) (transport.Conn, error) {
	if d.refuse.Load() {
		return nil, &transport.Error{Op: "dial", Err: errRefused}
	}
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeREST struct {
	choice      func(context.Context, restapi.ChoiceRequest) error
	startVoting func(context.Context, int) error
}

func (r *fakeREST) SubmitChoice(ctx context.Context, req restapi.ChoiceRequest) (restapi.Ack, error) {
	if r.choice == nil {
		return restapi.Ack{RoundID: req.RoundID, ClientSeq: req.ClientSeq}, nil
	}
	return restapi.Ack{RoundID: req.RoundID, ClientSeq: req.ClientSeq}, r.choice(ctx, req)
}

func (r *fakeREST) SubmitVote(_ context.Context, req restapi.VoteRequest) (restapi.Ack, error) {
	return restapi.Ack{RoundID: req.RoundID, ClientSeq: req.ClientSeq}, nil
}

func (r *fakeREST) StartVoting(ctx context.Context, roundID int) error {
	if r.startVoting == nil {
		return nil
	}
	return r.startVoting(ctx, roundID)
}

// blockingStore holds every LoadRoom until release is closed.
type blockingStore struct {
	release chan struct{}
	roomID  int
}

func (s *blockingStore) SaveRoom(context.Context, store.RoomRecord) error { return nil }
func (s *blockingStore) ClearRoom(context.Context, int) error             { return nil }
func (s *blockingStore) Close() error                                     { return nil }

func (s *blockingStore) LoadRoom(ctx context.Context, playerID int) (store.RoomRecord, error) {
	select {
	case <-s.release:
		return store.RoomRecord{PlayerID: playerID, RoomID: s.roomID}, nil
	case <-ctx.Done():
		return store.RoomRecord{}, ctx.Err()
	}
}

// fakeSession builds a session for player 1 on a fake dialer with a frozen
// clock, so deadlines never fire.
func fakeSession(t *testing.T, tweak func(*Config, *Deps)) (*Session, *fakeDialer) {
	t.Helper()
	d := newFakeDialer()
	cfg := Config{
		PlayerID:          1,
		Token:             "player-1",
		Endpoint:          "ws://game.test/ws",
		HeartbeatInterval: time.Minute,
		ReconnectBase:     time.Minute,
		ReconnectAttempts: 3,
		DialTimeout:       time.Second,
		TickResolution:    time.Second,
	}
	deps := Deps{
		Dialer: d,
		Logger: zap.NewNop(),
		Now:    func() time.Time { return clock },
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	s := New(context.Background(), cfg, deps)
	t.Cleanup(func() { _ = s.Close() })
	return s, d
}

func connectFake(t *testing.T, s *Session, d *fakeDialer) *fakeConn {
	t.Helper()
	c := newFakeConn()
	d.conns <- c
	require.NoError(t, s.Connect(ctxT(t)))
	return c
}

func evt(action string, data protocol.Data) protocol.Frame {
	id := roomID
	return protocol.Frame{Action: action, Data: data, RoomID: &id}
}

func roomFrame(id int, members ...int) protocol.Frame {
	ms := make([]protocol.Value, 0, len(members))
	for _, m := range members {
		ms = append(ms, protocol.Int(m))
	}
	return evt(protocol.EvtRoomStateChanged, protocol.Data{
		"room": protocol.Object(map[string]protocol.Value{"id": protocol.Int(id), "members": protocol.Array(ms...)}),
	})
}

func cardPlayedFrame(playerID, cardID int, seq uint64) protocol.Frame {
	return evt(protocol.EvtCardPlayed, protocol.Data{
		"round_id":   protocol.Int(fakeRoundID),
		"player_id":  protocol.Int(playerID),
		"card_id":    protocol.Int(cardID),
		"client_seq": protocol.Int(int(seq)),
	})
}

func voteFrame(voterID, votedFor int) protocol.Frame {
	return evt(protocol.EvtVoteSubmitted, protocol.Data{
		"round_id":  protocol.Int(fakeRoundID),
		"voter_id":  protocol.Int(voterID),
		"voted_for": protocol.Int(votedFor),
	})
}

// playFake joins the room and feeds the frames that open the first round.
func playFake(t *testing.T, s *Session, c *fakeConn) {
	t.Helper()
	require.NoError(t, s.JoinRoom(ctxT(t), roomID))
	c.expect(t, protocol.CmdJoinRoom)
	c.expect(t, protocol.CmdGetGameState)

	c.push(t, roomFrame(roomID, 1, 2))
	c.push(t, evt(protocol.EvtGameStarted, protocol.Data{"game_id": protocol.Int(fakeGameID), "total_rounds": protocol.Int(3)}))
	c.push(t, evt(protocol.EvtRoundStarted, protocol.Data{
		"game_id":      protocol.Int(fakeGameID),
		"round_id":     protocol.Int(fakeRoundID),
		"round_number": protocol.Int(1),
		"time_limit":   protocol.Int(60),
	}))
	eventually(t, s, "first round", choosing)
}

func pendingBySeq(sn Snapshot, seq uint64) (ledger.PendingAction, bool) {
	for _, a := range sn.Pending {
		if a.Seq == seq {
			return a, true
		}
	}
	return ledger.PendingAction{}, false
}

func TestSession_EchoAfterRestRejectionReinstatesChoice(t *testing.T) {
	rest := &fakeREST{choice: func(context.Context, restapi.ChoiceRequest) error {
		return &restapi.Error{Op: "submit choice", Status: 409, Body: "already submitted", Err: restapi.ErrRejected}
	}}
	s, d := fakeSession(t, func(_ *Config, deps *Deps) { deps.REST = rest })
	c := connectFake(t, s, d)
	playFake(t, s, c)

	updates, unsubscribe, err := s.Subscribe(ctxT(t), 64)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, s.SubmitChoice(ctxT(t), 12, false))
	sent := c.expect(t, protocol.CmdSubmitCardChoice)
	seq, ok := sent.Data.Int("client_seq")
	require.True(t, ok)

	u := waitUpdate(t, updates, 2*time.Second, func(u Update) bool { return u.Kind == UpdateError })
	assert.ErrorIs(t, u.Err, ErrActionRejected)
	sn := snap(t, s)
	assert.NotContains(t, sn.State.Round.Choices, 1)

	// the socket copy landed anyway
	c.push(t, cardPlayedFrame(1, 12, uint64(seq)))

	sn = eventually(t, s, "choice reinstated", func(sn Snapshot) bool {
		_, ok := sn.State.Round.Choices[1]
		return ok
	})
	assert.Equal(t, 12, sn.State.Round.Choices[1].CardID)
	act, ok := pendingBySeq(sn, uint64(seq))
	require.True(t, ok)
	assert.Equal(t, ledger.Confirmed, act.State)
	assert.Equal(t, []ledger.Channel{ledger.ChannelSocket}, act.Acked)
	assert.Empty(t, act.Reason)
}

func TestSession_FirstAckConfirmsAtInjectedClock(t *testing.T) {
	release := make(chan struct{})
	rest := &fakeREST{choice: func(ctx context.Context, _ restapi.ChoiceRequest) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	s, d := fakeSession(t, func(_ *Config, deps *Deps) { deps.REST = rest })
	c := connectFake(t, s, d)
	playFake(t, s, c)

	require.NoError(t, s.SubmitChoice(ctxT(t), 7, true))
	sent := c.expect(t, protocol.CmdSubmitCardChoice)
	seq, _ := sent.Data.Int("client_seq")

	c.push(t, cardPlayedFrame(1, 7, uint64(seq)))
	sn := eventually(t, s, "confirmed by echo", func(sn Snapshot) bool {
		act, ok := pendingBySeq(sn, uint64(seq))
		return ok && act.State == ledger.Confirmed
	})
	act, _ := pendingBySeq(sn, uint64(seq))
	assert.Equal(t, clock, act.ResolvedAt)
	assert.Equal(t, []ledger.Channel{ledger.ChannelSocket}, act.Acked)

	close(release)
	sn = eventually(t, s, "rest ack recorded", func(sn Snapshot) bool {
		act, _ := pendingBySeq(sn, uint64(seq))
		return len(act.Acked) == 2
	})
	act, _ = pendingBySeq(sn, uint64(seq))
	assert.Equal(t, []ledger.Channel{ledger.ChannelSocket, ledger.ChannelREST}, act.Acked)
	assert.Equal(t, ledger.Confirmed, act.State)
	assert.Equal(t, clock, act.ResolvedAt)
	assert.Len(t, sn.State.Round.Choices, 1)
}

func TestSession_ResetRejoinsRoom(t *testing.T) {
	s, d := fakeSession(t, func(cfg *Config, _ *Deps) {
		cfg.ReconnectBase = time.Millisecond
		cfg.ReconnectAttempts = 2
	})
	c := connectFake(t, s, d)
	playFake(t, s, c)

	d.refuse.Store(true)
	require.NoError(t, c.Close())
	sn := eventually(t, s, "exhausted", func(sn Snapshot) bool { return sn.Reconnect == reconnect.StateExhausted })
	assert.Equal(t, engine.PhaseError, sn.State.Phase)

	d.refuse.Store(false)
	next := newFakeConn()
	d.conns <- next
	require.NoError(t, s.Reset(ctxT(t)))

	join := next.expect(t, protocol.CmdJoinRoom)
	assert.Equal(t, roomID, *join.RoomID)
	next.expect(t, protocol.CmdGetGameState)
	assert.Equal(t, roomID, snap(t, s).RoomID)
}

func TestSession_ConnectAfterDisconnectRejoinsRoom(t *testing.T) {
	s, d := fakeSession(t, nil)
	c := connectFake(t, s, d)
	playFake(t, s, c)

	require.NoError(t, s.Disconnect(ctxT(t)))
	assert.Equal(t, engine.PhaseError, snap(t, s).State.Phase)

	next := connectFake(t, s, d)
	next.expect(t, protocol.CmdJoinRoom)
	next.expect(t, protocol.CmdGetGameState)
}

func TestSession_RespondsWhileRestStartVotingBlocks(t *testing.T) {
	release := make(chan struct{})
	rest := &fakeREST{startVoting: func(ctx context.Context, roundID int) error {
		assert.Equal(t, fakeRoundID, roundID)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	s, d := fakeSession(t, func(_ *Config, deps *Deps) { deps.REST = rest })
	c := connectFake(t, s, d)
	playFake(t, s, c)

	// socket gone, reconnect a minute away: the REST fallback is the only path
	d.refuse.Store(true)
	require.NoError(t, c.Close())
	eventually(t, s, "degraded", func(sn Snapshot) bool { return sn.Connection == Degraded })

	result := make(chan error, 1)
	go func() { result <- s.StartVoting(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := s.Snapshot(ctx)
	require.NoError(t, err, "loop blocked behind the REST call")
	select {
	case err := <-result:
		t.Fatalf("StartVoting returned early: %v", err)
	default:
	}

	close(release)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartVoting never returned")
	}
}

func TestSession_RespondsWhileStoreLookupBlocks(t *testing.T) {
	st := &blockingStore{release: make(chan struct{}), roomID: roomID}
	s, d := fakeSession(t, func(_ *Config, deps *Deps) { deps.Store = st })
	c := connectFake(t, s, d)

	result := make(chan error, 1)
	go func() { result <- s.JoinRoom(context.Background(), 0) }()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	sn, err := s.Snapshot(ctx)
	require.NoError(t, err, "loop blocked behind the store")
	assert.Zero(t, sn.RoomID)

	close(st.release)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("JoinRoom never returned")
	}
	join := c.expect(t, protocol.CmdJoinRoom)
	assert.Equal(t, roomID, *join.RoomID)
	assert.Equal(t, roomID, snap(t, s).RoomID)
}

func TestSession_IgnoresRoomUpdateAfterLeaving(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, d := fakeSession(t, func(_ *Config, deps *Deps) { deps.Logger = zap.New(core) })
	c := connectFake(t, s, d)

	require.NoError(t, s.JoinRoom(ctxT(t), roomID))
	c.push(t, roomFrame(roomID, 1, 2))
	eventually(t, s, "room", func(sn Snapshot) bool { return sn.State.Room != nil })

	require.NoError(t, s.LeaveRoom(ctxT(t)))
	c.push(t, roomFrame(roomID, 1, 2))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("ignoring update for another room").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	sn := snap(t, s)
	assert.Zero(t, sn.RoomID)
	assert.Nil(t, sn.State.Room)
}

func TestSession_WarnsOnRefusedServerVotes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, d := fakeSession(t, func(_ *Config, deps *Deps) { deps.Logger = zap.New(core) })
	c := connectFake(t, s, d)
	playFake(t, s, c)

	// a vote while still choosing
	c.push(t, voteFrame(2, 1))
	c.push(t, evt(protocol.EvtVotingStarted, protocol.Data{"round_id": protocol.Int(fakeRoundID), "time_limit": protocol.Int(30)}))
	eventually(t, s, "voting", func(sn Snapshot) bool { return sn.State.Phase == engine.PhaseVoting })
	c.push(t, voteFrame(2, 2))

	var dropped []observer.LoggedEntry
	require.Eventually(t, func() bool {
		dropped = logs.FilterMessage("input dropped").All()
		return len(dropped) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for i, want := range []error{engine.ErrWrongPhase, engine.ErrSelfVote} {
		e := dropped[i]
		assert.Equal(t, zapcore.WarnLevel, e.Level)
		ctx := e.ContextMap()
		assert.EqualValues(t, roomID, ctx["room"])
		assert.EqualValues(t, fakeGameID, ctx["game"])
		assert.EqualValues(t, fakeRoundID, ctx["round"])
		assert.Equal(t, want.Error(), ctx["error"])
	}
}
