package devserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/memeparty/internal/protocol"
	"github.com/DoyleJ11/memeparty/internal/restapi"
	"github.com/DoyleJ11/memeparty/internal/transport"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, Options{TimeLimit: time.Minute, VoteLimit: time.Minute, Rounds: 2})
	ts := httptest.NewServer(SetupRoutes(s))
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return s, ts
}

// seedGame puts connected players in a room and starts a game, returning the
// first round id.
func seedGame(t *testing.T, s *Server, roomID int, players ...int) (gameID, roundID int) {
	t.Helper()
	s.do(func() {
		r := &room{id: roomID, capacity: 8, status: "waiting"}
		for _, id := range players {
			r.members = append(r.members, &member{id: id, nickname: "p", connected: true})
		}
		s.rooms[roomID] = r
		s.startGame(r)
		gameID, roundID = r.game.id, r.round.id
	})
	require.NotZero(t, roundID)
	return gameID, roundID
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func recvAction(t *testing.T, conn transport.Conn, action string, within time.Duration) protocol.Frame {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case raw, ok := <-conn.Inbound():
			require.True(t, ok, "connection closed waiting for %s", action)
			f, err := protocol.DecodeFrame(raw)
			require.NoError(t, err)
			if f.Action == action {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", action)
			return protocol.Frame{}
		}
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestREST_SubmitChoice_SecondCopyIsIdempotent(t *testing.T) {
	s, ts := newTestServer(t)
	_, roundID := seedGame(t, s, 7, 1, 2)
	c := restapi.New(ts.URL, "player-1")
	ctx := context.Background()

	req := restapi.ChoiceRequest{RoundID: roundID, CardID: 42, ClientSeq: 3}
	ack, err := c.SubmitChoice(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ack.ClientSeq)
	assert.Equal(t, "accepted", ack.Status)

	_, err = c.SubmitChoice(ctx, req)
	require.NoError(t, err)

	choices, err := c.GetRoundChoices(ctx, roundID)
	require.NoError(t, err)
	require.Len(t, choices, 1)
	assert.Equal(t, 1, choices[0].PlayerID)
	assert.Equal(t, 42, choices[0].CardID)
}

func TestREST_RejectsWhenToldTo(t *testing.T) {
	s, ts := newTestServer(t)
	_, roundID := seedGame(t, s, 7, 1, 2)
	s.SetRejectActions(true)

	_, err := restapi.New(ts.URL, "1").SubmitChoice(context.Background(), restapi.ChoiceRequest{RoundID: roundID, CardID: 1, ClientSeq: 1})
	require.ErrorIs(t, err, restapi.ErrRejected)

	var rerr *restapi.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusConflict, rerr.Status)
	assert.Equal(t, "round is not accepting choices", rerr.Body)
}

func TestREST_VoteFlow(t *testing.T) {
	s, ts := newTestServer(t)
	_, roundID := seedGame(t, s, 7, 1, 2)
	ctx := context.Background()
	p1, p2 := restapi.New(ts.URL, "1"), restapi.New(ts.URL, "2")

	_, err := p1.SubmitChoice(ctx, restapi.ChoiceRequest{RoundID: roundID, CardID: 10})
	require.NoError(t, err)
	_, err = p2.SubmitChoice(ctx, restapi.ChoiceRequest{RoundID: roundID, CardID: 20})
	require.NoError(t, err)

	// votes before voting opens are refused
	_, err = p1.SubmitVote(ctx, restapi.VoteRequest{RoundID: roundID, VotedFor: 2})
	require.ErrorIs(t, err, restapi.ErrRejected)

	require.NoError(t, p1.StartVoting(ctx, roundID))

	_, err = p1.SubmitVote(ctx, restapi.VoteRequest{RoundID: roundID, VotedFor: 1})
	require.ErrorIs(t, err, restapi.ErrRejected, "self vote")

	_, err = p1.SubmitVote(ctx, restapi.VoteRequest{RoundID: roundID, VotedFor: 2})
	require.NoError(t, err)
	_, err = p2.SubmitVote(ctx, restapi.VoteRequest{RoundID: roundID, VotedFor: 1})
	require.NoError(t, err)

	// everyone voted so the round closed and the next one started
	g, err := p1.GetCurrentGame(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, g.CurrentRound)
	require.Len(t, g.Players, 2)
	assert.Equal(t, 100, g.Players[0].Score+g.Players[1].Score)
}

func TestREST_EndGameAndUnknowns(t *testing.T) {
	s, ts := newTestServer(t)
	gameID, _ := seedGame(t, s, 7, 1, 2)
	ctx := context.Background()
	c := restapi.New(ts.URL, "1")

	_, err := c.GetCurrentGame(ctx, 99)
	var rerr *restapi.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.Status)

	err = c.EndGame(ctx, gameID+1)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.Status)

	require.NoError(t, c.EndGame(ctx, gameID))
	g, err := c.GetCurrentGame(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "finished", g.Status)
}

func TestREST_MissingToken(t *testing.T) {
	s, ts := newTestServer(t)
	_, roundID := seedGame(t, s, 7, 1, 2)

	_, err := restapi.New(ts.URL, "").SubmitChoice(context.Background(), restapi.ChoiceRequest{RoundID: roundID, CardID: 1})
	var rerr *restapi.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusUnauthorized, rerr.Status)
}

func TestSocket_PingPong(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	conn, err := transport.Dial(ctx, wsURL(ts), "player-1", transport.WebSocketDialer{})
	require.NoError(t, err)
	defer conn.Close()

	raw, err := protocol.EncodeFrame(protocol.Ping(9))
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, raw))

	f := recvAction(t, conn, protocol.EvtPong, time.Second)
	id, _ := f.Data.Int("id")
	assert.Equal(t, 9, id)

	s.SetDropPongs(true)
	require.NoError(t, conn.Send(ctx, raw))
	select {
	case raw := <-conn.Inbound():
		t.Fatalf("expected no pong, got %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocket_PlayCardEchoesSeq(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	conn, err := transport.Dial(ctx, wsURL(ts), "player-1", transport.WebSocketDialer{})
	require.NoError(t, err)
	defer conn.Close()

	send := func(f protocol.Frame) {
		raw, err := protocol.EncodeFrame(f)
		require.NoError(t, err)
		require.NoError(t, conn.Send(ctx, raw))
	}

	send(protocol.JoinRoom(5))
	recvAction(t, conn, protocol.EvtPlayerJoined, time.Second)
	send(protocol.StartGame(5))
	started := recvAction(t, conn, protocol.EvtRoundStarted, time.Second)
	roundID, _ := started.Data.Int("round_id")

	send(protocol.PlayCard(5, roundID, 77, true, 12))
	played := recvAction(t, conn, protocol.EvtCardPlayed, time.Second)
	seq, _ := played.Data.Int("client_seq")
	assert.Equal(t, 12, seq)

	s.SetRejectActions(true)
	send(protocol.PlayCard(5, roundID, 78, false, 13))
	rejected := recvAction(t, conn, protocol.EvtError, time.Second)
	seq, _ = rejected.Data.Int("client_seq")
	assert.Equal(t, 13, seq)

	require.Len(t, s.Received(1), 4)
}

func TestSocket_RefuseAndKick(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()

	conn, err := transport.Dial(ctx, wsURL(ts), "player-3", transport.WebSocketDialer{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Connected(3) == 1 }, time.Second, 10*time.Millisecond)

	s.Kick(3)
	select {
	case _, ok := <-conn.Inbound():
		for ok {
			_, ok = <-conn.Inbound()
		}
	case <-time.After(time.Second):
		t.Fatal("kicked connection stayed open")
	}
	require.Eventually(t, func() bool { return s.Connected(3) == 0 }, time.Second, 10*time.Millisecond)

	s.SetRefuseConnections(true)
	_, err = transport.Dial(ctx, wsURL(ts), "player-3", transport.WebSocketDialer{})
	require.Error(t, err)
}
