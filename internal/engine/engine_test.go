package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/memeparty/internal/protocol"
)

var t0 = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

func players(ids ...int) []protocol.PlayerInfo {
	out := make([]protocol.PlayerInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, protocol.PlayerInfo{ID: id, Connected: true})
	}
	return out
}

func mustApply(t *testing.T, s State, in Input) ([]Effect, State) {
	t.Helper()
	effects, next, err := Apply(s, in, t0)
	require.NoError(t, err)
	return effects, next
}

func server(ev protocol.Event) Input { return ServerEvent{Event: ev} }

// choosingState is a started game sitting in round 1's choice phase.
func choosingState(t *testing.T, ids ...int) State {
	t.Helper()
	s := NewState(ids[0], DefaultPolicy())
	_, s = mustApply(t, s, server(protocol.GameStarted{GameID: 9, RoomID: 3, TotalRounds: 5, Players: players(ids...)}))
	_, s = mustApply(t, s, server(protocol.RoundStarted{GameID: 9, RoundID: 1, Number: 1, Situation: "monday", TimeLimit: 50 * time.Second}))
	return s
}

func votingState(t *testing.T, ids ...int) State {
	t.Helper()
	s := choosingState(t, ids...)
	_, s = mustApply(t, s, server(protocol.VotingStarted{RoundID: 1, TimeLimit: 30 * time.Second, Choices: []protocol.ChoiceInfo{
		{PlayerID: ids[0], CardID: 100},
		{PlayerID: ids[1], CardID: 200},
	}}))
	return s
}

func TestApply_RoundStartedArmsChoiceDeadline(t *testing.T) {
	s := choosingState(t, 1, 2, 3)

	assert.Equal(t, PhaseChoosing, s.Phase)
	require.NotNil(t, s.Round)
	assert.Equal(t, RoundAwaitingChoices, s.Round.Status)
	assert.Equal(t, 1, s.Game.CurrentRound)
	assert.Equal(t, t0.Add(50*time.Second), s.Round.Deadline)
}

func TestApply_RoundStartedWithoutLimitUsesPolicy(t *testing.T) {
	s := choosingState(t, 1, 2)
	effects, s := mustApply(t, s, server(protocol.RoundStarted{GameID: 9, RoundID: 2, Number: 7}))

	require.True(t, ContainsEffect(effects, EffArmDeadline))
	for _, e := range effects {
		if e.Type == EffArmDeadline {
			assert.Equal(t, 20*time.Second, e.Duration)
			assert.Equal(t, PhaseChoosing, e.Phase)
		}
	}
	assert.True(t, ContainsEffect(effects, EffCloseVotes), "previous round's ledger slots are closed")
	assert.Empty(t, s.Round.Choices)
}

func TestApply_ReplayedEventsAreIdempotent(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T) State
		event protocol.Event
	}{
		{
			name:  "round_started twice",
			setup: func(t *testing.T) State { return choosingState(t, 1, 2) },
			event: protocol.RoundStarted{GameID: 9, RoundID: 1, Number: 1, TimeLimit: 50 * time.Second},
		},
		{
			name:  "voting_started twice",
			setup: func(t *testing.T) State { return votingState(t, 1, 2, 3) },
			event: protocol.VotingStarted{RoundID: 1, TimeLimit: 30 * time.Second},
		},
		{
			name:  "game_started twice",
			setup: func(t *testing.T) State { return choosingState(t, 1, 2) },
			event: protocol.GameStarted{GameID: 9, RoomID: 3, Players: players(1, 2)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.setup(t)
			effects, next := mustApply(t, s, server(tc.event))
			assert.Empty(t, effects)
			assert.Equal(t, s, next)
		})
	}
}

func TestApply_CardPlayedEchoOfLocalChoiceIsNoop(t *testing.T) {
	s := choosingState(t, 1, 2)
	_, s = mustApply(t, s, LocalChoice{Choice: Choice{RoundID: 1, PlayerID: 1, CardID: 42, SubmittedAt: t0}})
	_, next := mustApply(t, s, server(protocol.CardPlayed{RoundID: 1, PlayerID: 1, CardID: 42}))
	assert.Equal(t, s, next)
	assert.Len(t, next.Round.Choices, 1)
}

func TestApply_RejectsSelfVote(t *testing.T) {
	cases := []struct {
		name string
		in   Input
	}{
		{name: "local", in: LocalVote{Vote: Vote{RoundID: 1, VoterID: 2, VotedFor: 2}}},
		{name: "server", in: server(protocol.VoteSubmitted{RoundID: 1, VoterID: 2, VotedFor: 2})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := votingState(t, 1, 2, 3)
			_, next, err := Apply(s, tc.in, t0)
			assert.ErrorIs(t, err, ErrSelfVote)
			assert.Equal(t, s, next)
		})
	}
}

func TestApply_WrongPhaseAndUnknownRound(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T) State
		in      Input
		wantErr error
	}{
		{
			name:    "vote while choosing",
			setup:   func(t *testing.T) State { return choosingState(t, 1, 2) },
			in:      LocalVote{Vote: Vote{RoundID: 1, VoterID: 1, VotedFor: 2}},
			wantErr: ErrWrongPhase,
		},
		{
			name:    "choice while voting",
			setup:   func(t *testing.T) State { return votingState(t, 1, 2) },
			in:      LocalChoice{Choice: Choice{RoundID: 1, PlayerID: 1, CardID: 5}},
			wantErr: ErrWrongPhase,
		},
		{
			name:    "choice for another round",
			setup:   func(t *testing.T) State { return choosingState(t, 1, 2) },
			in:      LocalChoice{Choice: Choice{RoundID: 99, PlayerID: 1, CardID: 5}},
			wantErr: ErrUnknownRound,
		},
		{
			name: "round after game end",
			setup: func(t *testing.T) State {
				_, s := mustApply(t, choosingState(t, 1, 2), server(protocol.GameEnded{GameID: 9}))
				return s
			},
			in:      server(protocol.RoundStarted{GameID: 9, RoundID: 2}),
			wantErr: ErrGameAlreadyEnded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Apply(tc.setup(t), tc.in, t0)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// Three players, two have voted; the third vote closes voting without
// waiting for the deadline.
func TestApply_LastVoteClosesVotingEarly(t *testing.T) {
	s := votingState(t, 1, 2, 3)
	_, s = mustApply(t, s, server(protocol.VoteSubmitted{RoundID: 1, VoterID: 1, VotedFor: 2}))
	_, s = mustApply(t, s, server(protocol.VoteSubmitted{RoundID: 1, VoterID: 3, VotedFor: 2}))
	require.Equal(t, PhaseVoting, s.Phase)

	effects, s := mustApply(t, s, server(protocol.VoteSubmitted{RoundID: 1, VoterID: 2, VotedFor: 1}))

	assert.Equal(t, PhaseRoundEnd, s.Phase)
	assert.True(t, ContainsEffect(effects, EffCancelDeadlines))
	assert.True(t, ContainsEffect(effects, EffCloseVotes))
	require.NotNil(t, s.Round.Result)
	assert.True(t, s.Round.Result.Provisional)
	assert.Equal(t, 2, s.Round.Result.WinnerID)
	assert.Equal(t, 200, s.Round.Result.WinningCard)
}

func TestApply_DisconnectedPlayersDoNotBlockEarlyClose(t *testing.T) {
	s := votingState(t, 1, 2, 3)
	_, s = mustApply(t, s, server(protocol.PlayerLeft{PlayerID: 3}))
	_, s = mustApply(t, s, server(protocol.VoteSubmitted{RoundID: 1, VoterID: 1, VotedFor: 2}))
	effects, s := mustApply(t, s, server(protocol.VoteSubmitted{RoundID: 1, VoterID: 2, VotedFor: 1}))

	assert.True(t, ContainsEffect(effects, EffCloseVotes))
	assert.Equal(t, PhaseRoundEnd, s.Phase)
}

func TestApply_ChoiceDeadlineWaitsForServer(t *testing.T) {
	s := choosingState(t, 1, 2)
	effects, s := mustApply(t, s, DeadlineElapsed{Phase: PhaseChoosing, RoundID: 1})

	assert.Equal(t, PhaseVoting, s.Phase)
	assert.True(t, s.AwaitingServer)
	assert.True(t, ContainsEffect(effects, EffCloseChoices))
	assert.True(t, ContainsEffect(effects, EffArmDeadline))

	// server catches up with its own limit
	effects, s = mustApply(t, s, server(protocol.VotingStarted{RoundID: 1, TimeLimit: 25 * time.Second}))
	assert.False(t, s.AwaitingServer)
	require.True(t, ContainsEffect(effects, EffArmDeadline))
	assert.Equal(t, t0.Add(25*time.Second), s.Round.Deadline)
}

func TestApply_StaleDeadlineIsIgnored(t *testing.T) {
	s := votingState(t, 1, 2)
	effects, next := mustApply(t, s, DeadlineElapsed{Phase: PhaseChoosing, RoundID: 1})
	assert.Empty(t, effects)
	assert.Equal(t, s, next)
}

func TestApply_VoteDeadlineTalliesProvisionally(t *testing.T) {
	s := votingState(t, 1, 2, 3)
	_, s = mustApply(t, s, server(protocol.VoteSubmitted{RoundID: 1, VoterID: 3, VotedFor: 1}))

	_, s = mustApply(t, s, DeadlineElapsed{Phase: PhaseVoting, RoundID: 1})
	require.NotNil(t, s.Round.Result)
	assert.True(t, s.Round.Result.Provisional)
	assert.Equal(t, 1, s.Round.Result.WinnerID)

	// the server's result replaces ours
	_, s = mustApply(t, s, server(protocol.RoundEnded{RoundID: 1, Result: protocol.ResultInfo{WinnerID: 2, WinningCard: 200, Points: 100}}))
	assert.False(t, s.Round.Result.Provisional)
	assert.Equal(t, 2, s.Round.Result.WinnerID)
}

// A player wins three rounds in a row and is owed a rare card.
func TestApply_ThirdStraightWinAwardsRareCard(t *testing.T) {
	s := choosingState(t, 1, 2)

	var effects []Effect
	for round := 1; round <= 3; round++ {
		if round > 1 {
			_, s = mustApply(t, s, server(protocol.RoundStarted{GameID: 9, RoundID: round, Number: round}))
		}
		effects, s = mustApply(t, s, server(protocol.RoundEnded{
			RoundID: round,
			Result:  protocol.ResultInfo{WinnerID: 2, Points: 100},
			Scores:  map[int]int{1: 0, 2: 100 * round},
		}))
		if round < 3 {
			assert.False(t, ContainsEffect(effects, EffRareCard), "round %d", round)
		}
	}

	require.True(t, ContainsEffect(effects, EffRareCard))
	for _, e := range effects {
		if e.Type == EffRareCard {
			assert.Equal(t, 2, e.PlayerID)
		}
	}
	p, ok := s.Game.player(2)
	require.True(t, ok)
	assert.Equal(t, 300, p.Score)
	assert.Equal(t, 0, p.Streak)
}

func TestApply_ServerAwardedRareCardResetsStreak(t *testing.T) {
	s := choosingState(t, 1, 2)
	effects, s := mustApply(t, s, server(protocol.RoundEnded{RoundID: 1, Result: protocol.ResultInfo{WinnerID: 1}, RareCard: 1}))

	assert.True(t, ContainsEffect(effects, EffRareCard))
	p, _ := s.Game.player(1)
	assert.Equal(t, 0, p.Streak)
}

func TestApply_GameEndedTearsDown(t *testing.T) {
	s := votingState(t, 1, 2)
	effects, s := mustApply(t, s, server(protocol.GameEnded{GameID: 9, WinnerID: 2, Scores: map[int]int{1: 100, 2: 300}}))

	assert.True(t, ContainsEffect(effects, EffTeardown))
	assert.Equal(t, PhaseGameEnd, s.Phase)
	assert.True(t, s.Disposable)

	effects, _ = mustApply(t, s, server(protocol.GameEnded{GameID: 9}))
	assert.Empty(t, effects)
}

func TestApply_ConnectionLostNeedsSnapshotToRecover(t *testing.T) {
	s := votingState(t, 1, 2)
	effects, s := mustApply(t, s, ConnectionLost{Reason: "socket closed"})
	assert.Equal(t, PhaseError, s.Phase)
	assert.True(t, ContainsEffect(effects, EffCancelDeadlines))

	_, _, err := Apply(s, server(protocol.VoteSubmitted{RoundID: 1, VoterID: 1, VotedFor: 2}), t0)
	assert.ErrorIs(t, err, ErrAwaitingResync)

	snap := protocol.GameState{
		Room: &protocol.RoomInfo{ID: 3, Status: "playing", Members: []int{1, 2}},
		Game: &protocol.GameInfo{ID: 9, Players: players(1, 2), CurrentRound: 1, TotalRounds: 5, Status: "voting"},
		Round: &protocol.RoundInfo{ID: 1, Number: 1, Status: "voting", Remaining: 12 * time.Second,
			Choices: []protocol.ChoiceInfo{{PlayerID: 1, CardID: 100}, {PlayerID: 2, CardID: 200}},
			Votes:   []protocol.VoteInfo{{VoterID: 2, VotedFor: 1}}},
	}
	effects, s = mustApply(t, s, server(snap))

	assert.Equal(t, PhaseVoting, s.Phase)
	assert.Empty(t, s.LastError)
	assert.Equal(t, 3, s.Game.RoomID)
	assert.Len(t, s.Round.Votes, 1)
	require.True(t, ContainsEffect(effects, EffArmDeadline))
	for _, e := range effects {
		if e.Type == EffArmDeadline {
			assert.Equal(t, 12*time.Second, e.Duration)
			assert.Equal(t, PhaseVoting, e.Phase)
		}
	}
}

func TestApply_RetractRestoresEarlierChoice(t *testing.T) {
	s := choosingState(t, 1, 2)
	first := Choice{RoundID: 1, PlayerID: 1, CardID: 10, SubmittedAt: t0}
	_, s = mustApply(t, s, LocalChoice{Choice: first})
	_, s = mustApply(t, s, LocalChoice{Choice: Choice{RoundID: 1, PlayerID: 1, CardID: 11, SubmittedAt: t0}})

	_, s = mustApply(t, s, RetractChoice{RoundID: 1, PlayerID: 1, Restore: &first})
	assert.Equal(t, 10, s.Round.Choices[1].CardID)

	_, s = mustApply(t, s, RetractChoice{RoundID: 1, PlayerID: 1})
	assert.Empty(t, s.Round.Choices)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s := choosingState(t, 1, 2)
	before := s.Clone()
	_, _ = mustApply(t, s, LocalChoice{Choice: Choice{RoundID: 1, PlayerID: 1, CardID: 10}})
	assert.Equal(t, before, s)
}

func TestTally_TieGoesToEarliestSubmission(t *testing.T) {
	r := &Round{
		Choices: map[int]Choice{
			1: {PlayerID: 1, CardID: 10, SubmittedAt: t0.Add(5 * time.Second)},
			2: {PlayerID: 2, CardID: 20, SubmittedAt: t0.Add(2 * time.Second)},
			3: {PlayerID: 3, CardID: 30, SubmittedAt: t0},
		},
		Votes: map[int]Vote{
			1: {VoterID: 1, VotedFor: 2},
			2: {VoterID: 2, VotedFor: 1},
			3: {VoterID: 3, VotedFor: 99}, // no such choice
		},
	}
	res := Tally(r)
	assert.Equal(t, 2, res.WinnerID)
	assert.Equal(t, 20, res.WinningCard)
	assert.Equal(t, map[int]int{1: 1, 2: 1}, res.Tally)
}

func TestPolicy_ChoiceLimitShrinksToFloor(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 50*time.Second, p.ChoiceLimit(1))
	assert.Equal(t, 45*time.Second, p.ChoiceLimit(2))
	assert.Equal(t, 20*time.Second, p.ChoiceLimit(7))
	assert.Equal(t, 20*time.Second, p.ChoiceLimit(30))
}
