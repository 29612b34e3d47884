package engine

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/DoyleJ11/memeparty/internal/protocol"
)

var ErrWrongPhase = errors.New("wrong phase")
var ErrUnknownRound = errors.New("unknown round")
var ErrSelfVote = errors.New("cannot vote for own choice")
var ErrGameAlreadyEnded = errors.New("game already ended")
var ErrAwaitingResync = errors.New("awaiting resync")
var ErrUnsupportedInput = errors.New("unsupported input")

// ErrDeadlineExceeded marks a local deadline that elapsed before the server
// moved the round on. It is carried in State, not returned.
var ErrDeadlineExceeded = errors.New("deadline exceeded, waiting for server")

type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseChoosing Phase = "choosing"
	PhaseVoting   Phase = "voting"
	PhaseRoundEnd Phase = "round_end"
	PhaseGameEnd  Phase = "game_end"
	PhaseError    Phase = "error"
)

type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomPlaying  RoomStatus = "playing"
	RoomFinished RoomStatus = "finished"
)

type GameStatus string

const (
	GameWaiting  GameStatus = "waiting"
	GamePlaying  GameStatus = "playing"
	GameVoting   GameStatus = "voting"
	GameFinished GameStatus = "finished"
)

type RoundStatus string

const (
	RoundAwaitingChoices RoundStatus = "awaiting_choices"
	RoundVoting          RoundStatus = "voting"
	RoundFinished        RoundStatus = "finished"
)

type Room struct {
	ID       int
	Capacity int
	Members  []int
	Public   bool
	Status   RoomStatus
}

type Player struct {
	ID        int
	Nickname  string
	Score     int
	Connected bool
	Streak    int
}

type Game struct {
	ID           int
	RoomID       int
	Players      []Player
	CurrentRound int
	TotalRounds  int
	Status       GameStatus
}

type Choice struct {
	RoundID     int
	PlayerID    int
	CardID      int
	Anonymous   bool
	SubmittedAt time.Time
}

type Vote struct {
	RoundID  int
	VoterID  int
	VotedFor int
}

type RoundResult struct {
	WinnerID    int
	WinningCard int
	Tally       map[int]int
	Points      int
	Provisional bool // tallied locally when the vote deadline elapsed
}

type Round struct {
	ID              int
	GameID          int
	Number          int
	Situation       string
	TimeLimit       time.Duration
	Deadline        time.Time
	ServerRemaining time.Duration
	Status          RoundStatus
	Choices         map[int]Choice // by player
	Votes           map[int]Vote   // by voter
	Result          *RoundResult
}

// State is the client-side aggregate. It is owned by a single goroutine;
// everyone else gets a Clone.
type State struct {
	Self           int
	Phase          Phase
	Room           *Room
	Game           *Game
	Round          *Round
	AwaitingServer bool
	Disposable     bool
	LastError      string
	Policy         Policy
}

type Input interface{ isInput() }

type ServerEvent struct{ Event protocol.Event }

type DeadlineElapsed struct {
	Phase   Phase // PhaseChoosing or PhaseVoting
	RoundID int
}

type LocalChoice struct{ Choice Choice }

type LocalVote struct{ Vote Vote }

// RetractChoice undoes an optimistic choice. Restore, when set, is the
// earlier choice that becomes effective again.
type RetractChoice struct {
	RoundID  int
	PlayerID int
	Restore  *Choice
}

type RetractVote struct {
	RoundID int
	VoterID int
	Restore *Vote
}

type ConnectionLost struct{ Reason string }

type LeftRoom struct{}

func (ServerEvent) isInput()     {}
func (DeadlineElapsed) isInput() {}
func (LocalChoice) isInput()     {}
func (LocalVote) isInput()       {}
func (RetractChoice) isInput()   {}
func (RetractVote) isInput()     {}
func (ConnectionLost) isInput()  {}
func (LeftRoom) isInput()        {}

type EffectType string

const (
	EffArmDeadline     EffectType = "ArmDeadline"
	EffCancelDeadlines EffectType = "CancelDeadlines"
	EffCloseChoices    EffectType = "CloseChoices"
	EffCloseVotes      EffectType = "CloseVotes"
	EffTeardown        EffectType = "Teardown"
	EffRareCard        EffectType = "RareCard"
	EffRoundResult     EffectType = "RoundResult"
)

/*
	round_started   -> CancelDeadlines -> CloseChoices/CloseVotes (previous round) -> ArmDeadline(choosing)
	voting_started  -> CloseChoices -> ArmDeadline(voting)
	choice deadline -> CloseChoices -> ArmDeadline(voting, policy vote limit)
	vote deadline   -> CancelDeadlines -> CloseVotes -> RoundResult (provisional)
	round_ended     -> CancelDeadlines -> CloseChoices -> CloseVotes -> RoundResult -> RareCard?
	game_ended      -> Teardown
*/

type Effect struct {
	Type     EffectType
	Phase    Phase
	RoundID  int
	Duration time.Duration
	PlayerID int
}

// Apply feeds one input through the state machine. On error the returned
// state is s unchanged.
func Apply(s State, in Input, now time.Time) ([]Effect, State, error) {
	next := s.Clone()

	var (
		effects []Effect
		err     error
	)
	switch msg := in.(type) {
	case ServerEvent:
		effects, err = applyServer(&next, msg.Event, now)
	case DeadlineElapsed:
		effects, err = deadlineElapsed(&next, msg, now)
	case LocalChoice:
		err = localChoice(&next, msg.Choice)
	case LocalVote:
		err = localVote(&next, msg.Vote)
	case RetractChoice:
		if next.Round != nil && next.Round.ID == msg.RoundID {
			delete(next.Round.Choices, msg.PlayerID)
			if msg.Restore != nil {
				next.Round.Choices[msg.PlayerID] = *msg.Restore
			}
		}
	case RetractVote:
		if next.Round != nil && next.Round.ID == msg.RoundID {
			delete(next.Round.Votes, msg.VoterID)
			if msg.Restore != nil {
				next.Round.Votes[msg.VoterID] = *msg.Restore
			}
		}
	case ConnectionLost:
		effects = lose(&next, msg.Reason)
	case LeftRoom:
		next = NewState(s.Self, s.Policy)
		effects = []Effect{{Type: EffTeardown}}
	default:
		err = ErrUnsupportedInput
	}
	if err != nil {
		return nil, s, err
	}
	return effects, next, nil
}

func applyServer(s *State, ev protocol.Event, now time.Time) ([]Effect, error) {
	if snap, ok := ev.(protocol.GameState); ok {
		return resync(s, snap, now), nil
	}
	if s.Phase == PhaseError {
		// only a snapshot brings us back
		return nil, ErrAwaitingResync
	}

	switch e := ev.(type) {
	case protocol.RoomStateChanged:
		s.Room = roomFromInfo(e.Room)
		return nil, nil

	case protocol.GameStarted:
		if s.Game != nil && s.Game.ID == e.GameID && s.Phase != PhaseWaiting {
			return nil, nil
		}
		roomID := e.RoomID
		if roomID == 0 && s.Room != nil {
			roomID = s.Room.ID
		}
		s.Game = &Game{ID: e.GameID, RoomID: roomID, Players: playersFromInfo(e.Players), TotalRounds: e.TotalRounds, Status: GamePlaying}
		if s.Room != nil {
			s.Room.Status = RoomPlaying
		}
		s.Round = nil
		s.Phase = PhaseChoosing
		s.Disposable = false
		s.AwaitingServer = false
		return []Effect{{Type: EffCancelDeadlines}}, nil

	case protocol.RoundStarted:
		return roundStarted(s, e, now)

	case protocol.CardPlayed:
		r, err := currentRound(s, e.RoundID)
		if err != nil {
			return nil, err
		}
		if r.Status == RoundFinished {
			return nil, ErrWrongPhase
		}
		c := Choice{RoundID: e.RoundID, PlayerID: e.PlayerID, CardID: e.CardID, Anonymous: e.Anonymous, SubmittedAt: e.At}
		if old, ok := r.Choices[e.PlayerID]; ok && old.CardID == c.CardID && old.Anonymous == c.Anonymous {
			return nil, nil
		}
		if c.SubmittedAt.IsZero() {
			c.SubmittedAt = now
		}
		r.Choices[e.PlayerID] = c
		return nil, nil

	case protocol.VotingStarted:
		return votingStarted(s, e, now)

	case protocol.VoteSubmitted:
		r, err := currentRound(s, e.RoundID)
		if err != nil {
			return nil, err
		}
		if r.Status != RoundVoting {
			return nil, ErrWrongPhase
		}
		if e.VoterID == e.VotedFor {
			return nil, ErrSelfVote
		}
		v := Vote{RoundID: e.RoundID, VoterID: e.VoterID, VotedFor: e.VotedFor}
		if old, ok := r.Votes[e.VoterID]; ok && old == v {
			return nil, nil
		}
		r.Votes[e.VoterID] = v
		return maybeAllVotesIn(s, now), nil

	case protocol.RoundEnded:
		return roundEnded(s, e)

	case protocol.GameEnded:
		if s.Phase == PhaseGameEnd {
			return nil, nil
		}
		if s.Game != nil {
			applyScores(s.Game, e.Scores)
			s.Game.Status = GameFinished
		}
		if s.Room != nil {
			s.Room.Status = RoomFinished
		}
		s.Phase = PhaseGameEnd
		s.Disposable = true
		s.AwaitingServer = false
		return []Effect{{Type: EffTeardown}}, nil

	case protocol.PlayerJoined:
		if s.Room != nil && !slices.Contains(s.Room.Members, e.Player.ID) {
			s.Room.Members = append(s.Room.Members, e.Player.ID)
		}
		if s.Game != nil {
			if p, ok := s.Game.player(e.Player.ID); ok {
				p.Connected = true
				if e.Player.Nickname != "" {
					p.Nickname = e.Player.Nickname
				}
			} else if s.Phase == PhaseWaiting {
				s.Game.Players = append(s.Game.Players, Player{ID: e.Player.ID, Nickname: e.Player.Nickname, Score: e.Player.Score, Connected: true})
			}
		}
		return nil, nil

	case protocol.PlayerLeft:
		if s.Room != nil {
			s.Room.Members = slices.DeleteFunc(s.Room.Members, func(id int) bool { return id == e.PlayerID })
		}
		if s.Game != nil {
			if p, ok := s.Game.player(e.PlayerID); ok {
				p.Connected = false
			}
		}
		return nil, nil

	case protocol.PlayerTimeout:
		if s.Game != nil {
			if p, ok := s.Game.player(e.PlayerID); ok {
				p.Connected = false
			}
		}
		return nil, nil

	case protocol.TimerUpdate:
		if s.Round != nil && (e.RoundID == 0 || e.RoundID == s.Round.ID) {
			s.Round.ServerRemaining = e.Remaining
		}
		return nil, nil

	case protocol.ConnectionLost:
		return lose(s, e.Reason), nil

	case protocol.Pong, protocol.TimeoutWarning, protocol.ServerError:
		return nil, nil

	default:
		return nil, ErrUnsupportedInput
	}
}

func roundStarted(s *State, e protocol.RoundStarted, now time.Time) ([]Effect, error) {
	if s.Phase == PhaseGameEnd {
		return nil, ErrGameAlreadyEnded
	}
	if s.Round != nil && s.Round.ID == e.RoundID {
		return nil, nil
	}

	var effects []Effect
	effects = append(effects, Effect{Type: EffCancelDeadlines})
	if s.Round != nil {
		effects = append(effects,
			Effect{Type: EffCloseChoices, RoundID: s.Round.ID},
			Effect{Type: EffCloseVotes, RoundID: s.Round.ID},
		)
	}

	if s.Game == nil {
		s.Game = &Game{ID: e.GameID, Status: GamePlaying}
		if s.Room != nil {
			s.Game.RoomID = s.Room.ID
		}
	}
	number := e.Number
	if number == 0 {
		number = s.Game.CurrentRound + 1
	}
	limit := e.TimeLimit
	if limit <= 0 {
		limit = s.Policy.ChoiceLimit(number)
	}

	s.Round = &Round{
		ID:        e.RoundID,
		GameID:    s.Game.ID,
		Number:    number,
		Situation: e.Situation,
		TimeLimit: limit,
		Deadline:  now.Add(limit),
		Status:    RoundAwaitingChoices,
		Choices:   map[int]Choice{},
		Votes:     map[int]Vote{},
	}
	s.Game.CurrentRound = number
	s.Game.Status = GamePlaying
	s.Phase = PhaseChoosing
	s.AwaitingServer = false

	effects = append(effects, Effect{Type: EffArmDeadline, Phase: PhaseChoosing, RoundID: e.RoundID, Duration: limit})
	return effects, nil
}

func votingStarted(s *State, e protocol.VotingStarted, now time.Time) ([]Effect, error) {
	if s.Phase == PhaseGameEnd {
		return nil, ErrGameAlreadyEnded
	}
	if s.Round != nil && s.Round.ID == e.RoundID && s.Phase == PhaseVoting && !s.AwaitingServer {
		return nil, nil
	}
	if s.Round == nil || s.Round.ID != e.RoundID {
		if s.Round != nil && s.Round.Status == RoundFinished {
			// a late voting_started for a round we already closed
			return nil, ErrWrongPhase
		}
		gameID := 0
		if s.Game != nil {
			gameID = s.Game.ID
		}
		s.Round = &Round{ID: e.RoundID, GameID: gameID, Choices: map[int]Choice{}, Votes: map[int]Vote{}}
	}
	if s.Round.Status == RoundFinished {
		return nil, ErrWrongPhase
	}

	limit := e.TimeLimit
	if limit <= 0 {
		limit = s.Policy.VoteLimit
	}
	if len(e.Choices) > 0 {
		choices := make(map[int]Choice, len(e.Choices))
		for _, c := range e.Choices {
			local, ok := s.Round.Choices[c.PlayerID]
			merged := choiceFromInfo(e.RoundID, c, now)
			if ok && c.SubmittedAt.IsZero() {
				merged.SubmittedAt = local.SubmittedAt
			}
			choices[c.PlayerID] = merged
		}
		s.Round.Choices = choices
	}
	s.Round.Status = RoundVoting
	s.Round.TimeLimit = limit
	s.Round.Deadline = now.Add(limit)
	if s.Game != nil {
		s.Game.Status = GameVoting
	}
	s.Phase = PhaseVoting
	s.AwaitingServer = false

	return []Effect{
		{Type: EffCloseChoices, RoundID: e.RoundID},
		{Type: EffArmDeadline, Phase: PhaseVoting, RoundID: e.RoundID, Duration: limit},
	}, nil
}

func roundEnded(s *State, e protocol.RoundEnded) ([]Effect, error) {
	if s.Phase == PhaseGameEnd {
		return nil, ErrGameAlreadyEnded
	}
	if s.Round != nil && s.Round.ID == e.RoundID && s.Round.Result != nil && !s.Round.Result.Provisional {
		return nil, nil
	}
	if s.Round == nil || s.Round.ID != e.RoundID {
		gameID := 0
		if s.Game != nil {
			gameID = s.Game.ID
		}
		s.Round = &Round{ID: e.RoundID, GameID: gameID, Choices: map[int]Choice{}, Votes: map[int]Vote{}}
	}

	s.Round.Status = RoundFinished
	s.Round.Result = resultFromInfo(e.Result)
	s.Phase = PhaseRoundEnd
	s.AwaitingServer = false

	effects := []Effect{
		{Type: EffCancelDeadlines},
		{Type: EffCloseChoices, RoundID: e.RoundID},
		{Type: EffCloseVotes, RoundID: e.RoundID},
		{Type: EffRoundResult, RoundID: e.RoundID, PlayerID: e.Result.WinnerID},
	}

	if s.Game == nil {
		return effects, nil
	}
	s.Game.Status = GamePlaying
	applyScores(s.Game, e.Scores)

	awarded := e.RareCard
	for i := range s.Game.Players {
		p := &s.Game.Players[i]
		if p.ID != e.Result.WinnerID {
			p.Streak = 0
			continue
		}
		p.Streak++
		if awarded == 0 && s.Policy.StreakThreshold > 0 && p.Streak >= s.Policy.StreakThreshold {
			awarded = p.ID
		}
	}
	if awarded != 0 {
		if p, ok := s.Game.player(awarded); ok {
			p.Streak = 0
		}
		effects = append(effects, Effect{Type: EffRareCard, RoundID: e.RoundID, PlayerID: awarded})
	}
	return effects, nil
}

func deadlineElapsed(s *State, d DeadlineElapsed, now time.Time) ([]Effect, error) {
	if s.Round == nil || s.Round.ID != d.RoundID || s.Phase != d.Phase {
		// the server already moved on
		return nil, nil
	}

	switch d.Phase {
	case PhaseChoosing:
		limit := s.Policy.VoteLimit
		s.Round.Status = RoundVoting
		s.Round.Deadline = now.Add(limit)
		s.Phase = PhaseVoting
		s.AwaitingServer = true
		s.LastError = ErrDeadlineExceeded.Error()
		return []Effect{
			{Type: EffCloseChoices, RoundID: d.RoundID},
			{Type: EffArmDeadline, Phase: PhaseVoting, RoundID: d.RoundID, Duration: limit},
		}, nil

	case PhaseVoting:
		return closeVoting(s), nil

	default:
		return nil, ErrWrongPhase
	}
}

// maybeAllVotesIn closes voting early once every connected player has voted.
func maybeAllVotesIn(s *State, now time.Time) []Effect {
	if s.Game == nil || s.Phase != PhaseVoting {
		return nil
	}
	expected := s.Game.connectedPlayers()
	if expected == 0 || len(s.Round.Votes) < expected {
		return nil
	}
	return closeVoting(s)
}

func closeVoting(s *State) []Effect {
	res := Tally(s.Round)
	s.Round.Result = &res
	s.Round.Status = RoundFinished
	s.Phase = PhaseRoundEnd
	s.AwaitingServer = true
	return []Effect{
		{Type: EffCancelDeadlines},
		{Type: EffCloseVotes, RoundID: s.Round.ID},
		{Type: EffRoundResult, RoundID: s.Round.ID, PlayerID: res.WinnerID},
	}
}

func localChoice(s *State, c Choice) error {
	r, err := currentRound(s, c.RoundID)
	if err != nil {
		return err
	}
	if s.Phase != PhaseChoosing || r.Status != RoundAwaitingChoices {
		return ErrWrongPhase
	}
	r.Choices[c.PlayerID] = c
	return nil
}

func localVote(s *State, v Vote) error {
	r, err := currentRound(s, v.RoundID)
	if err != nil {
		return err
	}
	if s.Phase != PhaseVoting || r.Status != RoundVoting {
		return ErrWrongPhase
	}
	if v.VoterID == v.VotedFor {
		return ErrSelfVote
	}
	r.Votes[v.VoterID] = v
	return nil
}

func lose(s *State, reason string) []Effect {
	if s.Phase == PhaseError {
		return nil
	}
	s.Phase = PhaseError
	s.LastError = reason
	return []Effect{{Type: EffCancelDeadlines}}
}

// resync replaces the cache with a server snapshot and re-arms whichever
// deadline the snapshot's phase calls for.
func resync(s *State, snap protocol.GameState, now time.Time) []Effect {
	if snap.Room != nil {
		s.Room = roomFromInfo(*snap.Room)
	}
	s.Game = nil
	s.Round = nil
	if snap.Game != nil {
		g := snap.Game
		roomID := g.RoomID
		if roomID == 0 && s.Room != nil {
			roomID = s.Room.ID
		}
		s.Game = &Game{ID: g.ID, RoomID: roomID, Players: playersFromInfo(g.Players), CurrentRound: g.CurrentRound, TotalRounds: g.TotalRounds, Status: parseGameStatus(g.Status)}
	}
	if snap.Round != nil && s.Game != nil {
		rd := snap.Round
		r := &Round{
			ID:              rd.ID,
			GameID:          s.Game.ID,
			Number:          rd.Number,
			Situation:       rd.Situation,
			Status:          parseRoundStatus(rd.Status),
			ServerRemaining: rd.Remaining,
			Deadline:        now.Add(rd.Remaining),
			Choices:         make(map[int]Choice, len(rd.Choices)),
			Votes:           make(map[int]Vote, len(rd.Votes)),
		}
		for _, c := range rd.Choices {
			r.Choices[c.PlayerID] = choiceFromInfo(rd.ID, c, now)
		}
		for _, v := range rd.Votes {
			if v.VoterID == v.VotedFor {
				continue
			}
			r.Votes[v.VoterID] = Vote{RoundID: rd.ID, VoterID: v.VoterID, VotedFor: v.VotedFor}
		}
		if rd.Result != nil {
			r.Result = resultFromInfo(*rd.Result)
		}
		s.Round = r
	}

	s.Phase = DerivePhase(s.Game, s.Round)
	s.AwaitingServer = false
	s.LastError = ""
	s.Disposable = s.Phase == PhaseGameEnd

	effects := []Effect{{Type: EffCancelDeadlines}}
	if s.Round != nil && s.Round.ServerRemaining > 0 {
		switch s.Phase {
		case PhaseChoosing, PhaseVoting:
			effects = append(effects, Effect{Type: EffArmDeadline, Phase: s.Phase, RoundID: s.Round.ID, Duration: s.Round.ServerRemaining})
		}
	}
	return effects
}

func currentRound(s *State, roundID int) (*Round, error) {
	if s.Round == nil || s.Round.ID != roundID {
		return nil, ErrUnknownRound
	}
	if s.Round.Choices == nil {
		s.Round.Choices = map[int]Choice{}
	}
	if s.Round.Votes == nil {
		s.Round.Votes = map[int]Vote{}
	}
	return s.Round, nil
}

func applyScores(g *Game, scores map[int]int) {
	if len(scores) == 0 {
		return
	}
	for i := range g.Players {
		if score, ok := scores[g.Players[i].ID]; ok {
			g.Players[i].Score = score
		}
	}
	known := maps.Clone(scores)
	for _, p := range g.Players {
		delete(known, p.ID)
	}
	for _, id := range protocol.SortedIDs(known) {
		g.Players = append(g.Players, Player{ID: id, Score: known[id]})
	}
}
