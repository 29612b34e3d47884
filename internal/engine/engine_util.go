package engine

import (
	"maps"
	"slices"
	"time"

	"github.com/DoyleJ11/memeparty/internal/protocol"
)

func NewState(self int, policy Policy) State {
	return State{Self: self, Phase: PhaseWaiting, Policy: policy}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s State) Clone() State {
	out := s
	if s.Room != nil {
		r := *s.Room
		r.Members = slices.Clone(s.Room.Members)
		out.Room = &r
	}
	if s.Game != nil {
		g := *s.Game
		g.Players = slices.Clone(s.Game.Players)
		out.Game = &g
	}
	if s.Round != nil {
		r := *s.Round
		r.Choices = maps.Clone(s.Round.Choices)
		r.Votes = maps.Clone(s.Round.Votes)
		if r.Choices == nil {
			r.Choices = map[int]Choice{}
		}
		if r.Votes == nil {
			r.Votes = map[int]Vote{}
		}
		if s.Round.Result != nil {
			res := *s.Round.Result
			res.Tally = maps.Clone(s.Round.Result.Tally)
			r.Result = &res
		}
		out.Round = &r
	}
	return out
}

func ContainsEffect(effects []Effect, typ EffectType) bool {
	for _, e := range effects {
		if e.Type == typ {
			return true
		}
	}
	return false
}

// DerivePhase maps server statuses from a snapshot onto a local phase.
func DerivePhase(game *Game, round *Round) Phase {
	switch {
	case game == nil:
		return PhaseWaiting
	case game.Status == GameFinished:
		return PhaseGameEnd
	case round == nil:
		if game.Status == GameWaiting {
			return PhaseWaiting
		}
		return PhaseChoosing
	case round.Status == RoundVoting:
		return PhaseVoting
	case round.Status == RoundFinished:
		return PhaseRoundEnd
	default:
		return PhaseChoosing
	}
}

func roomFromInfo(info protocol.RoomInfo) *Room {
	return &Room{
		ID:       info.ID,
		Capacity: info.Capacity,
		Members:  slices.Clone(info.Members),
		Public:   info.Public,
		Status:   parseRoomStatus(info.Status),
	}
}

func playersFromInfo(infos []protocol.PlayerInfo) []Player {
	out := make([]Player, 0, len(infos))
	for _, p := range infos {
		out = append(out, Player{ID: p.ID, Nickname: p.Nickname, Score: p.Score, Connected: p.Connected})
	}
	return out
}

func choiceFromInfo(roundID int, c protocol.ChoiceInfo, now time.Time) Choice {
	at := c.SubmittedAt
	if at.IsZero() {
		at = now
	}
	return Choice{RoundID: roundID, PlayerID: c.PlayerID, CardID: c.CardID, Anonymous: c.Anonymous, SubmittedAt: at}
}

func resultFromInfo(r protocol.ResultInfo) *RoundResult {
	return &RoundResult{WinnerID: r.WinnerID, WinningCard: r.WinningCard, Tally: maps.Clone(r.Tally), Points: r.Points}
}

func parseRoomStatus(s string) RoomStatus {
	switch RoomStatus(s) {
	case RoomPlaying, RoomFinished:
		return RoomStatus(s)
	default:
		return RoomWaiting
	}
}

func parseGameStatus(s string) GameStatus {
	switch GameStatus(s) {
	case GamePlaying, GameVoting, GameFinished:
		return GameStatus(s)
	default:
		return GameWaiting
	}
}

func parseRoundStatus(s string) RoundStatus {
	switch RoundStatus(s) {
	case RoundVoting, RoundFinished:
		return RoundStatus(s)
	default:
		return RoundAwaitingChoices
	}
}

func (g *Game) player(id int) (*Player, bool) {
	for i := range g.Players {
		if g.Players[i].ID == id {
			return &g.Players[i], true
		}
	}
	return nil, false
}

func (g *Game) connectedPlayers() int {
	n := 0
	for _, p := range g.Players {
		if p.Connected {
			n++
		}
	}
	return n
}
