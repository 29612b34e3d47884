package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Inbound actions
const (
	EvtPong             = "pong"
	EvtRoomStateChanged = "room_state_changed"
	EvtGameStarted      = "game_started"
	EvtRoundStarted     = "round_started"
	EvtCardPlayed       = "card_played"
	EvtVotingStarted    = "voting_started"
	EvtVoteSubmitted    = "vote_submitted"
	EvtRoundEnded       = "round_ended"
	EvtGameEnded        = "game_ended"
	EvtPlayerJoined     = "player_joined"
	EvtPlayerLeft       = "player_left"
	EvtTimerUpdate      = "timer_update"
	EvtTimeoutWarning   = "timeout_warning"
	EvtPlayerTimeout    = "player_timeout"
	EvtConnectionLost   = "connection_lost"
	EvtError            = "error"
	EvtGameState        = "game_state"
)

// Event is a decoded inbound frame.
type Event interface {
	Action() string
}

type PlayerInfo struct {
	ID        int
	Nickname  string
	Score     int
	Connected bool
}

type RoomInfo struct {
	ID       int
	Capacity int
	Members  []int
	Public   bool
	Status   string
}

type ChoiceInfo struct {
	PlayerID    int
	CardID      int
	Anonymous   bool
	SubmittedAt time.Time
}

type VoteInfo struct {
	VoterID  int
	VotedFor int
}

type ResultInfo struct {
	WinnerID    int
	WinningCard int
	Tally       map[int]int
	Points      int
}

type GameInfo struct {
	ID           int
	RoomID       int
	Players      []PlayerInfo
	CurrentRound int
	TotalRounds  int
	Status       string
}

type RoundInfo struct {
	ID        int
	Number    int
	Situation string
	Status    string
	Remaining time.Duration
	Choices   []ChoiceInfo
	Votes     []VoteInfo
	Result    *ResultInfo
}

type Pong struct {
	ProbeID uint64 // 0 when the server did not echo an id
}

type RoomStateChanged struct{ Room RoomInfo }

type GameStarted struct {
	GameID      int
	RoomID      int
	TotalRounds int
	Players     []PlayerInfo
}

type RoundStarted struct {
	GameID    int
	RoundID   int
	Number    int
	Situation string
	TimeLimit time.Duration // 0 when absent
}

type CardPlayed struct {
	RoundID   int
	PlayerID  int
	CardID    int
	Anonymous bool
	ClientSeq uint64
	At        time.Time
}

type VotingStarted struct {
	RoundID   int
	TimeLimit time.Duration
	Choices   []ChoiceInfo
}

type VoteSubmitted struct {
	RoundID   int
	VoterID   int
	VotedFor  int
	ClientSeq uint64
}

type RoundEnded struct {
	RoundID  int
	Result   ResultInfo
	Scores   map[int]int
	RareCard int // player awarded a rare card, 0 if none
}

type GameEnded struct {
	GameID   int
	WinnerID int
	Scores   map[int]int
}

type PlayerJoined struct{ Player PlayerInfo }

type PlayerLeft struct{ PlayerID int }

type TimerUpdate struct {
	RoundID   int
	Remaining time.Duration
}

type TimeoutWarning struct {
	RoundID   int
	Remaining time.Duration
}

type PlayerTimeout struct{ PlayerID int }

type ConnectionLost struct{ Reason string }

type ServerError struct {
	Code      string
	Message   string
	ClientSeq uint64
}

type GameState struct {
	Room  *RoomInfo
	Game  *GameInfo
	Round *RoundInfo
}

func (Pong) Action() string             { return EvtPong }
func (RoomStateChanged) Action() string { return EvtRoomStateChanged }
func (GameStarted) Action() string      { return EvtGameStarted }
func (RoundStarted) Action() string     { return EvtRoundStarted }
func (CardPlayed) Action() string       { return EvtCardPlayed }
func (VotingStarted) Action() string    { return EvtVotingStarted }
func (VoteSubmitted) Action() string    { return EvtVoteSubmitted }
func (RoundEnded) Action() string       { return EvtRoundEnded }
func (GameEnded) Action() string        { return EvtGameEnded }
func (PlayerJoined) Action() string     { return EvtPlayerJoined }
func (PlayerLeft) Action() string       { return EvtPlayerLeft }
func (TimerUpdate) Action() string      { return EvtTimerUpdate }
func (TimeoutWarning) Action() string   { return EvtTimeoutWarning }
func (PlayerTimeout) Action() string    { return EvtPlayerTimeout }
func (ConnectionLost) Action() string   { return EvtConnectionLost }
func (ServerError) Action() string      { return EvtError }
func (GameState) Action() string        { return EvtGameState }

// Decode maps a frame to its typed event. Unknown actions return
// ErrUnknownAction so callers can log and move on.
func Decode(f Frame) (Event, error) {
	d := f.Data
	switch f.Action {
	case EvtPong:
		id, _ := d.Int("id")
		return Pong{ProbeID: uint64(max(id, 0))}, nil

	case EvtRoomStateChanged:
		src := d
		if obj, ok := d["room"].AsObject(); ok {
			src = obj
		}
		room := parseRoom(src)
		if room.ID == 0 && f.RoomID != nil {
			room.ID = *f.RoomID
		}
		if room.ID == 0 {
			return nil, missing(f.Action, "room id")
		}
		return RoomStateChanged{Room: room}, nil

	case EvtGameStarted:
		gameID, ok := d.Int("game_id")
		if !ok {
			return nil, missing(f.Action, "game_id")
		}
		roomID, _ := d.Int("room_id")
		if roomID == 0 && f.RoomID != nil {
			roomID = *f.RoomID
		}
		total, _ := d.Int("total_rounds")
		return GameStarted{GameID: gameID, RoomID: roomID, TotalRounds: total, Players: parsePlayers(d["players"])}, nil

	case EvtRoundStarted:
		roundID, ok := d.Int("round_id")
		if !ok {
			return nil, missing(f.Action, "round_id")
		}
		gameID, _ := d.Int("game_id")
		number, _ := d.Int("round_number")
		situation, _ := d.String("situation")
		limit, _ := d.Seconds("time_limit")
		return RoundStarted{GameID: gameID, RoundID: roundID, Number: number, Situation: situation, TimeLimit: limit}, nil

	case EvtCardPlayed:
		roundID, ok1 := d.Int("round_id")
		playerID, ok2 := d.Int("player_id")
		if !ok1 || !ok2 {
			return nil, missing(f.Action, "round_id/player_id")
		}
		cardID, _ := d.Int("card_id")
		anon, _ := d.Bool("anonymous")
		at, _ := f.Time()
		return CardPlayed{RoundID: roundID, PlayerID: playerID, CardID: cardID, Anonymous: anon, ClientSeq: seqOf(d), At: at}, nil

	case EvtVotingStarted:
		roundID, ok := d.Int("round_id")
		if !ok {
			return nil, missing(f.Action, "round_id")
		}
		limit, _ := d.Seconds("time_limit")
		return VotingStarted{RoundID: roundID, TimeLimit: limit, Choices: parseChoices(d["choices"])}, nil

	case EvtVoteSubmitted:
		roundID, ok1 := d.Int("round_id")
		voter, ok2 := d.Int("voter_id")
		target, ok3 := d.Int("voted_for")
		if !ok1 || !ok2 || !ok3 {
			return nil, missing(f.Action, "round_id/voter_id/voted_for")
		}
		return VoteSubmitted{RoundID: roundID, VoterID: voter, VotedFor: target, ClientSeq: seqOf(d)}, nil

	case EvtRoundEnded:
		roundID, ok := d.Int("round_id")
		if !ok {
			return nil, missing(f.Action, "round_id")
		}
		src := d
		if obj, ok := d["result"].AsObject(); ok {
			src = obj
		}
		rare, _ := d.Int("rare_card_awarded_to")
		return RoundEnded{RoundID: roundID, Result: parseResult(src), Scores: parseIntMap(d["scores"]), RareCard: rare}, nil

	case EvtGameEnded:
		gameID, _ := d.Int("game_id")
		winner, _ := d.Int("winner_id")
		return GameEnded{GameID: gameID, WinnerID: winner, Scores: parseIntMap(d["scores"])}, nil

	case EvtPlayerJoined:
		src := d
		if obj, ok := d["player"].AsObject(); ok {
			src = obj
		}
		p := parsePlayer(src)
		if p.ID == 0 {
			id, ok := d.Int("player_id")
			if !ok {
				return nil, missing(f.Action, "player id")
			}
			p.ID = id
		}
		return PlayerJoined{Player: p}, nil

	case EvtPlayerLeft, EvtPlayerTimeout:
		id, ok := d.Int("player_id")
		if !ok {
			return nil, missing(f.Action, "player_id")
		}
		if f.Action == EvtPlayerLeft {
			return PlayerLeft{PlayerID: id}, nil
		}
		return PlayerTimeout{PlayerID: id}, nil

	case EvtTimerUpdate, EvtTimeoutWarning:
		roundID, _ := d.Int("round_id")
		remaining, _ := d.Seconds("remaining")
		if f.Action == EvtTimerUpdate {
			return TimerUpdate{RoundID: roundID, Remaining: remaining}, nil
		}
		return TimeoutWarning{RoundID: roundID, Remaining: remaining}, nil

	case EvtConnectionLost:
		reason, _ := d.String("reason")
		return ConnectionLost{Reason: reason}, nil

	case EvtError:
		code, _ := d.String("code")
		msg, _ := d.String("message")
		return ServerError{Code: code, Message: msg, ClientSeq: seqOf(d)}, nil

	case EvtGameState:
		return parseGameState(d), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, f.Action)
	}
}

func missing(action, field string) error {
	return fmt.Errorf("%w: %s missing %s", ErrMalformedFrame, action, field)
}

func seqOf(d Data) uint64 {
	seq, ok := d.Int("client_seq")
	if !ok || seq < 0 {
		return 0
	}
	return uint64(seq)
}

func parseRoom(d Data) RoomInfo {
	id, _ := d.Int("id")
	if id == 0 {
		id, _ = d.Int("room_id")
	}
	capacity, _ := d.Int("capacity")
	public, _ := d.Bool("is_public")
	status, _ := d.String("status")
	var members []int
	if arr, ok := d["members"].AsArray(); ok {
		for _, m := range arr {
			if id, ok := m.AsInt(); ok {
				members = append(members, id)
				continue
			}
			if id, ok := m.Get("id").AsInt(); ok {
				members = append(members, id)
			}
		}
	}
	return RoomInfo{ID: id, Capacity: capacity, Members: members, Public: public, Status: status}
}

func parsePlayer(d Data) PlayerInfo {
	id, _ := d.Int("id")
	if id == 0 {
		id, _ = d.Int("player_id")
	}
	nick, _ := d.String("nickname")
	score, _ := d.Int("score")
	connected, ok := d.Bool("connected")
	if !ok {
		connected = true
	}
	return PlayerInfo{ID: id, Nickname: nick, Score: score, Connected: connected}
}

func parsePlayers(v Value) []PlayerInfo {
	arr, _ := v.AsArray()
	out := make([]PlayerInfo, 0, len(arr))
	for _, e := range arr {
		obj, ok := e.AsObject()
		if !ok {
			continue
		}
		if p := parsePlayer(obj); p.ID != 0 {
			out = append(out, p)
		}
	}
	return out
}

func parseChoices(v Value) []ChoiceInfo {
	arr, _ := v.AsArray()
	out := make([]ChoiceInfo, 0, len(arr))
	for _, e := range arr {
		obj, ok := e.AsObject()
		if !ok {
			continue
		}
		d := Data(obj)
		pid, ok := d.Int("player_id")
		if !ok {
			continue
		}
		card, _ := d.Int("card_id")
		anon, _ := d.Bool("anonymous")
		c := ChoiceInfo{PlayerID: pid, CardID: card, Anonymous: anon}
		if ts, ok := d.String("submitted_at"); ok {
			c.SubmittedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
		out = append(out, c)
	}
	return out
}

func parseVotes(v Value) []VoteInfo {
	arr, _ := v.AsArray()
	out := make([]VoteInfo, 0, len(arr))
	for _, e := range arr {
		obj, ok := e.AsObject()
		if !ok {
			continue
		}
		d := Data(obj)
		voter, ok1 := d.Int("voter_id")
		target, ok2 := d.Int("voted_for")
		if ok1 && ok2 {
			out = append(out, VoteInfo{VoterID: voter, VotedFor: target})
		}
	}
	return out
}

func parseResult(d Data) ResultInfo {
	winner, _ := d.Int("winner_id")
	card, _ := d.Int("winning_card")
	points, _ := d.Int("points")
	return ResultInfo{WinnerID: winner, WinningCard: card, Tally: parseIntMap(d["votes"]), Points: points}
}

// parseIntMap reads {"<player id>": n} objects.
func parseIntMap(v Value) map[int]int {
	obj, ok := v.AsObject()
	if !ok {
		return nil
	}
	out := make(map[int]int, len(obj))
	for k, x := range obj {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if n, ok := x.AsInt(); ok {
			out[id] = n
		}
	}
	return out
}

func parseGameState(d Data) GameState {
	var gs GameState
	if obj, ok := d["room"].AsObject(); ok {
		r := parseRoom(obj)
		gs.Room = &r
	}
	if obj, ok := d["game"].AsObject(); ok {
		gd := Data(obj)
		id, _ := gd.Int("id")
		roomID, _ := gd.Int("room_id")
		cur, _ := gd.Int("current_round")
		total, _ := gd.Int("total_rounds")
		status, _ := gd.String("status")
		gs.Game = &GameInfo{ID: id, RoomID: roomID, Players: parsePlayers(gd["players"]), CurrentRound: cur, TotalRounds: total, Status: status}
	}
	if obj, ok := d["round"].AsObject(); ok {
		rd := Data(obj)
		id, _ := rd.Int("id")
		number, _ := rd.Int("round_number")
		situation, _ := rd.String("situation")
		status, _ := rd.String("status")
		remaining, _ := rd.Seconds("remaining")
		ri := &RoundInfo{ID: id, Number: number, Situation: situation, Status: status, Remaining: remaining,
			Choices: parseChoices(rd["choices"]), Votes: parseVotes(rd["votes"])}
		if res, ok := rd["result"].AsObject(); ok {
			r := parseResult(res)
			ri.Result = &r
		}
		gs.Round = ri
	}
	return gs
}

// SortedIDs is a small helper for deterministic iteration over id maps.
func SortedIDs(m map[int]int) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
