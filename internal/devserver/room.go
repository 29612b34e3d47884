package devserver

import (
	"net/http"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/DoyleJ11/memeparty/internal/protocol"
)

const (
	pointsPerWin    = 100
	streakThreshold = 3
)

var situations = []string{
	"When the build passes on the first try",
	"Monday morning standup",
	"When someone replies all",
	"Finding a bug in production on Friday",
	"When the meeting could have been an email",
}

type member struct {
	id        int
	nickname  string
	score     int
	streak    int
	connected bool
}

type choice struct {
	playerID  int
	cardID    int
	anonymous bool
	seq       int
	at        time.Time
}

type round struct {
	id      int
	number  int
	status  string
	started time.Time
	limit   time.Duration
	choices map[int]choice
	votes   map[int]int // voter -> voted for
	result  *roundResult
}

type roundResult struct {
	winner int
	card   int
	tally  map[int]int
}

type game struct {
	id     int
	total  int
	played int
	status string
}

type room struct {
	id       int
	capacity int
	members  []*member
	status   string
	game     *game
	round    *round
}

func (r *room) member(id int) *member {
	for _, m := range r.members {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (r *room) setConnected(id int, connected bool) {
	if m := r.member(id); m != nil {
		m.connected = connected
	}
}

func (r *room) connected() int {
	n := 0
	for _, m := range r.members {
		if m.connected {
			n++
		}
	}
	return n
}

func (r *room) info() protocol.Value {
	ids := make([]protocol.Value, 0, len(r.members))
	for _, m := range r.members {
		ids = append(ids, protocol.Int(m.id))
	}
	return protocol.Object(map[string]protocol.Value{
		"id":        protocol.Int(r.id),
		"capacity":  protocol.Int(r.capacity),
		"members":   protocol.Array(ids...),
		"is_public": protocol.Bool(true),
		"status":    protocol.String(r.status),
	})
}

func (r *room) players() protocol.Value {
	out := make([]protocol.Value, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, protocol.Object(map[string]protocol.Value{
			"id":        protocol.Int(m.id),
			"nickname":  protocol.String(m.nickname),
			"score":     protocol.Int(m.score),
			"connected": protocol.Bool(m.connected),
		}))
	}
	return protocol.Array(out...)
}

func (r *room) scores() protocol.Value {
	out := make(map[string]protocol.Value, len(r.members))
	for _, m := range r.members {
		out[strconv.Itoa(m.id)] = protocol.Int(m.score)
	}
	return protocol.Object(out)
}

func (rd *round) choiceList() protocol.Value {
	ids := make([]int, 0, len(rd.choices))
	for id := range rd.choices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]protocol.Value, 0, len(ids))
	for _, id := range ids {
		c := rd.choices[id]
		out = append(out, protocol.Object(map[string]protocol.Value{
			"player_id":    protocol.Int(c.playerID),
			"card_id":      protocol.Int(c.cardID),
			"anonymous":    protocol.Bool(c.anonymous),
			"submitted_at": protocol.String(c.at.UTC().Format(time.RFC3339Nano)),
		}))
	}
	return protocol.Array(out...)
}

func (rd *round) remaining(now time.Time) float64 {
	left := rd.limit - now.Sub(rd.started)
	if left < 0 {
		return 0
	}
	return left.Seconds()
}

func (r *room) snapshot() protocol.Data {
	d := protocol.Data{"room": r.info()}
	if g := r.game; g != nil {
		current := 0
		if r.round != nil {
			current = r.round.number
		}
		d["game"] = protocol.Object(map[string]protocol.Value{
			"id":            protocol.Int(g.id),
			"room_id":       protocol.Int(r.id),
			"players":       r.players(),
			"current_round": protocol.Int(current),
			"total_rounds":  protocol.Int(g.total),
			"status":        protocol.String(g.status),
		})
	}
	if rd := r.round; rd != nil {
		votes := make([]protocol.Value, 0, len(rd.votes))
		for voter, target := range rd.votes {
			votes = append(votes, protocol.Object(map[string]protocol.Value{
				"voter_id":  protocol.Int(voter),
				"voted_for": protocol.Int(target),
			}))
		}
		obj := map[string]protocol.Value{
			"id":           protocol.Int(rd.id),
			"round_number": protocol.Int(rd.number),
			"status":       protocol.String(rd.status),
			"remaining":    protocol.Number(rd.remaining(time.Now())),
			"choices":      rd.choiceList(),
			"votes":        protocol.Array(votes...),
		}
		if rd.result != nil {
			obj["result"] = rd.result.value(pointsPerWin)
		}
		d["round"] = protocol.Object(obj)
	}
	return d
}

func (res *roundResult) value(points int) protocol.Value {
	tally := make(map[string]protocol.Value, len(res.tally))
	for id, n := range res.tally {
		tally[strconv.Itoa(id)] = protocol.Int(n)
	}
	return protocol.Object(map[string]protocol.Value{
		"winner_id":    protocol.Int(res.winner),
		"winning_card": protocol.Int(res.card),
		"points":       protocol.Int(points),
		"votes":        protocol.Object(tally),
	})
}

func (s *Server) joinRoom(c *client, roomID int) {
	if roomID == 0 {
		s.send(c, errorFrame("missing room id", 0))
		return
	}
	r := s.rooms[roomID]
	if r == nil {
		r = &room{id: roomID, capacity: s.opts.Capacity, status: "waiting"}
		s.rooms[roomID] = r
	}
	c.roomID = roomID

	m := r.member(c.playerID)
	if m == nil {
		if len(r.members) >= r.capacity {
			s.send(c, errorFrame("room is full", 0))
			c.roomID = 0
			return
		}
		m = &member{id: c.playerID, nickname: "player-" + strconv.Itoa(c.playerID)}
		r.members = append(r.members, m)
	}
	m.connected = true

	s.broadcast(r.id, frame(protocol.EvtPlayerJoined, r.id, protocol.Data{"player": protocol.Object(map[string]protocol.Value{
		"id":        protocol.Int(m.id),
		"nickname":  protocol.String(m.nickname),
		"score":     protocol.Int(m.score),
		"connected": protocol.Bool(true),
	})}))
	s.broadcast(r.id, frame(protocol.EvtRoomStateChanged, r.id, protocol.Data{"room": r.info()}))
}

func (s *Server) leaveRoom(c *client) {
	r := s.rooms[c.roomID]
	c.roomID = 0
	if r == nil {
		return
	}
	if r.game == nil || r.game.status == "finished" {
		r.members = slices.DeleteFunc(r.members, func(m *member) bool { return m.id == c.playerID })
	} else {
		r.setConnected(c.playerID, false)
	}
	s.broadcast(r.id, frame(protocol.EvtPlayerLeft, r.id, protocol.Data{"player_id": protocol.Int(c.playerID)}))
	s.broadcast(r.id, frame(protocol.EvtRoomStateChanged, r.id, protocol.Data{"room": r.info()}))
}

func (s *Server) startGame(r *room) {
	if r.game != nil && r.game.status != "finished" {
		return
	}
	s.nextGame++
	r.game = &game{id: s.nextGame, total: s.opts.Rounds, status: "playing"}
	r.status = "playing"
	for _, m := range r.members {
		m.score, m.streak = 0, 0
	}
	s.games[r.game.id] = r.id

	s.broadcast(r.id, frame(protocol.EvtGameStarted, r.id, protocol.Data{
		"game_id":      protocol.Int(r.game.id),
		"room_id":      protocol.Int(r.id),
		"total_rounds": protocol.Int(r.game.total),
		"players":      r.players(),
	}))
	s.broadcast(r.id, frame(protocol.EvtRoomStateChanged, r.id, protocol.Data{"room": r.info()}))
	s.startRound(r)
}

func (s *Server) startRound(r *room) {
	s.nextRound++
	number := r.game.played + 1
	rd := &round{
		id:      s.nextRound,
		number:  number,
		status:  "awaiting_choices",
		started: time.Now(),
		limit:   s.opts.TimeLimit,
		choices: make(map[int]choice),
		votes:   make(map[int]int),
	}
	r.round = rd
	s.rounds[rd.id] = r.id

	s.broadcast(r.id, frame(protocol.EvtRoundStarted, r.id, protocol.Data{
		"game_id":      protocol.Int(r.game.id),
		"round_id":     protocol.Int(rd.id),
		"round_number": protocol.Int(number),
		"situation":    protocol.String(situations[(number-1)%len(situations)]),
		"time_limit":   protocol.Number(rd.limit.Seconds()),
	}))
}

// roundFor finds the room currently playing roundID.
func (s *Server) roundFor(roundID int) (*room, *round, int, string) {
	r := s.rooms[s.rounds[roundID]]
	if r == nil || r.round == nil || r.round.id != roundID {
		return nil, nil, http.StatusNotFound, "unknown round"
	}
	return r, r.round, 0, ""
}

// playCard records a choice. A non-zero status means it was refused.
func (s *Server) playCard(playerID, roundID, cardID int, anonymous bool, seq int) (int, string) {
	r, rd, status, msg := s.roundFor(roundID)
	if status != 0 {
		return status, msg
	}
	if s.rejectActions || rd.status != "awaiting_choices" {
		return http.StatusConflict, "round is not accepting choices"
	}
	if r.member(playerID) == nil {
		return http.StatusUnprocessableEntity, "not a member of this room"
	}
	if prev, ok := rd.choices[playerID]; ok && prev.cardID == cardID && prev.anonymous == anonymous {
		// the other channel's copy
		return 0, ""
	}
	rd.choices[playerID] = choice{playerID: playerID, cardID: cardID, anonymous: anonymous, seq: seq, at: time.Now()}

	d := protocol.Data{
		"round_id":  protocol.Int(roundID),
		"player_id": protocol.Int(playerID),
		"card_id":   protocol.Int(cardID),
		"anonymous": protocol.Bool(anonymous),
	}
	if seq != 0 {
		d["client_seq"] = protocol.Int(seq)
	}
	s.broadcast(r.id, frame(protocol.EvtCardPlayed, r.id, d))
	return 0, ""
}

func (s *Server) startVoting(r *room) {
	rd := r.round
	if rd.status != "awaiting_choices" {
		return
	}
	rd.status = "voting"
	rd.started = time.Now()
	rd.limit = s.opts.VoteLimit
	if r.game != nil {
		r.game.status = "voting"
	}
	s.broadcast(r.id, frame(protocol.EvtVotingStarted, r.id, protocol.Data{
		"round_id":   protocol.Int(rd.id),
		"time_limit": protocol.Number(rd.limit.Seconds()),
		"choices":    rd.choiceList(),
	}))
}

func (s *Server) vote(voterID, roundID, target, seq int) (int, string) {
	r, rd, status, msg := s.roundFor(roundID)
	if status != 0 {
		return status, msg
	}
	if s.rejectActions || rd.status != "voting" {
		return http.StatusConflict, "round is not accepting votes"
	}
	if voterID == target {
		return http.StatusUnprocessableEntity, "cannot vote for yourself"
	}
	if _, ok := rd.choices[target]; !ok && len(rd.choices) > 0 {
		return http.StatusUnprocessableEntity, "no such choice"
	}
	if prev, ok := rd.votes[voterID]; ok && prev == target {
		return 0, ""
	}
	rd.votes[voterID] = target

	d := protocol.Data{
		"round_id":  protocol.Int(roundID),
		"voter_id":  protocol.Int(voterID),
		"voted_for": protocol.Int(target),
	}
	if seq != 0 {
		d["client_seq"] = protocol.Int(seq)
	}
	s.broadcast(r.id, frame(protocol.EvtVoteSubmitted, r.id, d))

	if len(rd.votes) >= r.connected() {
		s.endRound(r)
	}
	return 0, ""
}

func (s *Server) endRound(r *room) {
	rd := r.round
	if rd.status == "finished" {
		return
	}
	rd.status = "finished"

	tally := make(map[int]int)
	for _, target := range rd.votes {
		tally[target]++
	}
	ids := make([]int, 0, len(tally))
	for id := range tally {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if tally[a] != tally[b] {
			return tally[a] > tally[b]
		}
		if !rd.choices[a].at.Equal(rd.choices[b].at) {
			return rd.choices[a].at.Before(rd.choices[b].at)
		}
		return a < b
	})
	res := &roundResult{tally: tally}
	if len(ids) > 0 {
		res.winner = ids[0]
		res.card = rd.choices[res.winner].cardID
	}
	rd.result = res

	rare := 0
	for _, m := range r.members {
		if m.id != res.winner {
			m.streak = 0
			continue
		}
		m.score += pointsPerWin
		m.streak++
		if m.streak >= streakThreshold {
			rare = m.id
			m.streak = 0
		}
	}

	d := protocol.Data{
		"round_id": protocol.Int(rd.id),
		"result":   res.value(pointsPerWin),
		"scores":   r.scores(),
	}
	if rare != 0 {
		d["rare_card_awarded_to"] = protocol.Int(rare)
	}
	s.broadcast(r.id, frame(protocol.EvtRoundEnded, r.id, d))

	r.game.played++
	r.game.status = "playing"
	if r.game.played >= r.game.total {
		s.endGame(r)
		return
	}
	s.startRound(r)
}

func (s *Server) endGame(r *room) {
	if r.game == nil || r.game.status == "finished" {
		return
	}
	r.game.status = "finished"
	r.status = "finished"

	winner, best := 0, -1
	for _, m := range r.members {
		if m.score > best {
			winner, best = m.id, m.score
		}
	}
	s.broadcast(r.id, frame(protocol.EvtGameEnded, r.id, protocol.Data{
		"game_id":   protocol.Int(r.game.id),
		"winner_id": protocol.Int(winner),
		"scores":    r.scores(),
	}))
}
