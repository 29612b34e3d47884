package devserver

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/segmentio/encoding/json"

	"github.com/DoyleJ11/memeparty/internal/restapi"
)

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// call runs fn on the server goroutine and writes its response.
func call(s *Server, w http.ResponseWriter, r *http.Request, fn func() restResponse) {
	reply := make(chan restResponse, 1)
	select {
	case s.Inbox() <- restCall{Fn: fn, Reply: reply}:
	case <-r.Context().Done():
		return
	}
	select {
	case resp := <-reply:
		if resp.Status >= 300 {
			msg, _ := resp.Body.(string)
			writeError(w, resp.Status, msg)
			return
		}
		writeJSON(w, resp.Status, resp.Body)
	case <-r.Context().Done():
	}
}

func pathInt(r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	return n, err == nil && n > 0
}

func SubmitChoice(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := playerFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or bad token")
			return
		}
		roundID, ok := pathInt(r, "roundID")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad round id")
			return
		}
		var req restapi.ChoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}

		call(s, w, r, func() restResponse {
			if status, msg := s.playCard(playerID, roundID, req.CardID, req.Anonymous, int(req.ClientSeq)); status != 0 {
				return restResponse{Status: status, Body: msg}
			}
			return restResponse{Status: http.StatusOK, Body: restapi.Ack{RoundID: roundID, ClientSeq: req.ClientSeq, Status: "accepted"}}
		})
	}
}

func SubmitVote(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := playerFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or bad token")
			return
		}
		roundID, ok := pathInt(r, "roundID")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad round id")
			return
		}
		var req restapi.VoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}

		call(s, w, r, func() restResponse {
			if status, msg := s.vote(playerID, roundID, req.VotedFor, int(req.ClientSeq)); status != 0 {
				return restResponse{Status: status, Body: msg}
			}
			return restResponse{Status: http.StatusOK, Body: restapi.Ack{RoundID: roundID, ClientSeq: req.ClientSeq, Status: "accepted"}}
		})
	}
}

func GetCurrentGame(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, ok := pathInt(r, "roomID")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad room id")
			return
		}
		call(s, w, r, func() restResponse {
			rm := s.rooms[roomID]
			if rm == nil || rm.game == nil {
				return restResponse{Status: http.StatusNotFound, Body: "no game in room"}
			}
			g := restapi.Game{ID: rm.game.id, RoomID: rm.id, TotalRounds: rm.game.total, Status: rm.game.status}
			if rm.round != nil {
				g.CurrentRound = rm.round.number
			}
			for _, m := range rm.members {
				g.Players = append(g.Players, restapi.Player{ID: m.id, Nickname: m.nickname, Score: m.score, Connected: m.connected})
			}
			return restResponse{Status: http.StatusOK, Body: g}
		})
	}
}

func GetRoundChoices(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roundID, ok := pathInt(r, "roundID")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad round id")
			return
		}
		call(s, w, r, func() restResponse {
			_, rd, status, msg := s.roundFor(roundID)
			if status != 0 {
				return restResponse{Status: status, Body: msg}
			}
			out := make([]restapi.Choice, 0, len(rd.choices))
			for _, c := range rd.choices {
				out = append(out, restapi.Choice{PlayerID: c.playerID, CardID: c.cardID, Anonymous: c.anonymous, SubmittedAt: c.at.UTC().Truncate(time.Millisecond)})
			}
			sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
			return restResponse{Status: http.StatusOK, Body: out}
		})
	}
}

func StartVoting(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roundID, ok := pathInt(r, "roundID")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad round id")
			return
		}
		call(s, w, r, func() restResponse {
			rm, rd, status, msg := s.roundFor(roundID)
			if status != 0 {
				return restResponse{Status: status, Body: msg}
			}
			if rd.status != "awaiting_choices" {
				return restResponse{Status: http.StatusConflict, Body: "round is not accepting choices"}
			}
			s.startVoting(rm)
			return restResponse{Status: http.StatusNoContent}
		})
	}
}

func EndGame(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID, ok := pathInt(r, "gameID")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad game id")
			return
		}
		call(s, w, r, func() restResponse {
			rm := s.rooms[s.games[gameID]]
			if rm == nil || rm.game == nil || rm.game.id != gameID {
				return restResponse{Status: http.StatusNotFound, Body: "unknown game"}
			}
			s.endGame(rm)
			return restResponse{Status: http.StatusNoContent}
		})
	}
}
