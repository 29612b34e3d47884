package devserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", Handler(s))

	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms/{roomID}/game", GetCurrentGame(s))
		r.Get("/rounds/{roundID}/choices", GetRoundChoices(s))
		r.Post("/rounds/{roundID}/choices", SubmitChoice(s))
		r.Post("/rounds/{roundID}/votes", SubmitVote(s))
		r.Post("/rounds/{roundID}/voting", StartVoting(s))
		r.Post("/games/{gameID}/end", EndGame(s))
	})
	return r
}
