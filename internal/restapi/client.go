// Package restapi is the request/response side channel to the game server.
// The session uses it to double-send choices and votes and to fetch state
// when the socket is unavailable.
package restapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
)

// ErrRejected means the server understood the request and refused it
// (HTTP 409 or 422). Anything else is a transport-class failure.
var ErrRejected = errors.New("rejected by server")

type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rest %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("rest %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Ack is the server's acknowledgment of a submitted choice or vote.
type Ack struct {
	RoundID   int    `json:"round_id"`
	ClientSeq uint64 `json:"client_seq"`
	Status    string `json:"status"`
}

type ChoiceRequest struct {
	RoundID   int    `json:"round_id"`
	CardID    int    `json:"card_id"`
	Anonymous bool   `json:"anonymous"`
	ClientSeq uint64 `json:"client_seq"`
}

type VoteRequest struct {
	RoundID   int    `json:"round_id"`
	VotedFor  int    `json:"voted_for"`
	ClientSeq uint64 `json:"client_seq"`
}

type Player struct {
	ID        int    `json:"id"`
	Nickname  string `json:"nickname"`
	Score     int    `json:"score"`
	Connected bool   `json:"connected"`
}

type Game struct {
	ID           int      `json:"id"`
	RoomID       int      `json:"room_id"`
	CurrentRound int      `json:"current_round"`
	TotalRounds  int      `json:"total_rounds"`
	Status       string   `json:"status"`
	Players      []Player `json:"players"`
}

type Choice struct {
	PlayerID    int       `json:"player_id"`
	CardID      int       `json:"card_id"`
	Anonymous   bool      `json:"anonymous"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SubmitChoice(ctx context.Context, req ChoiceRequest) (Ack, error) {
	var ack Ack
	err := c.do(ctx, "submit-choice", http.MethodPost, fmt.Sprintf("/api/rounds/%d/choices", req.RoundID), req, &ack)
	return ack, err
}

func (c *Client) SubmitVote(ctx context.Context, req VoteRequest) (Ack, error) {
	var ack Ack
	err := c.do(ctx, "submit-vote", http.MethodPost, fmt.Sprintf("/api/rounds/%d/votes", req.RoundID), req, &ack)
	return ack, err
}

func (c *Client) GetCurrentGame(ctx context.Context, roomID int) (Game, error) {
	var g Game
	err := c.do(ctx, "get-current-game", http.MethodGet, fmt.Sprintf("/api/rooms/%d/game", roomID), nil, &g)
	return g, err
}

func (c *Client) GetRoundChoices(ctx context.Context, roundID int) ([]Choice, error) {
	var out []Choice
	err := c.do(ctx, "get-round-choices", http.MethodGet, fmt.Sprintf("/api/rounds/%d/choices", roundID), nil, &out)
	return out, err
}

func (c *Client) StartVoting(ctx context.Context, roundID int) error {
	return c.do(ctx, "start-voting", http.MethodPost, fmt.Sprintf("/api/rounds/%d/voting", roundID), nil, nil)
}

func (c *Client) EndGame(ctx context.Context, gameID int) error {
	return c.do(ctx, "end-game", http.MethodPost, fmt.Sprintf("/api/games/%d/end", gameID), nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpc := c.HTTP
	if httpc == nil {
		httpc = http.DefaultClient
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusUnprocessableEntity:
		return &Error{Op: op, Status: resp.StatusCode, Body: reason(raw), Err: ErrRejected}
	case resp.StatusCode >= 300:
		return &Error{Op: op, Status: resp.StatusCode, Body: reason(raw), Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: err}
	}
	return nil
}

// reason pulls {"error": "..."} out of an error body, falling back to the raw text.
func reason(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
