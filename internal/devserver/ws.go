package devserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/memeparty/internal/protocol"
)

// playerFromRequest reads the player id the dev server uses as a bearer token.
func playerFromRequest(r *http.Request) (int, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	id, err := strconv.Atoi(strings.TrimPrefix(token, "player-"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func Handler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := playerFromRequest(r)
		if !ok {
			http.Error(w, "missing or bad token", http.StatusUnauthorized)
			return
		}
		if s.refusing() {
			http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan []byte, 32)
		clientID := uuid.NewString()

		select {
		case s.Inbox() <- join{ClientID: clientID, PlayerID: playerID, Outbox: out, Kick: func() { _ = conn.CloseNow() }}:
		case <-s.ctx.Done():
			return
		}
		defer func() {
			select {
			case s.Inbox() <- leave{ClientID: clientID}:
			case <-s.ctx.Done():
			}
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for payload := range out {
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				err := conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
			// dropped as slow or server shut down
			_ = conn.Close(websocket.StatusGoingAway, "dropped")
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					s.log.Debug("read", zap.Int("player", playerID), zap.Error(err))
				}
				return
			}

			f, err := protocol.DecodeFrame(data)
			if err != nil {
				_ = conn.Write(r.Context(), websocket.MessageText, mustEncode(errorFrame("bad frame", 0)))
				continue
			}

			select {
			case s.Inbox() <- fromClient{ClientID: clientID, Frame: f}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func mustEncode(f protocol.Frame) []byte {
	b, err := protocol.EncodeFrame(f)
	if err != nil {
		panic(err)
	}
	return b
}
