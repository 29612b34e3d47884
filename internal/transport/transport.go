package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var ErrClosed = errors.New("connection closed")

// Error is a connect or send failure. The caller decides whether to retry.
type Error struct {
	Op  string // "dial" | "send" | "read"
	Err error
}

func (e *Error) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Conn is one persistent bidirectional connection. Inbound is closed when the
// connection ends, after which Err reports why.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Inbound() <-chan []byte
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

type WebSocketDialer struct {
	HTTPClient   *http.Client
	WriteTimeout time.Duration
	ReadLimit    int64
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	return Dial(ctx, endpoint, token, d)
}

type WebSocket struct {
	conn         *websocket.Conn
	inbound      chan []byte
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func Dial(ctx context.Context, endpoint, token string, opts WebSocketDialer) (*WebSocket, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}

	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = 3 * time.Second
	}

	readCtx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		conn:         conn,
		inbound:      make(chan []byte, 64),
		writeTimeout: wt,
		ctx:          readCtx,
		cancel:       cancel,
	}
	go ws.readLoop()
	return ws, nil
}

func (w *WebSocket) readLoop() {
	defer close(w.inbound)
	for {
		typ, data, err := w.conn.Read(w.ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				w.setErr(fmt.Errorf("%w: %v", ErrClosed, err))
			case errors.Is(err, context.Canceled):
				w.setErr(ErrClosed)
			default:
				w.setErr(&Error{Op: "read", Err: err})
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case w.inbound <- data:
		case <-w.ctx.Done():
			w.setErr(ErrClosed)
			return
		}
	}
}

func (w *WebSocket) setErr(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

func (w *WebSocket) Inbound() <-chan []byte { return w.inbound }

func (w *WebSocket) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	if err := w.ctx.Err(); err != nil {
		return &Error{Op: "send", Err: ErrClosed}
	}
	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

func (w *WebSocket) Close() error {
	w.setErr(ErrClosed)
	err := w.conn.Close(websocket.StatusNormalClosure, "bye")
	w.cancel()
	if err != nil && websocket.CloseStatus(err) == -1 {
		// peer never answered the close handshake
		_ = w.conn.CloseNow()
	}
	return nil
}
