package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/memeparty/internal/deadline"
	"github.com/DoyleJ11/memeparty/internal/engine"
	"github.com/DoyleJ11/memeparty/internal/heartbeat"
	"github.com/DoyleJ11/memeparty/internal/ledger"
	"github.com/DoyleJ11/memeparty/internal/logging"
	"github.com/DoyleJ11/memeparty/internal/protocol"
	"github.com/DoyleJ11/memeparty/internal/store"
	"github.com/DoyleJ11/memeparty/internal/transport"
)

func (s *Session) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.sched.Resolution())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case <-ticker.C:
			s.advanceDeadlines(s.now())

		case m := <-s.inbox:
			s.handle(m)
		}
	}
}

func (s *Session) handle(m Msg) {
	switch msg := m.(type) {
	case Connect:
		s.connect(msg.Reply)

	case Reset:
		s.sup.Reset()
		s.connect(msg.Reply)

	case Disconnect:
		s.disconnect("disconnected by user")
		msg.Reply <- nil

	case JoinRoom:
		if msg.RoomID == 0 {
			s.loadLastRoom(msg.Reply)
			break
		}
		msg.Reply <- s.joinRoom(msg.RoomID)

	case roomLoaded:
		if msg.err != nil {
			msg.reply <- msg.err
			break
		}
		msg.reply <- s.joinRoom(msg.roomID)

	case LeaveRoom:
		msg.Reply <- s.leaveRoom()

	case StartGame:
		if s.roomID == 0 {
			msg.Reply <- ErrNoRoom
			break
		}
		msg.Reply <- s.send(protocol.StartGame(s.roomID))

	case StartVoting:
		s.startVoting(msg.Reply)

	case SubmitChoice:
		msg.Reply <- s.submitChoice(msg.CardID, msg.Anonymous)

	case SubmitVote:
		msg.Reply <- s.submitVote(msg.VotedFor)

	case Subscribe:
		s.observers[msg.ID] = msg.Outbox
		snap := s.snapshot()
		msg.Outbox <- Update{Kind: UpdateState, Snapshot: &snap}

	case Unsubscribe:
		if ch, ok := s.observers[msg.ID]; ok {
			close(ch)
			delete(s.observers, msg.ID)
		}

	case GetSnapshot:
		msg.Reply <- s.snapshot()

	case dialed:
		s.onDialed(msg)

	case frameIn:
		if msg.gen == s.connGen {
			s.onFrame(msg.raw)
		}

	case connClosed:
		if msg.gen == s.connGen && s.conn != nil {
			reason := "connection closed"
			if msg.err != nil {
				reason = msg.err.Error()
			}
			s.lost(reason)
		}

	case heartbeatDue:
		s.onHeartbeatDue(msg.epoch)

	case probeExpired:
		if s.hb.Expire(msg.probe) == heartbeat.Stale {
			s.log.Warn("heartbeat stale", zap.Uint64("probe", msg.probe.ID))
			s.lost("heartbeat timeout")
		}

	case reconnectDue:
		if msg.gen == s.dialGen && s.sup.Reconnecting() {
			s.dial()
		}

	case stableFor:
		if msg.gen == s.connGen && s.conn != nil {
			s.sup.MarkStable()
		}

	case channelAck:
		s.onAck(msg.seq, msg.ch)

	case channelReject:
		s.onReject(msg.seq, msg.ch, msg.reason)
	}
}

func (s *Session) shutdown() {
	s.dialGen++
	s.closeConn()
	s.stopTimers()
	for _, ch := range s.waiting {
		ch <- ErrClosed
	}
	s.waiting = nil
	for id, ch := range s.observers {
		close(ch)
		delete(s.observers, id)
	}
	if s.storeq != nil {
		// let queued writes land before Close returns
		close(s.storeq)
		<-s.storeDone
	}
}

func (s *Session) fields() []zap.Field {
	gameID, roundID := 0, 0
	if s.state.Game != nil {
		gameID = s.state.Game.ID
	}
	if s.state.Round != nil {
		roundID = s.state.Round.ID
	}
	return logging.Game(s.roomID, gameID, roundID)
}

func (s *Session) setConnState(cs ConnectionState) {
	if s.connState == cs {
		return
	}
	s.connState = cs
	s.publish(UpdateConnection)
}

// --- connection lifecycle ---

func (s *Session) connect(reply chan error) {
	switch {
	case s.conn != nil:
		reply <- nil
		return
	case s.connState == Connecting:
		s.waiting = append(s.waiting, reply)
		return
	}
	s.waiting = append(s.waiting, reply)
	s.setConnState(Connecting)
	s.dial()
}

func (s *Session) dial() {
	s.dialGen++
	gen := s.dialGen
	endpoint, token := s.cfg.Endpoint, s.cfg.Token
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
		conn, err := s.deps.Dialer.Dial(ctx, endpoint, token)
		s.postInternal(dialed{gen: gen, conn: conn, err: err})
	}()
}

func (s *Session) onDialed(msg dialed) {
	if msg.gen != s.dialGen {
		if msg.conn != nil {
			_ = msg.conn.Close()
		}
		return
	}

	reconnecting := s.sup.Reconnecting()
	if msg.err != nil {
		s.log.Warn("dial failed", zap.Error(msg.err), zap.Int("attempt", s.sup.Attempt()))
		if !reconnecting {
			s.setConnState(Disconnected)
			s.answerWaiting(msg.err)
			return
		}
		delay, err := s.sup.Failed()
		if err != nil {
			s.exhausted()
			return
		}
		s.scheduleReconnect(delay)
		s.publish(UpdateConnection)
		return
	}

	s.attach(msg.conn)
	s.answerWaiting(nil)

	if reconnecting {
		s.sup.Succeeded()
		gen := s.connGen
		s.stableTimer = time.AfterFunc(s.cfg.StableAfter, func() { s.postInternal(stableFor{gen: gen}) })
		s.log.Info("reconnected", s.fields()...)
	}
	// a Reset or a Connect after Disconnect needs the same resync as an
	// automatic reconnect
	if reconnecting || s.roomID != 0 || s.state.Phase == engine.PhaseError {
		s.resync()
	}
	s.setConnState(Connected)
}

func (s *Session) answerWaiting(err error) {
	for _, ch := range s.waiting {
		ch <- err
	}
	s.waiting = nil
}

// attach takes ownership of a freshly dialed connection.
func (s *Session) attach(conn transport.Conn) {
	s.connGen++
	gen := s.connGen
	s.conn = conn
	s.outbox = make(chan []byte, 64)

	go func(out <-chan []byte) {
		for b := range out {
			if err := conn.Send(s.ctx, b); err != nil {
				s.log.Debug("write failed", zap.Error(err))
			}
		}
	}(s.outbox)

	go func() {
		for raw := range conn.Inbound() {
			s.postInternal(frameIn{gen: gen, raw: raw})
		}
		s.postInternal(connClosed{gen: gen, err: conn.Err()})
	}()

	epoch := s.hb.Restart()
	s.hbTimer = time.AfterFunc(s.hb.Interval, func() { s.postInternal(heartbeatDue{epoch: epoch}) })
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	s.connGen++
	s.hb.Stop()
	close(s.outbox)
	s.outbox = nil

	// the close handshake can wait on an unresponsive peer
	conn := s.conn
	go func() {
		if err := conn.Close(); err != nil {
			s.log.Debug("close", zap.Error(err))
		}
	}()
	s.conn = nil
}

func (s *Session) stopTimers() {
	for _, t := range []*time.Timer{s.hbTimer, s.probeTimer, s.retryTimer, s.stableTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.hbTimer, s.probeTimer, s.retryTimer, s.stableTimer = nil, nil, nil, nil
}

// lost handles a closed transport or stale heartbeat. The connection is torn
// down here and the supervisor decides whether and when to retry.
func (s *Session) lost(reason string) {
	s.log.Warn("connection lost", append(s.fields(), zap.String("reason", reason))...)
	s.closeConn()
	s.stopTimers()
	s.applyInput(engine.ConnectionLost{Reason: reason})

	delay, ok := s.sup.Lost()
	if !ok {
		if s.sup.Exhausted() {
			s.exhausted()
		}
		return
	}
	s.scheduleReconnect(delay)
	s.setConnState(Degraded)
}

func (s *Session) scheduleReconnect(delay time.Duration) {
	s.dialGen++
	gen := s.dialGen
	s.log.Info("reconnect scheduled", zap.Int("attempt", s.sup.Attempt()), zap.Duration("delay", delay))
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() { s.postInternal(reconnectDue{gen: gen}) })
}

func (s *Session) exhausted() {
	s.log.Error("giving up on reconnect", append(s.fields(), zap.Int("attempts", s.sup.MaxAttempts()))...)
	s.setConnState(Disconnected)
	s.answerWaiting(ErrSessionExhausted)
	s.fail(ErrSessionExhausted)
}

// disconnect is a manual close. It wins over any reconnect already scheduled.
func (s *Session) disconnect(reason string) {
	s.dialGen++
	s.sup.Reset()
	s.closeConn()
	s.stopTimers()
	s.answerWaiting(ErrNotConnected)
	if s.state.Phase != engine.PhaseWaiting || s.roomID != 0 {
		s.applyInput(engine.ConnectionLost{Reason: reason})
	}
	s.setConnState(Disconnected)
}

// resync rejoins the cached room and asks for a full snapshot instead of
// replaying whatever was missed.
func (s *Session) resync() {
	if s.roomID == 0 {
		s.state = engine.NewState(s.cfg.PlayerID, s.cfg.Policy)
		s.publish(UpdateState)
		return
	}
	_ = s.send(protocol.JoinRoom(s.roomID))
	_ = s.send(protocol.GetGameState(s.roomID))
}

func (s *Session) send(f protocol.Frame) error {
	if s.outbox == nil {
		return ErrNotConnected
	}
	b, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case s.outbox <- b:
		return nil
	default:
		return &transport.Error{Op: "send", Err: errors.New("outbound queue full")}
	}
}

// --- heartbeat ---

func (s *Session) onHeartbeatDue(epoch uint64) {
	if epoch != s.hb.Epoch() || s.conn == nil {
		return
	}
	probe, ok := s.hb.Probe(s.now())
	if !ok {
		return
	}
	if err := s.send(protocol.Ping(probe.ID)); err != nil {
		s.log.Debug("ping not sent", zap.Error(err))
	}
	s.probeTimer = time.AfterFunc(s.hb.Timeout, func() { s.postInternal(probeExpired{probe: probe}) })
	s.hbTimer = time.AfterFunc(s.hb.Interval, func() { s.postInternal(heartbeatDue{epoch: epoch}) })
}

// --- rooms ---

// loadLastRoom looks up the recorded room off the loop and joins it once the
// answer is posted back.
func (s *Session) loadLastRoom(reply chan error) {
	if s.deps.Store == nil {
		reply <- ErrNoRoom
		return
	}
	st, playerID := s.deps.Store, s.cfg.PlayerID
	queued := s.persist(func(ctx context.Context) {
		rec, err := st.LoadRoom(ctx, playerID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			err = ErrNoRoom
		case err != nil:
			err = fmt.Errorf("load last room: %w", err)
		}
		s.postInternal(roomLoaded{roomID: rec.RoomID, err: err, reply: reply})
	})
	if !queued {
		reply <- ErrStoreBusy
	}
}

func (s *Session) joinRoom(roomID int) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	if s.roomID != 0 && s.roomID != roomID {
		s.teardownRoom()
	}
	if err := s.send(protocol.JoinRoom(roomID)); err != nil {
		return err
	}
	s.roomID = roomID
	s.saveRoom()
	s.log.Info("joined room", s.fields()...)
	_ = s.send(protocol.GetGameState(roomID))
	s.publish(UpdateState)
	return nil
}

func (s *Session) leaveRoom() error {
	if s.roomID == 0 {
		return ErrNoRoom
	}
	if err := s.send(protocol.LeaveRoom(s.roomID)); err != nil {
		s.log.Warn("leave_room not sent", zap.Error(err))
	}
	s.teardownRoom()
	if s.deps.Store != nil {
		st, playerID := s.deps.Store, s.cfg.PlayerID
		s.persist(func(ctx context.Context) {
			if err := st.ClearRoom(ctx, playerID); err != nil {
				s.log.Warn("clear last room", zap.Error(err))
			}
		})
	}
	s.publish(UpdateState)
	return nil
}

func (s *Session) teardownRoom() {
	s.applyInput(engine.LeftRoom{})
	s.roomID = 0
}

func (s *Session) saveRoom() {
	if s.deps.Store == nil || s.roomID == 0 {
		return
	}
	rec := store.RoomRecord{PlayerID: s.cfg.PlayerID, RoomID: s.roomID, SessionID: s.id, SavedAt: s.now()}
	if s.state.Game != nil {
		rec.GameID = s.state.Game.ID
	}
	st := s.deps.Store
	s.persist(func(ctx context.Context) {
		if err := st.SaveRoom(ctx, rec); err != nil {
			s.log.Warn("save last room", zap.Error(err))
		}
	})
}

// persist queues a store call for the store worker. Calls run in the order
// they were queued.
func (s *Session) persist(op func(context.Context)) bool {
	select {
	case s.storeq <- op:
		return true
	default:
		s.log.Warn("store queue full, dropping call")
		return false
	}
}

func (s *Session) storeWorker() {
	defer close(s.storeDone)
	for op := range s.storeq {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		op(ctx)
		cancel()
	}
}

// startVoting asks over the socket, falling back to REST when the socket is
// down. The REST call answers the caller directly so the loop keeps running.
func (s *Session) startVoting(reply chan error) {
	if s.roomID == 0 {
		reply <- ErrNoRoom
		return
	}
	if s.state.Round == nil {
		reply <- engine.ErrWrongPhase
		return
	}
	roundID := s.state.Round.ID
	err := s.send(protocol.StartVoting(s.roomID, roundID))
	if err == nil || s.deps.REST == nil {
		reply <- err
		return
	}
	rest := s.deps.REST
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, restTimeout)
		defer cancel()
		reply <- rest.StartVoting(ctx, roundID)
	}()
}

// --- inbound ---

func (s *Session) onFrame(raw []byte) {
	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.log.Warn("dropping frame", append(s.fields(), zap.Error(err))...)
		return
	}
	ev, err := protocol.Decode(f)
	if errors.Is(err, protocol.ErrUnknownAction) {
		s.log.Debug("unknown action", zap.String("action", f.Action))
		return
	}
	if err != nil {
		s.log.Warn("dropping frame", append(s.fields(), zap.Error(err))...)
		return
	}
	s.onEvent(ev)
}

func (s *Session) onEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.Pong:
		if rtt, ok := s.hb.Pong(e.ProbeID, s.now()); ok {
			s.log.Debug("pong", zap.Duration("rtt", rtt))
		}
		return

	case protocol.ServerError:
		if e.ClientSeq != 0 {
			s.onReject(e.ClientSeq, ledger.ChannelSocket, e.Message)
			return
		}
		s.log.Warn("server error", append(s.fields(), zap.String("code", e.Code), zap.String("message", e.Message))...)
		return

	case protocol.CardPlayed:
		if e.PlayerID == s.cfg.PlayerID && !s.echo(kindChoice, e.RoundID, e.CardID, e.ClientSeq) {
			return
		}

	case protocol.VoteSubmitted:
		if e.VoterID == s.cfg.PlayerID && !s.echo(kindVote, e.RoundID, e.VotedFor, e.ClientSeq) {
			return
		}

	case protocol.RoomStateChanged:
		if e.Room.ID != s.roomID {
			// late broadcast for a room we left
			s.log.Debug("ignoring update for another room", zap.Int("room", e.Room.ID))
			return
		}
	}

	before, _ := s.gameID()
	s.applyInput(engine.ServerEvent{Event: ev})
	if id, ok := s.gameID(); ok && id != before {
		s.saveRoom()
	}

	if lost, ok := ev.(protocol.ConnectionLost); ok && s.conn != nil && s.roomID != 0 {
		s.log.Info("server reported connection loss, resyncing", zap.String("reason", lost.Reason))
		_ = s.send(protocol.GetGameState(s.roomID))
	}
}

func (s *Session) gameID() (int, bool) {
	if s.state.Game == nil {
		return 0, false
	}
	return s.state.Game.ID, true
}

// applyInput runs the state machine and carries out the effects it asks for.
func (s *Session) applyInput(in engine.Input) {
	effects, next, err := engine.Apply(s.state, in, s.now())
	if err != nil {
		log := s.log.Debug
		if _, fromServer := in.(engine.ServerEvent); fromServer && (errors.Is(err, engine.ErrSelfVote) || errors.Is(err, engine.ErrWrongPhase)) {
			log = s.log.Warn
		}
		log("input dropped", append(s.fields(), zap.String("input", fmt.Sprintf("%T", in)), zap.Error(err))...)
		return
	}
	s.state = next
	s.runEffects(effects)
	s.publish(UpdateState)
}

func (s *Session) runEffects(effects []engine.Effect) {
	now := s.now()
	for _, e := range effects {
		switch e.Type {
		case engine.EffArmDeadline:
			s.sched.Start(deadlineKey(e.Phase), e.RoundID, e.Duration, now)
		case engine.EffCancelDeadlines:
			s.sched.CancelAll()
		case engine.EffCloseChoices:
			s.closeRound(kindChoice, e.RoundID)
		case engine.EffCloseVotes:
			s.closeRound(kindVote, e.RoundID)
		case engine.EffTeardown:
			s.sched.CancelAll()
			for _, a := range s.ledger.AbandonAll(now) {
				s.log.Info("action abandoned", zap.Uint64("seq", a.Seq), zap.String("kind", string(a.Kind)))
			}
		case engine.EffRareCard:
			s.log.Info("rare card awarded", append(s.fields(), zap.Int("to", e.PlayerID))...)
			s.broadcast(Update{Kind: UpdateRareCard, PlayerID: e.PlayerID})
		case engine.EffRoundResult:
			s.log.Info("round result", append(s.fields(), zap.Int("winner", e.PlayerID))...)
		}
	}
}

func (s *Session) advanceDeadlines(now time.Time) {
	for _, sig := range s.sched.Advance(now) {
		switch sig.Type {
		case deadline.SignalTick:
			s.broadcast(Update{Kind: UpdateTick, Signal: sig})
		case deadline.SignalWarning:
			s.broadcast(Update{Kind: UpdateWarning, Signal: sig})
		case deadline.SignalElapsed:
			s.broadcast(Update{Kind: UpdateElapsed, Signal: sig})
			s.log.Info("deadline elapsed", append(s.fields(), zap.String("key", string(sig.Key)))...)
			s.applyInput(engine.DeadlineElapsed{Phase: phaseOf(sig.Key), RoundID: sig.RoundID})
		}
	}
}
