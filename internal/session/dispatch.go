package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/memeparty/internal/deadline"
	"github.com/DoyleJ11/memeparty/internal/engine"
	"github.com/DoyleJ11/memeparty/internal/ledger"
	"github.com/DoyleJ11/memeparty/internal/protocol"
	"github.com/DoyleJ11/memeparty/internal/restapi"
	"github.com/DoyleJ11/memeparty/internal/transport"
)

const (
	kindChoice = ledger.KindChoice
	kindVote   = ledger.KindVote
)

const restTimeout = 10 * time.Second

func deadlineKey(p engine.Phase) deadline.Key {
	if p == engine.PhaseVoting {
		return deadline.KeyVote
	}
	return deadline.KeyChoice
}

func phaseOf(k deadline.Key) engine.Phase {
	if k == deadline.KeyVote {
		return engine.PhaseVoting
	}
	return engine.PhaseChoosing
}

func (s *Session) channels() []ledger.Channel {
	chs := []ledger.Channel{ledger.ChannelSocket}
	if s.deps.REST != nil {
		chs = append(chs, ledger.ChannelREST)
	}
	return chs
}

func (s *Session) submitChoice(cardID int, anonymous bool) error {
	if s.roomID == 0 {
		return ErrNoRoom
	}
	if s.state.Round == nil {
		return engine.ErrWrongPhase
	}
	now := s.now()
	roundID := s.state.Round.ID
	c := engine.Choice{RoundID: roundID, PlayerID: s.cfg.PlayerID, CardID: cardID, Anonymous: anonymous, SubmittedAt: now}

	effects, next, err := engine.Apply(s.state, engine.LocalChoice{Choice: c}, now)
	if err != nil {
		return err
	}
	act, prev := s.ledger.Record(kindChoice, roundID, cardID, anonymous, s.channels(), now)
	if prev != nil {
		s.log.Debug("choice superseded", zap.Uint64("seq", prev.Seq), zap.Uint64("by", act.Seq))
	}
	s.state = next
	s.runEffects(effects)
	s.publish(UpdateState)

	frame := protocol.PlayCard(s.roomID, roundID, cardID, anonymous, act.Seq)
	req := restapi.ChoiceRequest{RoundID: roundID, CardID: cardID, Anonymous: anonymous, ClientSeq: act.Seq}
	s.dispatch(act, frame, func(ctx context.Context) error {
		_, err := s.deps.REST.SubmitChoice(ctx, req)
		return err
	})
	return nil
}

func (s *Session) submitVote(votedFor int) error {
	if s.roomID == 0 {
		return ErrNoRoom
	}
	if s.state.Round == nil {
		return engine.ErrWrongPhase
	}
	now := s.now()
	roundID := s.state.Round.ID
	v := engine.Vote{RoundID: roundID, VoterID: s.cfg.PlayerID, VotedFor: votedFor}

	effects, next, err := engine.Apply(s.state, engine.LocalVote{Vote: v}, now)
	if err != nil {
		if errors.Is(err, engine.ErrSelfVote) {
			s.log.Warn("self vote refused", s.fields()...)
		}
		return err
	}
	act, prev := s.ledger.Record(kindVote, roundID, votedFor, false, s.channels(), now)
	if prev != nil {
		s.log.Debug("vote superseded", zap.Uint64("seq", prev.Seq), zap.Uint64("by", act.Seq))
	}
	s.state = next
	s.runEffects(effects)
	s.publish(UpdateState)

	frame := protocol.SubmitVote(s.roomID, roundID, votedFor, act.Seq)
	req := restapi.VoteRequest{RoundID: roundID, VotedFor: votedFor, ClientSeq: act.Seq}
	s.dispatch(act, frame, func(ctx context.Context) error {
		_, err := s.deps.REST.SubmitVote(ctx, req)
		return err
	})
	return nil
}

// dispatch sends an action over the socket and the REST collaborator at the
// same time. Results come back through the inbox. A socket write is not an
// acknowledgment; the server's echo is.
func (s *Session) dispatch(act ledger.PendingAction, frame protocol.Frame, rest func(context.Context) error) {
	conn := s.conn
	raw, encErr := protocol.EncodeFrame(frame)
	log := s.log.With(zap.Uint64("seq", act.Seq), zap.String("kind", string(act.Kind)), zap.Int("round", act.RoundID))

	go func() {
		var g errgroup.Group

		g.Go(func() error {
			if encErr != nil {
				return encErr
			}
			if conn == nil {
				return &transport.Error{Op: "send", Err: ErrNotConnected}
			}
			return conn.Send(s.ctx, raw)
		})

		if s.deps.REST != nil {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(s.ctx, restTimeout)
				defer cancel()
				err := rest(ctx)
				switch {
				case err == nil:
					s.postInternal(channelAck{seq: act.Seq, ch: ledger.ChannelREST})
					return nil
				case errors.Is(err, restapi.ErrRejected):
					var rerr *restapi.Error
					reason := err.Error()
					if errors.As(err, &rerr) {
						reason = rerr.Body
					}
					s.postInternal(channelReject{seq: act.Seq, ch: ledger.ChannelREST, reason: reason})
					return nil
				default:
					return err
				}
			})
		}

		// one channel failing is not a rejection; the other may still land
		if err := g.Wait(); err != nil {
			log.Warn("channel failed", zap.Error(err))
		}
	}()
}

// echo reconciles a server broadcast of the local player's own action with
// the ledger. It reports whether the event should reach the state machine.
func (s *Session) echo(kind ledger.Kind, roundID, payload int, seq uint64) bool {
	now := s.now()
	if seq != 0 {
		if _, ok := s.ledger.Get(seq); ok {
			out := s.ledger.Ack(seq, ledger.ChannelSocket, now)
			s.logOutcome(seq, ledger.ChannelSocket, out)
			return s.echoOutcome(seq, out)
		}
	}
	act, ok := s.ledger.MatchEcho(kind, roundID, payload)
	if !ok {
		// not ours to reconcile, e.g. sent before a restart
		return true
	}
	out := s.ledger.Ack(act.Seq, ledger.ChannelEcho, now)
	s.logOutcome(act.Seq, ledger.ChannelEcho, out)
	return s.echoOutcome(act.Seq, out)
}

// echoOutcome reports whether an echo should reach the state machine. A
// reinstated action was rolled back locally; the echo puts it back.
func (s *Session) echoOutcome(seq uint64, out ledger.Outcome) bool {
	if out == ledger.OutcomeReinstated {
		s.log.Info("action reinstated by server echo", append(s.fields(), zap.Uint64("seq", seq))...)
	}
	return out != ledger.OutcomeStale
}

func (s *Session) onAck(seq uint64, ch ledger.Channel) {
	out := s.ledger.Ack(seq, ch, s.now())
	s.logOutcome(seq, ch, out)
	if out == ledger.OutcomeConfirmed {
		s.publish(UpdateState)
	}
}

func (s *Session) onReject(seq uint64, ch ledger.Channel, reason string) {
	out, restored := s.ledger.Reject(seq, ch, reason, s.now())
	s.logOutcome(seq, ch, out)
	if out != ledger.OutcomeRollback {
		return
	}
	act, ok := s.ledger.Get(seq)
	if !ok {
		return
	}

	switch act.Kind {
	case kindChoice:
		in := engine.RetractChoice{RoundID: act.RoundID, PlayerID: s.cfg.PlayerID}
		if restored != nil {
			in.Restore = &engine.Choice{RoundID: restored.RoundID, PlayerID: s.cfg.PlayerID, CardID: restored.Payload, Anonymous: restored.Anonymous, SubmittedAt: restored.CreatedAt}
		}
		s.applyInput(in)
	case kindVote:
		in := engine.RetractVote{RoundID: act.RoundID, VoterID: s.cfg.PlayerID}
		if restored != nil {
			in.Restore = &engine.Vote{RoundID: restored.RoundID, VoterID: s.cfg.PlayerID, VotedFor: restored.Payload}
		}
		s.applyInput(in)
	}

	s.log.Warn("action rejected", append(s.fields(), zap.Uint64("seq", seq), zap.String("reason", reason))...)
	s.fail(fmt.Errorf("%w: %s %s", ErrActionRejected, act.Kind, reason))
}

func (s *Session) closeRound(kind ledger.Kind, roundID int) {
	for _, a := range s.ledger.CloseRound(kind, roundID, s.now()) {
		s.log.Info("action abandoned", append(s.fields(), zap.Uint64("seq", a.Seq), zap.String("kind", string(a.Kind)))...)
	}
}

func (s *Session) logOutcome(seq uint64, ch ledger.Channel, out ledger.Outcome) {
	s.log.Debug("ack", zap.Uint64("seq", seq), zap.String("channel", string(ch)), zap.String("outcome", string(out)))
}
