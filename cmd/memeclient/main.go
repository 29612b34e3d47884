package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/memeparty/internal/config"
	"github.com/DoyleJ11/memeparty/internal/logging"
	"github.com/DoyleJ11/memeparty/internal/restapi"
	"github.com/DoyleJ11/memeparty/internal/session"
	"github.com/DoyleJ11/memeparty/internal/store"
	"github.com/DoyleJ11/memeparty/internal/transport"
)

const releaseVersion = "0.1.0"

func main() {
	cfg := &config.Client{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func newCmd(cfg *config.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memeclient",
		Short: "Terminal client for a meme party game server.",
		Long: `Connects to a game server, joins a room and prints every update.

Commands read from stdin:
  start            start a game in the room
  play <card> [anon]
  voting           close choices and open voting
  vote <player>
  leave
  quit`,
		Args:    cobra.ExactArgs(0),
		Version: releaseVersion,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			if err := config.Bind(cmd.Flags()); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, cmd.InOrStdin())
		},
	}
	cfg.RegisterFlags(cmd.Flags())

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

func run(parent context.Context, cfg *config.Client, in io.Reader) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{
		Driver:        cfg.StoreDriver,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		PostgresDSN:   cfg.PostgresDSN,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	token := cfg.Token
	if token == "" {
		token = "player-" + strconv.Itoa(cfg.PlayerID)
	}

	s := session.New(ctx, session.Config{
		PlayerID:          cfg.PlayerID,
		Token:             token,
		Endpoint:          cfg.Endpoint,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectAttempts: cfg.ReconnectAttempts,
		StableAfter:       cfg.StableAfter,
		TickResolution:    cfg.TickResolution,
		WarningAt:         cfg.WarningAt,
	}, session.Deps{
		Dialer: transport.WebSocketDialer{},
		REST:   restapi.New(cfg.APIBaseURL(), token),
		Store:  st,
		Logger: logger.Named("session"),
	})
	defer s.Close()

	updates, unsubscribe, err := s.Subscribe(ctx, 256)
	if err != nil {
		return err
	}
	defer unsubscribe()
	go report(logger.Named("updates"), updates)

	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := s.JoinRoom(ctx, cfg.RoomID); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := command(ctx, s, line)
			if err != nil {
				logger.Warn("command failed", zap.String("command", line), zap.Error(err))
			}
			if quit {
				return nil
			}
		}
	}
}

func command(ctx context.Context, s *session.Session, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	arg := func(i int) (int, error) {
		if len(fields) <= i {
			return 0, errors.New("missing argument")
		}
		return strconv.Atoi(fields[i])
	}

	switch fields[0] {
	case "start":
		return false, s.StartGame(ctx)
	case "play":
		card, err := arg(1)
		if err != nil {
			return false, err
		}
		anon := len(fields) > 2 && fields[2] == "anon"
		return false, s.SubmitChoice(ctx, card, anon)
	case "voting":
		return false, s.StartVoting(ctx)
	case "vote":
		target, err := arg(1)
		if err != nil {
			return false, err
		}
		return false, s.SubmitVote(ctx, target)
	case "leave":
		return false, s.LeaveRoom(ctx)
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

func report(log *zap.Logger, updates <-chan session.Update) {
	for u := range updates {
		switch u.Kind {
		case session.UpdateState, session.UpdateConnection:
			sn := u.Snapshot
			fields := []zap.Field{
				zap.Int("version", sn.Version),
				zap.String("connection", string(sn.Connection)),
				zap.String("phase", string(sn.State.Phase)),
			}
			if r := sn.State.Round; r != nil {
				fields = append(fields, zap.Int("round", r.Number), zap.Int("choices", len(r.Choices)), zap.Int("votes", len(r.Votes)))
			}
			if sn.Attempt > 0 {
				fields = append(fields, zap.Int("attempt", sn.Attempt))
			}
			log.Info(string(u.Kind), fields...)
		case session.UpdateTick, session.UpdateWarning, session.UpdateElapsed:
			log.Info(string(u.Kind), zap.String("deadline", string(u.Signal.Key)), zap.Duration("remaining", u.Signal.Remaining))
		case session.UpdateRareCard:
			log.Info("rare card", zap.Int("player", u.PlayerID))
		case session.UpdateError:
			log.Warn("error", zap.Error(u.Err))
		}
	}
}
