package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/memeparty/internal/config"
	"github.com/DoyleJ11/memeparty/internal/devserver"
	"github.com/DoyleJ11/memeparty/internal/logging"
)

const releaseVersion = "0.1.0"

func main() {
	cfg := &config.DevServer{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func newCmd(cfg *config.DevServer) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "devserver",
		Short:   "Local meme party game server for playing and testing clients.",
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
			return serve(cmd.Context(), cfg)
		},
	}
	cfg.RegisterFlags(cmd.Flags())

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

func serve(parent context.Context, cfg *config.DevServer) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := devserver.New(ctx, devserver.Options{
		TimeLimit: cfg.TimeLimit,
		VoteLimit: cfg.VoteLimit,
		Rounds:    cfg.Rounds,
		Logger:    logger.Named("devserver"),
	})
	s.SetDropPongs(cfg.DropPongs)
	s.SetRejectActions(cfg.RejectPlay)

	addr := net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           devserver.SetupRoutes(s),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("stopped")
	return nil
}
