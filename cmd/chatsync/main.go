package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("user_id", cfg.UserID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	endpoint, err := chat.SocketEndpoint(cfg.APIBaseURL, cfg.SocketPort)
	if err != nil {
		return fmt.Errorf("deriving socket endpoint: %w", err)
	}

	session := chat.NewSession(chat.SessionConfig{
		Client:   chat.NewClient(cfg.APIBaseURL, nil),
		Store:    chat.NewStore(cfg.UserID),
		State:    appState,
		UserID:   cfg.UserID,
		Endpoint: endpoint,
		OnStateChange: func(cs chat.ConnState) {
			logger.Info("push channel state", slog.String("state", cs.String()))
		},
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		return session.Close()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
