package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio/goble"
	"github.com/rinat-enikeev/BTKit-sub000/internal/store"
	"github.com/rinat-enikeev/BTKit-sub000/pkg/btkit"
	"github.com/rinat-enikeev/BTKit-sub000/pkg/config"
)

// newAdapter opens the radio. Tests swap it for a fake.
var newAdapter = func(logger *logrus.Logger) (radio.Adapter, error) { //nolint:gochecknoglobals
	return goble.Open(goble.Config{Logger: logger})
}

// session is everything a command needs for one run.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	adapter radio.Adapter
	kit     *btkit.Kit
	out     *printer
}

// openSession loads config, opens the radio and the peripheral store and
// assembles a Kit. The caller must call close.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := configureLogger(cmd, cfg)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	adapter, err := newAdapter(logger)
	if err != nil {
		return nil, err
	}

	noColor, _ := cmd.Flags().GetBool("no-color")
	return &session{
		cfg:     cfg,
		logger:  logger,
		adapter: adapter,
		kit:     btkit.New(adapter, btkit.Options{Config: cfg, Logger: logger, Store: st}),
		out:     newPrinter(cmd.OutOrStdout(), noColor),
	}, nil
}

func (s *session) close() {
	s.kit.Close()
	if err := s.adapter.Close(); err != nil {
		s.logger.WithError(err).Debug("Closing radio adapter")
	}
}

// runContext is cancelled by Ctrl+C, SIGTERM or, when d > 0, after d.
func runContext(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		cancel()
		stop()
	}
}
