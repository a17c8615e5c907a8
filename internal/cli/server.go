package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/realworldbuilder/momentary/internal/api"
	"github.com/realworldbuilder/momentary/internal/config"
	"github.com/realworldbuilder/momentary/internal/metrics"
	"github.com/realworldbuilder/momentary/internal/node"
)

func newServer() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the node and its HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg := config.DefaultServerConfigFromEnv()

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}

	m := metrics.New()
	n, err := node.New(cfg, m, nil)
	if err != nil {
		return errors.Wrap(err, "failed to assemble node")
	}

	s := api.NewServer(cfg, n, m)
	api.Init(s)

	go func() {
		if err := s.Start(context.Background()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}
