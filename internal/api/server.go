package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/config"
	"github.com/realworldbuilder/momentary/internal/metrics"
	"github.com/realworldbuilder/momentary/internal/node"
)

type Router struct {
	Routes     []*echo.Route
	Root       *echo.Group
	Management *echo.Group
	APIV1      *echo.Group
}

// Server keeps the HTTP surface and the node it fronts.
type Server struct {
	Echo   *echo.Echo
	Router *Router

	Config  config.Server
	Node    *node.Node
	Metrics *metrics.Service
}

func NewServer(cfg config.Server, n *node.Node, m *metrics.Service) *Server {
	return &Server{
		Config:  cfg,
		Node:    n,
		Metrics: m,
	}
}

func (s *Server) Ready() bool {
	return s.Echo != nil && s.Node != nil
}

func (s *Server) Start(ctx context.Context) error {
	if !s.Ready() {
		return errors.New("server is not initialized")
	}

	s.Node.Start(ctx)

	log.Info().Str("address", s.Config.Node.ListenAddress).Str("role", string(s.Config.Node.Role)).Msg("Starting server")
	return s.Echo.Start(s.Config.Node.ListenAddress)
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Warn().Msg("Shutting down server")

	s.Node.Shutdown()
	return s.Echo.Shutdown(ctx)
}
