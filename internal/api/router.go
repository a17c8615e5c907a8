package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Init builds the echo instance and mounts all routes on s.
func Init(s *Server) {
	s.Echo = echo.New()
	s.Echo.Debug = false
	s.Echo.HideBanner = true

	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.RequestID())

	s.Router = &Router{
		Root:       s.Echo.Group(""),
		Management: s.Echo.Group("/-"),
		APIV1:      s.Echo.Group("/api/v1"),
	}

	s.Router.Management.GET("/healthy", s.getHealthy)
	s.Router.Management.GET("/ready", s.getReady)

	s.Router.Root.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.Router.Root.GET("/ws", s.getPeerWebsocket)

	s.Router.APIV1.POST("/session/start", s.postSessionStart)
	s.Router.APIV1.POST("/session/stop", s.postSessionStop)
	s.Router.APIV1.GET("/session", s.getSession)
	s.Router.APIV1.POST("/moments", s.postMoment)
	s.Router.APIV1.GET("/pipeline", s.getPipeline)
	s.Router.APIV1.POST("/pipeline/drain", s.postPipelineDrain)

	s.Router.Routes = s.Echo.Routes()
}

func (s *Server) getHealthy(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) getReady(c echo.Context) error {
	if !s.Ready() {
		return c.String(http.StatusServiceUnavailable, "Not ready")
	}
	return c.String(http.StatusOK, "Ready")
}
