package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/session"
)

var upgrader = websocket.Upgrader{
	// The peer link is node-to-node on a trusted network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// getPeerWebsocket upgrades the request and hands the connection to the
// channel. The handler blocks for the lifetime of the link.
func (s *Server) getPeerWebsocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to upgrade peer connection")
	}
	s.Node.Channel.Attach(conn)
	return nil
}

type sessionResponse struct {
	State       string `json:"state"`
	SessionID   string `json:"sessionId,omitempty"`
	MomentCount int    `json:"momentCount"`
	Finalized   bool   `json:"finalized"`
	Result      string `json:"result,omitempty"`
}

type stopRequest struct {
	ExternalCorrelationID string `json:"externalCorrelationId"`
}

type momentResponse struct {
	MomentID string `json:"momentId"`
}

type pipelineResponse struct {
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	QueueDepth int    `json:"queueDepth"`
}

func (s *Server) postSessionStart(c echo.Context) error {
	sessionID, err := s.Node.Machine.Start(c.Request().Context())
	if err != nil {
		if errors.Is(err, session.ErrSessionAlreadyActive) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"sessionId": sessionID})
}

func (s *Server) postSessionStop(c echo.Context) error {
	var req stopRequest
	if err := c.Bind(&req); err != nil {
		log.Debug().Err(err).Msg("Stop request without a parseable body")
	}
	if err := s.Node.Machine.Stop(c.Request().Context(), req.ExternalCorrelationID); err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) getSession(c echo.Context) error {
	state, sessionID := s.Node.Machine.State()
	res := sessionResponse{State: string(state), SessionID: sessionID}

	if sessionID != "" {
		sess, err := s.Node.Store.Load(c.Request().Context(), sessionID)
		if err == nil {
			res.MomentCount = len(sess.Moments)
			res.Finalized = sess.Finalized()
			res.Result = sess.Result
		} else if !errors.Is(err, session.ErrSessionNotFound) {
			return err
		}
	}
	return c.JSON(http.StatusOK, res)
}

// postMoment takes the raw audio payload as the request body and kicks off the
// transcription round trip.
func (s *Server) postMoment(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errors.Wrap(err, "failed to read moment payload")
	}
	momentID, err := s.Node.Relay.CaptureMoment(c.Request().Context(), payload)
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, momentResponse{MomentID: momentID})
}

func (s *Server) getPipeline(c echo.Context) error {
	state, reason := s.Node.Pipeline.Status()
	return c.JSON(http.StatusOK, pipelineResponse{
		State:      string(state),
		Reason:     reason,
		QueueDepth: s.Node.Pipeline.QueueDepth(),
	})
}

func (s *Server) postPipelineDrain(c echo.Context) error {
	go func() {
		if err := s.Node.Pipeline.DrainQueue(context.Background()); err != nil {
			log.Error().Err(err).Msg("Requested queue drain failed")
		}
	}()
	return c.NoContent(http.StatusAccepted)
}
