package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/clawbridge/internal/bridge"
	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/session"
	"github.com/jkaninda/clawbridge/internal/templatesync"
	"github.com/jkaninda/okapi"
)

// GatewayResponse is one row of GET /v1/gateways.
type GatewayResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Sessions  int    `json:"sessions"`
}

// SessionResponse is the JSON shape of one session.
type SessionResponse struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	AgentID      string    `json:"agent_id,omitempty"`
	Label        string    `json:"label,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// SessionsResponse is the JSON response for the session listing. Main is
// null when the gateway has not reported a main session.
type SessionsResponse struct {
	Main   *SessionResponse  `json:"main"`
	Agents []SessionResponse `json:"agents"`
}

// StatusResponse summarizes one gateway. A disconnected gateway reports
// connected=false with an error string instead of an HTTP failure, so
// dashboards can render the row.
type StatusResponse struct {
	GatewayID     string           `json:"gateway_id"`
	Connected     bool             `json:"connected"`
	Error         string           `json:"error,omitempty"`
	SessionCount  int              `json:"session_count"`
	AgentSessions int              `json:"agent_sessions"`
	MainSession   *SessionResponse `json:"main_session"`
}

// HistoryResponse is the JSON response for the history listing.
type HistoryResponse struct {
	SessionID string          `json:"session_id"`
	Events    []history.Event `json:"events"`
}

// SendMessageRequest is the JSON body for the message endpoint.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse confirms delivery to the gateway. Delivery does
// not imply the agent has processed the message.
type SendMessageResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func toSessionResponse(s session.Session) SessionResponse {
	return SessionResponse{
		ID:           s.ID,
		Role:         string(s.Role),
		Status:       string(s.Status),
		AgentID:      s.AgentID,
		Label:        s.Label,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// lookup resolves the {id} path parameter to a bridge, or writes a 404.
func (s *Server) lookup(c *okapi.Context) (*bridge.Bridge, error) {
	id := c.Param("id")
	b, ok := s.manager.Get(id)
	if !ok {
		return nil, c.JSON(http.StatusNotFound, ErrorBody{Error: "gateway not found"})
	}
	return b, nil
}

func (s *Server) handleGatewayList(c *okapi.Context) error {
	if err := s.rateLimit(c); err != nil {
		return err
	}
	boardID := c.Query("board_id")
	bridges := s.manager.List()
	resp := make([]GatewayResponse, 0, len(bridges))
	for _, b := range bridges {
		if boardID != "" && !s.servesBoard(c.Context(), b, boardID) {
			continue
		}
		gw := s.gateways[b.GatewayID()]
		resp = append(resp, GatewayResponse{
			ID:        b.GatewayID(),
			URL:       gw.URL,
			Connected: b.IsConnected(),
			Sessions:  b.Registry().Count(),
		})
	}
	return c.OK(resp)
}

// servesBoard reports whether the gateway's agent roster contains the
// board. Disconnected gateways and roster failures are treated as not
// serving the board rather than failing the listing.
func (s *Server) servesBoard(ctx context.Context, b *bridge.Bridge, boardID string) bool {
	if !b.IsConnected() {
		return false
	}
	rosterCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	roster, err := b.ListAgents(rosterCtx)
	if err != nil {
		s.logger.Warn("board filter roster fetch failed",
			slog.String("gateway", b.GatewayID()),
			slog.String("error", err.Error()),
		)
		return false
	}
	for _, a := range roster.Agents {
		if a.BoardID == boardID {
			return true
		}
	}
	return false
}

func (s *Server) handleGatewayStatus(c *okapi.Context) error {
	if err := s.rateLimit(c); err != nil {
		return err
	}
	b, err := s.lookup(c)
	if err != nil {
		return err
	}

	resp := StatusResponse{GatewayID: b.GatewayID()}
	if !b.IsConnected() {
		// Status degrades to a disconnected row, never an HTTP error.
		resp.Error = "gateway not connected"
		return c.OK(resp)
	}

	main, agents := b.Registry().List()
	resp.Connected = true
	resp.SessionCount = b.Registry().Count()
	resp.AgentSessions = len(agents)
	if main != nil {
		mr := toSessionResponse(*main)
		resp.MainSession = &mr
	}
	return c.OK(resp)
}

func (s *Server) handleSessionList(c *okapi.Context) error {
	if err := s.rateLimit(c); err != nil {
		return err
	}
	b, err := s.lookup(c)
	if err != nil {
		return err
	}

	main, agents := b.Registry().List()
	if main == nil && b.IsConnected() {
		// The gateway may have started its main session since the last
		// reconcile. Pull a fresh snapshot once before reporting null.
		refreshCtx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		if _, err := b.RefreshSessions(refreshCtx); err != nil {
			s.logger.Warn("session refresh failed",
				slog.String("gateway", b.GatewayID()),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		main, agents = b.Registry().List()
	}
	resp := SessionsResponse{Agents: make([]SessionResponse, 0, len(agents))}
	if main != nil {
		mr := toSessionResponse(*main)
		resp.Main = &mr
	}
	for _, a := range agents {
		resp.Agents = append(resp.Agents, toSessionResponse(a))
	}
	return c.OK(resp)
}

func (s *Server) handleSessionGet(c *okapi.Context) error {
	if err := s.rateLimit(c); err != nil {
		return err
	}
	b, err := s.lookup(c)
	if err != nil {
		return err
	}

	sess, err := b.Registry().Get(c.Param("sid"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
	}
	return c.OK(toSessionResponse(sess))
}

func (s *Server) handleHistory(c *okapi.Context) error {
	if err := s.rateLimit(c); err != nil {
		return err
	}
	b, err := s.lookup(c)
	if err != nil {
		return err
	}

	sid := c.Param("sid")
	events, err := b.History().List(c.Context(), sid)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
		}
		s.logger.Error("history read failed",
			slog.String("session_id", sid),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("history read failed")
	}
	if events == nil {
		events = []history.Event{}
	}
	return c.OK(HistoryResponse{SessionID: sid, Events: events})
}

func (s *Server) handleMessageSend(c *okapi.Context) error {
	if err := s.rateLimit(c); err != nil {
		return err
	}
	b, err := s.lookup(c)
	if err != nil {
		return err
	}

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	sid := c.Param("sid")
	correlationID := newCorrelationID()
	s.logger.Info("http message send",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("gateway", b.GatewayID()),
		slog.String("session_id", sid),
		slog.String("correlation_id", correlationID),
	)

	if err := b.SendMessage(c.Context(), sid, req.Content); err != nil {
		var ve *bridge.ValidationError
		switch {
		case errors.As(err, &ve):
			return c.AbortBadRequest(ve.Msg)
		case errors.Is(err, session.ErrSessionNotFound):
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
		default:
			// Transport drop, gateway rejection, or ack timeout.
			s.logger.Warn("message delivery failed",
				slog.String("session_id", sid),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
		}
	}
	return c.OK(SendMessageResponse{SessionID: sid, Status: "delivered"})
}

func (s *Server) handleSyncTemplates(c *okapi.Context) error {
	if err := s.rateLimit(c); err != nil {
		return err
	}
	b, err := s.lookup(c)
	if err != nil {
		return err
	}

	var opts templatesync.Options
	if err := c.Bind(&opts); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	gw := s.gateways[b.GatewayID()]
	orch := templatesync.New(b, s.templates(gw), s.config.Sync, s.config.Metrics, s.logger)

	result, err := orch.Sync(c.Context(), opts)
	if err != nil {
		// Total failure: the roster could not be fetched at all.
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
	}
	// Partial failures ride inside the 200 payload.
	return c.OK(result)
}
