package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/clawbridge/internal/config"
	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/observability"
	"github.com/jkaninda/clawbridge/internal/protocol"
	"github.com/jkaninda/clawbridge/internal/session"
)

// defaultCallTimeout bounds request/response exchanges when the caller's
// context carries no deadline.
const defaultCallTimeout = 10 * time.Second

// Bridge owns one gateway: its transport, session registry, history log,
// and request/response correlation. All inbound frames are processed
// sequentially by a single read loop, so state transitions per gateway
// are totally ordered.
type Bridge struct {
	cfg      config.GatewayConfig
	conn     *Conn
	registry *session.Registry
	store    history.Store
	waiter   *replyWaiter
	hub      *hub
	metrics  *observability.MetricsCollector
	logger   *slog.Logger
}

// New wires a Bridge for one configured gateway. The store is shared
// across gateways; session IDs are globally unique.
func New(cfg config.GatewayConfig, store history.Store, metrics *observability.MetricsCollector, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("gateway", cfg.ID))
	return &Bridge{
		cfg: cfg,
		conn: NewConn(ConnConfig{
			GatewayID:         cfg.ID,
			URL:               cfg.URL,
			Token:             cfg.Token,
			AllowSelfSigned:   cfg.AllowSelfSigned,
			ReconnectInterval: cfg.ReconnectInterval(),
			MaxReconnects:     cfg.MaxReconnects,
		}),
		registry: session.NewRegistry(logger),
		store:    store,
		waiter:   newReplyWaiter(),
		hub:      newHub(),
		metrics:  metrics,
		logger:   logger,
	}
}

// GatewayID returns the configured gateway identifier.
func (b *Bridge) GatewayID() string { return b.cfg.ID }

// Registry exposes the live session registry.
func (b *Bridge) Registry() *session.Registry { return b.registry }

// History exposes the history store backing this bridge.
func (b *Bridge) History() history.Store { return b.store }

// IsConnected reports whether the gateway transport is live.
func (b *Bridge) IsConnected() bool { return b.conn.IsConnected() }

// Subscribe attaches a consumer to this gateway's event stream.
func (b *Bridge) Subscribe() (<-chan Event, func()) { return b.hub.Subscribe() }

// stableConnWindow is how long a connection must stay up before the
// reconnect backoff resets. A gateway that accepts the handshake and
// drops right away keeps escalating instead of hammering at zero delay.
const stableConnWindow = 30 * time.Second

// Run connects to the gateway and processes frames until ctx is
// cancelled. Dial failures and transport drops both trigger reconnects
// with exponential backoff; when MaxReconnects is set and exhausted,
// Run returns a ConnectionError.
func (b *Bridge) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := b.conn.Connect(ctx); err != nil {
			attempt++
			if stop := b.reconnectWait(ctx, attempt, "gateway dial failed, retrying", err); stop != nil {
				return stop
			}
			continue
		}

		b.setConnState(true)
		b.logger.Info("gateway connected", slog.String("url", b.cfg.URL))
		connectedAt := time.Now()

		// Prime registry state; the read loop applies the snapshot.
		b.requestSnapshot(ctx)

		err := b.readLoop(ctx)
		b.conn.markDown()
		b.waiter.failAll()
		b.setConnState(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(connectedAt) >= stableConnWindow {
			attempt = 0
		}
		attempt++
		if stop := b.reconnectWait(ctx, attempt, "gateway transport dropped, reconnecting", err); stop != nil {
			return stop
		}
	}
}

// reconnectWait counts one failed attempt, enforces MaxReconnects and
// sleeps the backoff delay. A non-nil return ends Run.
func (b *Bridge) reconnectWait(ctx context.Context, attempt int, msg string, cause error) error {
	if b.metrics != nil {
		b.metrics.ReconnectsTotal.WithLabelValues(b.cfg.ID).Inc()
	}
	if b.cfg.MaxReconnects > 0 && attempt >= b.cfg.MaxReconnects {
		return &ConnectionError{Gateway: b.cfg.ID, Attempts: attempt, Err: cause}
	}
	delay := b.conn.backoff(attempt)
	b.logger.Warn(msg,
		slog.Int("attempt", attempt),
		slog.Duration("backoff", delay),
		slog.String("error", cause.Error()),
	)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the transport down deliberately.
func (b *Bridge) Close() {
	b.conn.Disconnect()
	b.waiter.failAll()
}

func (b *Bridge) setConnState(up bool) {
	val := 0.0
	if up {
		val = 1.0
	}
	if b.metrics != nil {
		b.metrics.ConnectedGauge.WithLabelValues(b.cfg.ID).Set(val)
	}
	b.hub.Publish(Event{Kind: EventConnState, Payload: map[string]bool{"connected": up}})
}

// requestSnapshot fires a sessions.list without waiting; the read loop
// reconciles when the snapshot frame arrives.
func (b *Bridge) requestSnapshot(ctx context.Context) {
	env, err := protocol.NewEnvelope(protocol.MsgSessionsList, nil)
	if err != nil {
		return
	}
	if err := b.conn.Write(ctx, env); err != nil {
		b.logger.Debug("snapshot request failed", slog.String("error", err.Error()))
	}
}

// readLoop decodes and dispatches frames until the transport drops.
func (b *Bridge) readLoop(ctx context.Context) error {
	for {
		data, err := b.conn.Read(ctx)
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("discarding malformed frame", slog.String("error", err.Error()))
			continue
		}
		b.handle(ctx, &env)
	}
}

// handle applies one inbound frame. Runs only on the read loop
// goroutine, so registry and history mutations are ordered.
func (b *Bridge) handle(ctx context.Context, env *protocol.Envelope) {
	if b.metrics != nil {
		b.metrics.FramesTotal.WithLabelValues(b.cfg.ID, string(env.Type)).Inc()
	}

	switch env.Type {
	case protocol.MsgSessionCreated, protocol.MsgSessionUpdated:
		var lc protocol.SessionLifecycle
		if err := env.Decode(&lc); err != nil {
			b.logger.Warn("bad session lifecycle payload", slog.String("error", err.Error()))
			return
		}
		b.registry.Upsert(lc)
		if key := lc.Key(); key != "" {
			if err := b.store.EnsureSession(ctx, key); err != nil {
				b.logger.Warn("ensuring session in store", slog.String("error", err.Error()))
			}
			b.hub.Publish(Event{Kind: EventSessionChanged, SessionID: key})
		}
		b.updateSessionGauge()

	case protocol.MsgSessionClosed:
		var lc protocol.SessionLifecycle
		if err := env.Decode(&lc); err != nil {
			return
		}
		if key := lc.Key(); key != "" {
			b.registry.Close(key)
			b.hub.Publish(Event{Kind: EventSessionChanged, SessionID: key})
		}
		b.updateSessionGauge()

	case protocol.MsgChatEvent:
		b.handleChatEvent(ctx, env)

	case protocol.MsgSessionsSnapshot:
		var snap protocol.SessionsSnapshotPayload
		if err := env.Decode(&snap); err != nil {
			b.logger.Warn("bad sessions snapshot", slog.String("error", err.Error()))
			return
		}
		b.registry.Reconcile(snap.Sessions)
		for _, lc := range snap.Sessions {
			if key := lc.Key(); key != "" {
				_ = b.store.EnsureSession(ctx, key)
			}
		}
		b.updateSessionGauge()
		b.hub.Publish(Event{Kind: EventSessionChanged})
		b.waiter.resolve(env.ID, env)

	case protocol.MsgChatAck, protocol.MsgAgentsSnapshot, protocol.MsgFileEntry, protocol.MsgPong, protocol.MsgAck:
		if !b.waiter.resolve(env.ID, env) {
			b.logger.Debug("unsolicited response frame",
				slog.String("type", string(env.Type)),
				slog.String("id", env.ID),
			)
		}

	case protocol.MsgError:
		var ep protocol.ErrorPayload
		_ = env.Decode(&ep)
		if !b.waiter.resolve(env.ID, env) {
			b.logger.Warn("gateway error",
				slog.String("code", ep.Code),
				slog.String("message", ep.Message),
			)
		}

	default:
		// Unknown frame types are skipped so older bridges tolerate
		// newer gateways.
		b.logger.Debug("skipping unknown frame type", slog.String("type", string(env.Type)))
	}
}

func (b *Bridge) handleChatEvent(ctx context.Context, env *protocol.Envelope) {
	var ce protocol.ChatEvent
	if err := env.Decode(&ce); err != nil {
		b.logger.Warn("bad chat event payload", slog.String("error", err.Error()))
		return
	}
	key := ce.Key()
	if key == "" {
		key = env.SessionID
	}
	if key == "" {
		b.logger.Warn("chat event without session identifier")
		return
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ev, err := b.store.Append(ctx, history.Event{
		SessionID: key,
		EventType: ce.EventType,
		Content:   ce.Content,
		Sender:    ce.Sender,
		Timestamp: ts,
	})
	if err != nil {
		b.logger.Error("appending history event",
			slog.String("session_id", key),
			slog.String("error", err.Error()),
		)
		return
	}
	b.registry.Touch(key, ts)
	if b.metrics != nil {
		b.metrics.HistoryEventsTotal.WithLabelValues(b.cfg.ID).Inc()
	}
	b.hub.Publish(Event{Kind: EventHistoryAppend, SessionID: key, Payload: ev})
}

func (b *Bridge) updateSessionGauge() {
	if b.metrics != nil {
		b.metrics.SessionsTracked.WithLabelValues(b.cfg.ID).Set(float64(b.registry.Count()))
	}
}

// SendMessage delivers operator content to a session and waits for the
// gateway's acknowledgement. The ack confirms delivery to the gateway,
// not that the agent processed the message.
func (b *Bridge) SendMessage(ctx context.Context, sessionID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return &ValidationError{Msg: "message content must not be empty"}
	}
	if !b.registry.Has(sessionID) {
		return fmt.Errorf("session %q: %w", sessionID, session.ErrSessionNotFound)
	}
	if !b.conn.IsConnected() {
		b.recordSend("failed")
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(protocol.MsgChatSend, protocol.ChatSendPayload{
		SessionID: sessionID,
		Content:   content,
	})
	if err != nil {
		return err
	}
	env.SessionID = sessionID

	reply, err := b.call(ctx, env)
	if err != nil {
		b.recordSend("failed")
		return err
	}

	var ack protocol.ChatAckPayload
	if err := reply.Decode(&ack); err != nil {
		b.recordSend("failed")
		return fmt.Errorf("decoding delivery ack: %w", err)
	}
	if !ack.Accepted {
		b.recordSend("rejected")
		reason := ack.Reason
		if reason == "" {
			reason = "gateway rejected message"
		}
		return errors.New(reason)
	}
	b.recordSend("delivered")
	return nil
}

func (b *Bridge) recordSend(status string) {
	if b.metrics != nil {
		b.metrics.MessagesSentTotal.WithLabelValues(b.cfg.ID, status).Inc()
	}
}

// Call sends a request frame and waits for the correlated response.
func (b *Bridge) Call(ctx context.Context, msgType protocol.MessageType, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return b.call(ctx, env)
}

func (b *Bridge) call(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	if !b.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	// Register before writing so a fast response cannot be missed.
	ch := b.waiter.register(env.ID)
	if err := b.conn.Write(ctx, env); err != nil {
		b.waiter.remove(env.ID)
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if reply.Type == protocol.MsgError {
			var ep protocol.ErrorPayload
			_ = reply.Decode(&ep)
			return nil, fmt.Errorf("gateway error %s: %s", ep.Code, ep.Message)
		}
		return reply, nil
	case <-ctx.Done():
		b.waiter.remove(env.ID)
		return nil, ctx.Err()
	}
}

// RefreshSessions requests an authoritative session snapshot and waits
// for it to be applied. The registry is reconciled by the read loop
// before the response resolves here.
func (b *Bridge) RefreshSessions(ctx context.Context) ([]protocol.SessionLifecycle, error) {
	reply, err := b.Call(ctx, protocol.MsgSessionsList, nil)
	if err != nil {
		return nil, err
	}
	var snap protocol.SessionsSnapshotPayload
	if err := reply.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding sessions snapshot: %w", err)
	}
	return snap.Sessions, nil
}

// ListAgents asks the gateway for its agent roster.
func (b *Bridge) ListAgents(ctx context.Context) (protocol.AgentsSnapshotPayload, error) {
	var agents protocol.AgentsSnapshotPayload
	reply, err := b.Call(ctx, protocol.MsgAgentsList, nil)
	if err != nil {
		return agents, err
	}
	if err := reply.Decode(&agents); err != nil {
		return agents, fmt.Errorf("decoding agents snapshot: %w", err)
	}
	return agents, nil
}

// GetFile fetches one agent-scoped file from the gateway workspace.
func (b *Bridge) GetFile(ctx context.Context, agentID, name string) (protocol.FileEntryPayload, error) {
	var entry protocol.FileEntryPayload
	reply, err := b.Call(ctx, protocol.MsgFileGet, protocol.FileGetPayload{AgentID: agentID, Name: name})
	if err != nil {
		return entry, err
	}
	if err := reply.Decode(&entry); err != nil {
		return entry, fmt.Errorf("decoding file entry: %w", err)
	}
	return entry, nil
}

// PushTemplates installs template content for one agent.
func (b *Bridge) PushTemplates(ctx context.Context, p protocol.TemplatePushPayload) error {
	_, err := b.Call(ctx, protocol.MsgTemplatePush, p)
	return err
}

// ResetSession asks the gateway to tear down and recreate a session.
func (b *Bridge) ResetSession(ctx context.Context, sessionID string) error {
	_, err := b.Call(ctx, protocol.MsgSessionReset, protocol.SessionResetPayload{SessionID: sessionID})
	return err
}

// ResetAgentSession resets the session owned by an agent.
func (b *Bridge) ResetAgentSession(ctx context.Context, agentID string) error {
	_, err := b.Call(ctx, protocol.MsgSessionReset, protocol.SessionResetPayload{AgentID: agentID})
	return err
}

// RotateToken installs a fresh auth token for an agent.
func (b *Bridge) RotateToken(ctx context.Context, agentID, token string) error {
	_, err := b.Call(ctx, protocol.MsgTokenRotate, protocol.TokenRotatePayload{AgentID: agentID, AuthToken: token})
	return err
}

// Bootstrap runs an agent through its bootstrap cycle.
func (b *Bridge) Bootstrap(ctx context.Context, agentID string, force bool) error {
	_, err := b.Call(ctx, protocol.MsgBootstrap, protocol.BootstrapPayload{AgentID: agentID, Force: force})
	return err
}

// Ping round-trips a liveness frame through the gateway.
func (b *Bridge) Ping(ctx context.Context) error {
	_, err := b.Call(ctx, protocol.MsgPing, nil)
	return err
}
