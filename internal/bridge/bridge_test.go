package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/clawbridge/internal/config"
	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/protocol"
	"github.com/jkaninda/clawbridge/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway runs a scripted gateway over a real WebSocket. The frame
// handler receives every inbound envelope and may write replies.
type fakeGateway struct {
	srv *httptest.Server
	url string

	// onFrame handles one inbound envelope. Return frames to send back.
	onFrame func(env *protocol.Envelope) []*protocol.Envelope

	// onConnect frames are pushed after the first request/response
	// exchange, so the priming snapshot cannot reconcile them away.
	onConnect []*protocol.Envelope

	// dropAfter, when set, kills the connection after the given frame
	// has been handled and its replies written.
	dropAfter func(env *protocol.Envelope) bool
}

func newFakeGateway(t *testing.T, fg *fakeGateway) *fakeGateway {
	t.Helper()
	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{protocol.Subprotocol},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		first := true
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if fg.onFrame != nil {
				for _, reply := range fg.onFrame(&env) {
					writeEnv(ctx, conn, reply)
				}
			}
			if first {
				first = false
				for _, e := range fg.onConnect {
					writeEnv(ctx, conn, e)
				}
			}
			if fg.dropAfter != nil && fg.dropAfter(&env) {
				_ = conn.Close(websocket.StatusGoingAway, "scripted drop")
				return
			}
		}
	}))
	t.Cleanup(fg.srv.Close)
	fg.url = "ws" + strings.TrimPrefix(fg.srv.URL, "http")
	return fg
}

func writeEnv(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func mustEnvelope(t *testing.T, msgType protocol.MessageType, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	return env
}

// reply builds a response frame correlated to the request's ID.
func reply(t *testing.T, req *protocol.Envelope, msgType protocol.MessageType, payload any) *protocol.Envelope {
	t.Helper()
	env := mustEnvelope(t, msgType, payload)
	env.ID = req.ID
	return env
}

// emptySnapshotHandler answers the snapshot request Run fires on connect.
func emptySnapshotHandler(t *testing.T) func(env *protocol.Envelope) []*protocol.Envelope {
	return func(env *protocol.Envelope) []*protocol.Envelope {
		if env.Type == protocol.MsgSessionsList {
			return []*protocol.Envelope{reply(t, env, protocol.MsgSessionsSnapshot, protocol.SessionsSnapshotPayload{})}
		}
		return nil
	}
}

func startBridge(t *testing.T, fg *fakeGateway) *Bridge {
	t.Helper()
	b := New(config.GatewayConfig{
		ID:  "test",
		URL: fg.url,
	}, history.NewMemoryStore(0), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()
	t.Cleanup(b.Close)

	waitFor(t, time.Second, b.IsConnected)
	return b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// --- Connection ---

func TestRun_ConnectsAndPrimesRegistry(t *testing.T) {
	fg := newFakeGateway(t, &fakeGateway{
		onFrame: func(env *protocol.Envelope) []*protocol.Envelope {
			if env.Type == protocol.MsgSessionsList {
				return []*protocol.Envelope{reply(t, env, protocol.MsgSessionsSnapshot, protocol.SessionsSnapshotPayload{
					Sessions: []protocol.SessionLifecycle{
						{SessionRef: protocol.SessionRef{SessionID: "main-1"}, Role: "main"},
						{SessionRef: protocol.SessionRef{SessionID: "agent-1"}, Role: "agent"},
					},
				})}
			}
			return nil
		},
	})

	b := startBridge(t, fg)
	waitFor(t, time.Second, func() bool { return b.Registry().Count() == 2 })
}

func TestRun_MaxReconnectsExhausted(t *testing.T) {
	b := New(config.GatewayConfig{
		ID:                 "down",
		URL:                "ws://127.0.0.1:1/ws", // Nothing listens here.
		ReconnectIntervalS: 0,
		MaxReconnects:      2,
	}, history.NewMemoryStore(0), nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := b.Run(ctx)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v, want ConnectionError", err)
	}
	if connErr.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", connErr.Attempts)
	}
}

func TestRun_ReconnectsAfterTransportDrop(t *testing.T) {
	var (
		conns     atomic.Int32
		droppedAt atomic.Int64
		redialAt  atomic.Int64
	)
	fg := newFakeGateway(t, &fakeGateway{
		onFrame: func(env *protocol.Envelope) []*protocol.Envelope {
			if env.Type != protocol.MsgSessionsList {
				return nil
			}
			n := conns.Add(1)
			if n == 2 {
				redialAt.Store(time.Now().UnixNano())
			}
			snapshot := reply(t, env, protocol.MsgSessionsSnapshot, protocol.SessionsSnapshotPayload{
				Sessions: []protocol.SessionLifecycle{
					{SessionRef: protocol.SessionRef{SessionID: "sess-1"}, Role: "main"},
				},
			})
			chat := mustEnvelope(t, protocol.MsgChatEvent, protocol.ChatEvent{
				SessionRef: protocol.SessionRef{SessionID: "sess-1"},
				EventType:  "message",
				Content:    json.RawMessage(fmt.Sprintf(`{"text":"event-%d"}`, n)),
				Sender:     "agent",
			})
			return []*protocol.Envelope{snapshot, chat}
		},
		dropAfter: func(env *protocol.Envelope) bool {
			if env.Type == protocol.MsgSessionsList && conns.Load() == 1 {
				droppedAt.Store(time.Now().UnixNano())
				return true
			}
			return false
		},
	})

	// Not startBridge: the first connection drops almost immediately, so
	// waiting for IsConnected here would race the scripted drop.
	b := New(config.GatewayConfig{ID: "test", URL: fg.url}, history.NewMemoryStore(0), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()
	t.Cleanup(b.Close)

	waitFor(t, 5*time.Second, func() bool { return conns.Load() >= 2 && b.IsConnected() })

	// The redial after a transport drop waits out the backoff instead of
	// hammering the gateway at zero delay.
	if delay := time.Duration(redialAt.Load() - droppedAt.Load()); delay < 900*time.Millisecond {
		t.Errorf("redial after %v, want at least the 1s backoff base", delay)
	}

	// Each connection delivered its event exactly once; the redial must
	// not duplicate what the first connection already stored.
	waitFor(t, time.Second, func() bool {
		events, err := b.History().List(context.Background(), "sess-1")
		return err == nil && len(events) == 2
	})
	events, err := b.History().List(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	for i, want := range []string{`{"text":"event-1"}`, `{"text":"event-2"}`} {
		if events[i].Seq != uint64(i+1) {
			t.Errorf("event %d: seq = %d, want %d", i, events[i].Seq, i+1)
		}
		if string(events[i].Content) != want {
			t.Errorf("event %d: content = %s, want %s", i, events[i].Content, want)
		}
	}

	if !b.Registry().Has("sess-1") {
		t.Error("session lost across reconnect")
	}
}

// --- Lifecycle frames ---

func TestHandle_SessionLifecycle(t *testing.T) {
	created := mustEnvelope(t, protocol.MsgSessionCreated, protocol.SessionLifecycle{
		SessionRef: protocol.SessionRef{SessionID: "sess-1"},
		Role:       "main",
		Status:     "active",
	})
	fg := newFakeGateway(t, &fakeGateway{
		onConnect: []*protocol.Envelope{created},
		onFrame:   emptySnapshotHandler(t),
	})

	b := startBridge(t, fg)
	waitFor(t, time.Second, func() bool { return b.Registry().Has("sess-1") })

	main, _ := b.Registry().List()
	if main == nil || main.ID != "sess-1" {
		t.Fatalf("main session = %+v, want sess-1", main)
	}

	// A zero-event session lists as empty, not unknown.
	events, err := b.History().List(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestHandle_LegacyIDKey(t *testing.T) {
	created := mustEnvelope(t, protocol.MsgSessionCreated, protocol.SessionLifecycle{
		SessionRef: protocol.SessionRef{LegacyID: "legacy-7"},
		Role:       "agent",
	})
	fg := newFakeGateway(t, &fakeGateway{
		onConnect: []*protocol.Envelope{created},
		onFrame:   emptySnapshotHandler(t),
	})

	b := startBridge(t, fg)
	waitFor(t, time.Second, func() bool { return b.Registry().Has("legacy-7") })
}

func TestHandle_ChatEventAppendsHistory(t *testing.T) {
	created := mustEnvelope(t, protocol.MsgSessionCreated, protocol.SessionLifecycle{
		SessionRef: protocol.SessionRef{SessionID: "sess-1"},
		Role:       "main",
	})
	chat := mustEnvelope(t, protocol.MsgChatEvent, protocol.ChatEvent{
		SessionRef: protocol.SessionRef{SessionID: "sess-1"},
		EventType:  "message",
		Content:    json.RawMessage(`{"text":"hello"}`),
		Sender:     "agent",
	})
	fg := newFakeGateway(t, &fakeGateway{
		onConnect: []*protocol.Envelope{created, chat},
		onFrame:   emptySnapshotHandler(t),
	})

	b := startBridge(t, fg)
	waitFor(t, time.Second, func() bool {
		events, err := b.History().List(context.Background(), "sess-1")
		return err == nil && len(events) == 1
	})

	events, err := b.History().List(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if events[0].Seq != 1 {
		t.Errorf("seq = %d, want 1", events[0].Seq)
	}
	if events[0].EventType != "message" {
		t.Errorf("event type = %q, want message", events[0].EventType)
	}
}

// --- SendMessage ---

func TestSendMessage_DeliveredAck(t *testing.T) {
	created := mustEnvelope(t, protocol.MsgSessionCreated, protocol.SessionLifecycle{
		SessionRef: protocol.SessionRef{SessionID: "sess-1"},
	})
	fg := newFakeGateway(t, &fakeGateway{
		onConnect: []*protocol.Envelope{created},
		onFrame: func(env *protocol.Envelope) []*protocol.Envelope {
			switch env.Type {
			case protocol.MsgSessionsList:
				return []*protocol.Envelope{reply(t, env, protocol.MsgSessionsSnapshot, protocol.SessionsSnapshotPayload{
					Sessions: []protocol.SessionLifecycle{{SessionRef: protocol.SessionRef{SessionID: "sess-1"}}},
				})}
			case protocol.MsgChatSend:
				var p protocol.ChatSendPayload
				if err := env.Decode(&p); err != nil || p.Content != "hello" {
					return []*protocol.Envelope{reply(t, env, protocol.MsgChatAck, protocol.ChatAckPayload{Accepted: false, Reason: "bad payload"})}
				}
				return []*protocol.Envelope{reply(t, env, protocol.MsgChatAck, protocol.ChatAckPayload{MessageID: env.ID, Accepted: true})}
			}
			return nil
		},
	})

	b := startBridge(t, fg)
	waitFor(t, time.Second, func() bool { return b.Registry().Has("sess-1") })

	// Content is trimmed before delivery.
	if err := b.SendMessage(context.Background(), "sess-1", "  hello  "); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
}

func TestSendMessage_EmptyContent(t *testing.T) {
	fg := newFakeGateway(t, &fakeGateway{onFrame: emptySnapshotHandler(t)})
	b := startBridge(t, fg)

	err := b.SendMessage(context.Background(), "sess-1", "   ")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestSendMessage_UnknownSession(t *testing.T) {
	fg := newFakeGateway(t, &fakeGateway{onFrame: emptySnapshotHandler(t)})
	b := startBridge(t, fg)

	err := b.SendMessage(context.Background(), "nope", "hello")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestSendMessage_RejectedAck(t *testing.T) {
	created := mustEnvelope(t, protocol.MsgSessionCreated, protocol.SessionLifecycle{
		SessionRef: protocol.SessionRef{SessionID: "sess-1"},
	})
	fg := newFakeGateway(t, &fakeGateway{
		onConnect: []*protocol.Envelope{created},
		onFrame: func(env *protocol.Envelope) []*protocol.Envelope {
			switch env.Type {
			case protocol.MsgSessionsList:
				return []*protocol.Envelope{reply(t, env, protocol.MsgSessionsSnapshot, protocol.SessionsSnapshotPayload{})}
			case protocol.MsgChatSend:
				return []*protocol.Envelope{reply(t, env, protocol.MsgChatAck, protocol.ChatAckPayload{Accepted: false, Reason: "session busy"})}
			}
			return nil
		},
	})

	b := startBridge(t, fg)
	waitFor(t, time.Second, func() bool { return b.Registry().Has("sess-1") })

	err := b.SendMessage(context.Background(), "sess-1", "hello")
	if err == nil || err.Error() != "session busy" {
		t.Fatalf("error = %v, want session busy", err)
	}
}

// --- Request/response ---

func TestListAgents(t *testing.T) {
	fg := newFakeGateway(t, &fakeGateway{
		onFrame: func(env *protocol.Envelope) []*protocol.Envelope {
			switch env.Type {
			case protocol.MsgSessionsList:
				return []*protocol.Envelope{reply(t, env, protocol.MsgSessionsSnapshot, protocol.SessionsSnapshotPayload{})}
			case protocol.MsgAgentsList:
				return []*protocol.Envelope{reply(t, env, protocol.MsgAgentsSnapshot, protocol.AgentsSnapshotPayload{
					DefaultID: "lead",
					Agents: []protocol.AgentInfo{
						{ID: "lead", Name: "Lead", Lead: true},
						{ID: "worker", Name: "Worker"},
					},
				})}
			}
			return nil
		},
	})

	b := startBridge(t, fg)
	agents, err := b.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents error: %v", err)
	}
	if agents.DefaultID != "lead" {
		t.Errorf("default id = %q, want lead", agents.DefaultID)
	}
	if len(agents.Agents) != 2 {
		t.Errorf("agents = %d, want 2", len(agents.Agents))
	}
}

func TestCall_GatewayError(t *testing.T) {
	fg := newFakeGateway(t, &fakeGateway{
		onFrame: func(env *protocol.Envelope) []*protocol.Envelope {
			switch env.Type {
			case protocol.MsgSessionsList:
				return []*protocol.Envelope{reply(t, env, protocol.MsgSessionsSnapshot, protocol.SessionsSnapshotPayload{})}
			case protocol.MsgFileGet:
				return []*protocol.Envelope{reply(t, env, protocol.MsgError, protocol.ErrorPayload{Code: "not_found", Message: "no such agent"})}
			}
			return nil
		},
	})

	b := startBridge(t, fg)
	_, err := b.GetFile(context.Background(), "ghost", "TOOLS.md")
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Fatalf("error = %v, want gateway not_found error", err)
	}
}

func TestCall_TimeoutCleansWaiter(t *testing.T) {
	fg := newFakeGateway(t, &fakeGateway{onFrame: emptySnapshotHandler(t)})
	b := startBridge(t, fg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Call(ctx, protocol.MsgPing, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

// --- Backoff ---

func TestBackoff_ExponentialWithCap(t *testing.T) {
	c := NewConn(ConnConfig{ReconnectInterval: time.Second})

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := c.backoff(attempt)
		base := time.Duration(float64(time.Second) * float64(int(1)<<(attempt-1)))
		if d < base {
			t.Errorf("attempt %d: backoff %v below base %v", attempt, d, base)
		}
		if d > base+base/4 {
			t.Errorf("attempt %d: backoff %v exceeds base plus jitter %v", attempt, d, base+base/4)
		}
		if d < prev/2 {
			t.Errorf("attempt %d: backoff %v regressed from %v", attempt, d, prev)
		}
		prev = d
	}

	// Deep attempts stay at the cap (plus jitter). Doubling must not
	// overflow into a negative delay for long outages.
	for _, attempt := range []int{20, 35, 64, 1000} {
		d := c.backoff(attempt)
		if d < maxBackoff || d > maxBackoff+maxBackoff/4 {
			t.Errorf("backoff(%d) = %v, want within [%v, %v]", attempt, d, maxBackoff, maxBackoff+maxBackoff/4)
		}
	}
}

// --- Hub ---

func TestHub_SubscribeAndCancel(t *testing.T) {
	h := newHub()
	ch, cancel := h.Subscribe()

	h.Publish(Event{Kind: EventSessionChanged, SessionID: "s1"})
	select {
	case ev := <-ch:
		if ev.SessionID != "s1" {
			t.Errorf("session id = %q, want s1", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}
