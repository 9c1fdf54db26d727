package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/clawbridge/internal/protocol"
)

const maxBackoff = 60 * time.Second

// ConnConfig configures one gateway connection.
type ConnConfig struct {
	GatewayID string
	URL       string // ws:// or wss:// with an explicit port.
	Token     string // Optional bearer credential.

	// AllowSelfSigned relaxes certificate validation for this dial only.
	// The relaxed tls.Config lives on a dedicated http.Client scoped to
	// this Conn, so unrelated connections keep full verification.
	AllowSelfSigned bool

	ReconnectInterval time.Duration // Backoff base. Default: 1s.
	MaxReconnects     int           // Attempts per outage. 0 = unbounded.
}

// Conn owns the WebSocket transport to one gateway.
type Conn struct {
	cfg ConnConfig

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
}

// NewConn creates an unconnected transport.
func NewConn(cfg ConnConfig) *Conn {
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = time.Second
	}
	return &Conn{cfg: cfg}
}

// Connect dials the gateway once. Reconnect policy is the caller's loop;
// see Bridge.Run.
func (c *Conn) Connect(ctx context.Context) error {
	opts := &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}
	if c.cfg.AllowSelfSigned {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				// Scoped to this gateway's dial. The operator flagged the
				// endpoint explicitly; do not use for internet-exposed
				// gateways.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	ws, _, err := websocket.Dial(ctx, c.cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("dialing gateway %s: %w", c.cfg.GatewayID, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether a live transport exists.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Read blocks for the next frame. Errors indicate the transport dropped.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil, ErrNotConnected
	}
	_, data, err := ws.Read(ctx)
	return data, err
}

// Write sends one envelope. Safe for concurrent callers; outbound writes
// never block the read loop.
func (c *Conn) Write(ctx context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Disconnect closes the transport deliberately; no reconnect follows.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "bridge shutting down")
	}
}

// markDown flags the transport dead after a read error, keeping the
// handle for Close.
func (c *Conn) markDown() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusAbnormalClosure, "transport error")
	}
}

// backoff returns the delay before reconnect attempt n (1-based):
// exponential from the configured base, capped at 60s, with up to 25%
// jitter so a fleet of bridges does not reconnect in lockstep.
// Doubling stops at the cap, so large attempt counts cannot overflow
// the duration.
func (c *Conn) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectInterval
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
