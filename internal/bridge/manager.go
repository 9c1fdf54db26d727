package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/clawbridge/internal/config"
	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/observability"
)

// Manager owns the set of configured gateway bridges. Bridges are
// created up front from config; the set does not change at runtime.
type Manager struct {
	bridges map[string]*Bridge
	order   []string // Config order, for stable listings.
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// NewManager builds one Bridge per configured gateway. All bridges
// share the history store and metrics collector.
func NewManager(gateways []config.GatewayConfig, store history.Store, metrics *observability.MetricsCollector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		bridges: make(map[string]*Bridge, len(gateways)),
		logger:  logger,
	}
	for _, gw := range gateways {
		m.bridges[gw.ID] = New(gw, store, metrics, logger)
		m.order = append(m.order, gw.ID)
	}
	return m
}

// Get returns the bridge for a gateway ID.
func (m *Manager) Get(id string) (*Bridge, bool) {
	b, ok := m.bridges[id]
	return b, ok
}

// List returns all bridges in configuration order.
func (m *Manager) List() []*Bridge {
	out := make([]*Bridge, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.bridges[id])
	}
	return out
}

// Start launches every bridge's connection loop. A bridge that exhausts
// its reconnect budget logs the terminal error; the others keep running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, id := range m.order {
		b := m.bridges[id]
		m.done.Add(1)
		go func() {
			defer m.done.Done()
			if err := b.Run(runCtx); err != nil && runCtx.Err() == nil {
				m.logger.Error("bridge stopped",
					slog.String("gateway", b.GatewayID()),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// Stop closes all bridges and waits for their loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	for _, b := range m.bridges {
		b.Close()
	}
	m.done.Wait()
}

// RefreshAll fires a session snapshot request at every connected
// gateway. Used by the maintenance scheduler as a reconciliation
// fallback alongside push-based lifecycle frames.
func (m *Manager) RefreshAll(ctx context.Context) {
	for _, id := range m.order {
		b := m.bridges[id]
		if !b.IsConnected() {
			continue
		}
		refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := b.RefreshSessions(refreshCtx); err != nil {
			m.logger.Warn("session refresh failed",
				slog.String("gateway", id),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// HealthCheck returns a readiness probe for one gateway, suitable for
// the HealthChecker: fails while the bridge is disconnected.
func (m *Manager) HealthCheck(id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		b, ok := m.bridges[id]
		if !ok {
			return fmt.Errorf("unknown gateway %q", id)
		}
		if !b.IsConnected() {
			return ErrNotConnected
		}
		return nil
	}
}
