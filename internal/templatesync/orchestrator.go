package templatesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/clawbridge/internal/config"
	"github.com/jkaninda/clawbridge/internal/observability"
	"github.com/jkaninda/clawbridge/internal/protocol"
)

// Gateway is the subset of bridge operations the orchestrator drives.
type Gateway interface {
	GatewayID() string
	ListAgents(ctx context.Context) (protocol.AgentsSnapshotPayload, error)
	GetFile(ctx context.Context, agentID, name string) (protocol.FileEntryPayload, error)
	PushTemplates(ctx context.Context, p protocol.TemplatePushPayload) error
	ResetAgentSession(ctx context.Context, agentID string) error
	RotateToken(ctx context.Context, agentID, token string) error
	Bootstrap(ctx context.Context, agentID string, force bool) error
}

// Options selects sync targets and side effects. Zero value: all agents,
// no main session, push only.
type Options struct {
	IncludeMain    bool   `json:"include_main"`
	LeadOnly       bool   `json:"lead_only"`
	ResetSessions  bool   `json:"reset_sessions"`
	RotateTokens   bool   `json:"rotate_tokens"`
	ForceBootstrap bool   `json:"force_bootstrap"`
	Overwrite      bool   `json:"overwrite"`
	BoardID        string `json:"board_id,omitempty"`
}

// AgentError records one per-agent failure or warning.
type AgentError struct {
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	BoardID   string `json:"board_id,omitempty"`
	Message   string `json:"message"`
}

// Result aggregates a sync run. Per-agent failures land in Errors; the
// run as a whole still succeeds. A sync is explicitly not atomic across
// agents: some may be updated while others fail.
type Result struct {
	GatewayID     string       `json:"gateway_id"`
	IncludeMain   bool         `json:"include_main"`
	ResetSessions bool         `json:"reset_sessions"`
	AgentsUpdated int          `json:"agents_updated"`
	AgentsSkipped int          `json:"agents_skipped"`
	MainUpdated   bool         `json:"main_updated"`
	Errors        []AgentError `json:"errors"`
}

// Orchestrator fans template pushes out over a gateway's agents with
// bounded concurrency.
type Orchestrator struct {
	gw           Gateway
	source       Source
	concurrency  int
	agentTimeout time.Duration
	metrics      *observability.MetricsCollector
	logger       *slog.Logger
}

// New creates an Orchestrator for one gateway.
func New(gw Gateway, source Source, cfg config.SyncConfig, metrics *observability.MetricsCollector, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gw:           gw,
		source:       source,
		concurrency:  cfg.WorkerConcurrency(),
		agentTimeout: cfg.PerAgentTimeout(),
		metrics:      metrics,
		logger:       logger.With(slog.String("gateway", gw.GatewayID())),
	}
}

// Sync pushes templates to the selected agents and, optionally, the main
// session. Only a total failure (the agent roster cannot be fetched)
// returns an error; everything narrower is an entry in Result.Errors.
func (o *Orchestrator) Sync(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{
		GatewayID:     o.gw.GatewayID(),
		IncludeMain:   opts.IncludeMain,
		ResetSessions: opts.ResetSessions,
		Errors:        []AgentError{},
	}

	roster, err := o.gw.ListAgents(ctx)
	if err != nil {
		o.recordRun("failed")
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	candidates, boardErr := selectCandidates(roster, opts)
	if boardErr != nil {
		result.Errors = append(result.Errors, *boardErr)
		o.recordRun("failed")
		return result, nil
	}

	o.logger.Info("template sync started",
		slog.Int("candidates", len(candidates)),
		slog.Bool("include_main", opts.IncludeMain),
		slog.Bool("rotate_tokens", opts.RotateTokens),
	)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan protocol.AgentInfo)
	)
	for i := 0; i < o.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for agent := range jobs {
				updated, errs := o.syncAgent(ctx, agent, opts)
				mu.Lock()
				if updated {
					result.AgentsUpdated++
				} else {
					result.AgentsSkipped++
				}
				result.Errors = append(result.Errors, errs...)
				mu.Unlock()
			}
		}()
	}
	enqueued := 0
feed:
	for _, agent := range candidates {
		select {
		case jobs <- agent:
			enqueued++
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// Candidates never handed to a worker count as skipped, so updated
	// plus skipped always covers the whole candidate set.
	result.AgentsSkipped += len(candidates) - enqueued

	if opts.IncludeMain {
		o.syncMain(ctx, roster, opts, result)
	}

	status := "success"
	if len(result.Errors) > 0 {
		status = "partial"
	}
	o.recordRun(status)
	o.logger.Info("template sync finished",
		slog.Int("updated", result.AgentsUpdated),
		slog.Int("skipped", result.AgentsSkipped),
		slog.Bool("main_updated", result.MainUpdated),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// selectCandidates filters the roster per Options, excluding the main
// agent from the fan-out (it is handled separately under include_main).
func selectCandidates(roster protocol.AgentsSnapshotPayload, opts Options) ([]protocol.AgentInfo, *AgentError) {
	var out []protocol.AgentInfo
	boardSeen := false
	for _, agent := range roster.Agents {
		if opts.BoardID != "" {
			if agent.BoardID != opts.BoardID {
				continue
			}
			boardSeen = true
		}
		if agent.ID == roster.DefaultID {
			// The default agent still marks its board as served; it is
			// only excluded from the fan-out itself.
			continue
		}
		if opts.LeadOnly && !agent.Lead {
			continue
		}
		out = append(out, agent)
	}
	if opts.BoardID != "" && !boardSeen {
		return nil, &AgentError{
			BoardID: opts.BoardID,
			Message: "Board does not belong to this gateway.",
		}
	}
	return out, nil
}

// syncAgent pushes one agent's template set. Returns whether the agent
// counts as updated plus any error or warning entries.
func (o *Orchestrator) syncAgent(ctx context.Context, agent protocol.AgentInfo, opts Options) (bool, []AgentError) {
	ctx, cancel := context.WithTimeout(ctx, o.agentTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.SyncAgentDuration.WithLabelValues(o.gw.GatewayID()).Observe(time.Since(start).Seconds())
		}
	}()

	fail := func(msg string) (bool, []AgentError) {
		return false, []AgentError{{AgentID: agent.ID, AgentName: agent.Name, BoardID: agent.BoardID, Message: msg}}
	}

	token := o.readAuthToken(ctx, agent.ID)
	switch {
	case opts.RotateTokens:
		token = newAuthToken()
		if err := o.gw.RotateToken(ctx, agent.ID, token); err != nil {
			return fail(fmt.Sprintf("Failed to install rotated token: %v", err))
		}
	case token == "":
		return fail("Skipping agent: unable to read AUTH_TOKEN from TOOLS.md (run with rotate_tokens=true to re-key).")
	}

	templates, err := o.source.Templates(agent, false)
	if err != nil {
		return fail(fmt.Sprintf("Failed to render templates: %v", err))
	}

	if err := o.gw.PushTemplates(ctx, protocol.TemplatePushPayload{
		AgentID:   agent.ID,
		Templates: templates,
		AuthToken: token,
		Overwrite: opts.Overwrite,
	}); err != nil {
		return fail(fmt.Sprintf("Failed to sync templates: %v", err))
	}

	// Post-push steps are warnings: the template push itself landed.
	var warnings []AgentError
	warn := func(msg string) {
		warnings = append(warnings, AgentError{AgentID: agent.ID, AgentName: agent.Name, BoardID: agent.BoardID, Message: msg})
	}
	if opts.ResetSessions {
		if err := o.gw.ResetAgentSession(ctx, agent.ID); err != nil {
			warn(fmt.Sprintf("Templates synced but session reset failed: %v", err))
		}
	}
	if opts.ForceBootstrap {
		if err := o.gw.Bootstrap(ctx, agent.ID, true); err != nil {
			warn(fmt.Sprintf("Templates synced but bootstrap failed: %v", err))
		}
	}
	return true, warnings
}

// syncMain handles the gateway's main session target. The main agent
// requires an existing AUTH_TOKEN; rotation never mints one for it.
func (o *Orchestrator) syncMain(ctx context.Context, roster protocol.AgentsSnapshotPayload, opts Options, result *Result) {
	mainID := roster.DefaultID
	if mainID == "" && len(roster.Agents) > 0 {
		mainID = roster.Agents[0].ID
	}
	if mainID == "" {
		result.Errors = append(result.Errors, AgentError{
			Message: "Unable to resolve gateway default agent id for main agent.",
		})
		return
	}

	var mainAgent protocol.AgentInfo
	for _, agent := range roster.Agents {
		if agent.ID == mainID {
			mainAgent = agent
			break
		}
	}
	if mainAgent.ID == "" {
		mainAgent = protocol.AgentInfo{ID: mainID}
	}

	ctx, cancel := context.WithTimeout(ctx, o.agentTimeout)
	defer cancel()

	token := o.readAuthToken(ctx, mainID)
	if token == "" {
		result.Errors = append(result.Errors, AgentError{
			AgentID: mainID,
			Message: "Skipping main agent: unable to read AUTH_TOKEN from TOOLS.md.",
		})
		return
	}

	templates, err := o.source.Templates(mainAgent, true)
	if err != nil {
		result.Errors = append(result.Errors, AgentError{
			AgentID: mainID,
			Message: fmt.Sprintf("Failed to render main agent templates: %v", err),
		})
		return
	}

	if err := o.gw.PushTemplates(ctx, protocol.TemplatePushPayload{
		AgentID:   mainID,
		Templates: templates,
		AuthToken: token,
		Overwrite: opts.Overwrite,
	}); err != nil {
		result.Errors = append(result.Errors, AgentError{
			AgentID: mainID,
			Message: fmt.Sprintf("Failed to sync main agent templates: %v", err),
		})
		return
	}

	if opts.ResetSessions {
		if err := o.gw.ResetAgentSession(ctx, mainID); err != nil {
			result.Errors = append(result.Errors, AgentError{
				AgentID: mainID,
				Message: fmt.Sprintf("Main templates synced but session reset failed: %v", err),
			})
		}
	}
	if opts.ForceBootstrap {
		if err := o.gw.Bootstrap(ctx, mainID, true); err != nil {
			result.Errors = append(result.Errors, AgentError{
				AgentID: mainID,
				Message: fmt.Sprintf("Main templates synced but bootstrap failed: %v", err),
			})
		}
	}
	result.MainUpdated = true
}

// readAuthToken fetches TOOLS.md for an agent and extracts AUTH_TOKEN.
// Any failure reads as "no token".
func (o *Orchestrator) readAuthToken(ctx context.Context, agentID string) string {
	entry, err := o.gw.GetFile(ctx, agentID, toolsFileName)
	if err != nil || !entry.Found {
		return ""
	}
	return authTokenFrom(entry.Content)
}

func (o *Orchestrator) recordRun(status string) {
	if o.metrics != nil {
		o.metrics.SyncRunsTotal.WithLabelValues(o.gw.GatewayID(), status).Inc()
	}
}
