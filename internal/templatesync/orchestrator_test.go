package templatesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/clawbridge/internal/config"
	"github.com/jkaninda/clawbridge/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway scripts the gateway operations the orchestrator drives.
type fakeGateway struct {
	mu sync.Mutex

	roster    protocol.AgentsSnapshotPayload
	rosterErr error

	// tools maps agent ID to TOOLS.md content; absent means not found.
	tools map[string]string

	// pushErr maps agent ID to a scripted push failure.
	pushErr map[string]error

	pushed  []protocol.TemplatePushPayload
	resets  []string
	rotated map[string]string
	boots   []string
}

func (f *fakeGateway) GatewayID() string { return "test" }

func (f *fakeGateway) ListAgents(ctx context.Context) (protocol.AgentsSnapshotPayload, error) {
	return f.roster, f.rosterErr
}

func (f *fakeGateway) GetFile(ctx context.Context, agentID, name string) (protocol.FileEntryPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.tools[agentID]
	return protocol.FileEntryPayload{AgentID: agentID, Name: name, Content: content, Found: ok}, nil
}

func (f *fakeGateway) PushTemplates(ctx context.Context, p protocol.TemplatePushPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pushErr[p.AgentID]; err != nil {
		return err
	}
	f.pushed = append(f.pushed, p)
	return nil
}

func (f *fakeGateway) ResetAgentSession(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, agentID)
	return nil
}

func (f *fakeGateway) RotateToken(ctx context.Context, agentID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rotated == nil {
		f.rotated = make(map[string]string)
	}
	f.rotated[agentID] = token
	return nil
}

func (f *fakeGateway) Bootstrap(ctx context.Context, agentID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boots = append(f.boots, agentID)
	return nil
}

func agentRoster(n int) protocol.AgentsSnapshotPayload {
	roster := protocol.AgentsSnapshotPayload{DefaultID: "main"}
	roster.Agents = append(roster.Agents, protocol.AgentInfo{ID: "main", Name: "Main"})
	for i := 1; i <= n; i++ {
		roster.Agents = append(roster.Agents, protocol.AgentInfo{
			ID:      fmt.Sprintf("agent-%d", i),
			Name:    fmt.Sprintf("Agent %d", i),
			BoardID: "board-1",
		})
	}
	return roster
}

func toolsWithToken(agents ...string) map[string]string {
	tools := make(map[string]string)
	for _, id := range agents {
		tools[id] = "# Tools\nAUTH_TOKEN=tok-" + id + "\n"
	}
	return tools
}

func newOrchestrator(gw Gateway, source Source) *Orchestrator {
	return New(gw, source, config.SyncConfig{Concurrency: 2}, nil, testLogger())
}

// --- Sync ---

func TestSync_AllAgentsUpdated(t *testing.T) {
	gw := &fakeGateway{
		roster: agentRoster(3),
		tools:  toolsWithToken("agent-1", "agent-2", "agent-3"),
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if result.AgentsUpdated != 3 {
		t.Errorf("updated = %d, want 3", result.AgentsUpdated)
	}
	if result.AgentsSkipped != 0 {
		t.Errorf("skipped = %d, want 0", result.AgentsSkipped)
	}
	if len(result.Errors) != 0 {
		t.Errorf("errors = %v, want none", result.Errors)
	}
	if result.MainUpdated {
		t.Error("main should not be updated without include_main")
	}
}

func TestSync_PartialFailureIsNotAnError(t *testing.T) {
	gw := &fakeGateway{
		roster:  agentRoster(5),
		tools:   toolsWithToken("agent-1", "agent-2", "agent-3", "agent-4", "agent-5"),
		pushErr: map[string]error{"agent-3": errors.New("gateway timeout")},
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if result.AgentsUpdated != 4 {
		t.Errorf("updated = %d, want 4", result.AgentsUpdated)
	}
	if result.AgentsSkipped != 1 {
		t.Errorf("skipped = %d, want 1", result.AgentsSkipped)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(result.Errors))
	}
	if result.Errors[0].AgentID != "agent-3" {
		t.Errorf("error agent = %q, want agent-3", result.Errors[0].AgentID)
	}
	if !strings.Contains(result.Errors[0].Message, "gateway timeout") {
		t.Errorf("error message = %q, want cause included", result.Errors[0].Message)
	}
}

func TestSync_MissingTokenSkipsWithoutRotate(t *testing.T) {
	gw := &fakeGateway{
		roster: agentRoster(2),
		tools:  toolsWithToken("agent-1"), // agent-2 has no TOOLS.md
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if result.AgentsUpdated != 1 {
		t.Errorf("updated = %d, want 1", result.AgentsUpdated)
	}
	if result.AgentsSkipped != 1 {
		t.Errorf("skipped = %d, want 1", result.AgentsSkipped)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0].Message, "rotate_tokens") {
		t.Errorf("errors = %v, want rotate_tokens hint", result.Errors)
	}
}

func TestSync_RotateTokensMintsAndInstalls(t *testing.T) {
	gw := &fakeGateway{
		roster: agentRoster(2),
		tools:  toolsWithToken("agent-1"), // agent-2 missing, rotation covers it
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{RotateTokens: true})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if result.AgentsUpdated != 2 {
		t.Errorf("updated = %d, want 2", result.AgentsUpdated)
	}
	if len(gw.rotated) != 2 {
		t.Fatalf("rotated = %d agents, want 2", len(gw.rotated))
	}
	// Pushed payloads carry the freshly minted token.
	for _, p := range gw.pushed {
		if p.AuthToken != gw.rotated[p.AgentID] {
			t.Errorf("agent %s pushed token %q, want rotated %q", p.AgentID, p.AuthToken, gw.rotated[p.AgentID])
		}
	}
}

func TestSync_IncludeMain(t *testing.T) {
	gw := &fakeGateway{
		roster: agentRoster(1),
		tools:  toolsWithToken("agent-1", "main"),
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{IncludeMain: true})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if !result.MainUpdated {
		t.Error("main_updated = false, want true")
	}
	if result.AgentsUpdated != 1 {
		t.Errorf("updated = %d, want 1 (main counted separately)", result.AgentsUpdated)
	}
}

func TestSync_MainMissingTokenIsError(t *testing.T) {
	gw := &fakeGateway{
		roster: agentRoster(1),
		tools:  toolsWithToken("agent-1"), // main has no TOOLS.md
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{IncludeMain: true})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if result.MainUpdated {
		t.Error("main_updated = true, want false")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0].Message, "main agent") {
		t.Errorf("errors = %v, want main agent error", result.Errors)
	}
}

func TestSync_UnknownBoard(t *testing.T) {
	gw := &fakeGateway{
		roster: agentRoster(2),
		tools:  toolsWithToken("agent-1", "agent-2"),
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{BoardID: "board-ghost"})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if result.AgentsUpdated != 0 || result.AgentsSkipped != 0 {
		t.Errorf("no work expected, got updated=%d skipped=%d", result.AgentsUpdated, result.AgentsSkipped)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0].Message, "Board does not belong") {
		t.Errorf("errors = %v, want unknown board error", result.Errors)
	}
}

func TestSync_BoardServedOnlyByDefaultAgent(t *testing.T) {
	roster := protocol.AgentsSnapshotPayload{
		DefaultID: "main",
		Agents: []protocol.AgentInfo{
			{ID: "main", Name: "Main", BoardID: "board-9"},
			{ID: "agent-1", Name: "Agent 1", BoardID: "board-1"},
		},
	}
	gw := &fakeGateway{roster: roster, tools: toolsWithToken("agent-1")}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{BoardID: "board-9"})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	// The default agent proves the board is served even though only
	// include_main would actually push to it.
	if len(result.Errors) != 0 {
		t.Errorf("errors = %v, want none", result.Errors)
	}
	if result.AgentsUpdated != 0 || result.AgentsSkipped != 0 {
		t.Errorf("no fan-out expected, got updated=%d skipped=%d", result.AgentsUpdated, result.AgentsSkipped)
	}
}

func TestSync_CancelledContextTotalsAddUp(t *testing.T) {
	gw := &fakeGateway{
		roster: agentRoster(4),
		tools:  toolsWithToken("agent-1", "agent-2", "agent-3", "agent-4"),
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if got := result.AgentsUpdated + result.AgentsSkipped; got != 4 {
		t.Errorf("updated+skipped = %d, want 4 (updated=%d skipped=%d)",
			got, result.AgentsUpdated, result.AgentsSkipped)
	}
}

func TestSync_LeadOnlyFilter(t *testing.T) {
	roster := protocol.AgentsSnapshotPayload{
		DefaultID: "main",
		Agents: []protocol.AgentInfo{
			{ID: "main"},
			{ID: "lead-1", Lead: true},
			{ID: "worker-1"},
			{ID: "worker-2"},
		},
	}
	gw := &fakeGateway{roster: roster, tools: toolsWithToken("lead-1", "worker-1", "worker-2")}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{LeadOnly: true})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if result.AgentsUpdated != 1 {
		t.Errorf("updated = %d, want 1", result.AgentsUpdated)
	}
	if len(gw.pushed) != 1 || gw.pushed[0].AgentID != "lead-1" {
		t.Errorf("pushed = %+v, want only lead-1", gw.pushed)
	}
}

func TestSync_ResetAndBootstrap(t *testing.T) {
	gw := &fakeGateway{
		roster: agentRoster(1),
		tools:  toolsWithToken("agent-1"),
	}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	result, err := o.Sync(context.Background(), Options{ResetSessions: true, ForceBootstrap: true})
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if result.AgentsUpdated != 1 {
		t.Errorf("updated = %d, want 1", result.AgentsUpdated)
	}
	if len(gw.resets) != 1 || gw.resets[0] != "agent-1" {
		t.Errorf("resets = %v, want [agent-1]", gw.resets)
	}
	if len(gw.boots) != 1 || gw.boots[0] != "agent-1" {
		t.Errorf("boots = %v, want [agent-1]", gw.boots)
	}
}

func TestSync_RosterFailure(t *testing.T) {
	gw := &fakeGateway{rosterErr: errors.New("not connected")}
	o := newOrchestrator(gw, StaticSource{"AGENTS.md": "rules"})

	if _, err := o.Sync(context.Background(), Options{}); err == nil {
		t.Fatal("expected error when the roster cannot be fetched")
	}
}

// --- TOOLS.md parsing ---

func TestParseToolsFile(t *testing.T) {
	content := strings.Join([]string{
		"# Agent tools",
		"",
		"AUTH_TOKEN=abc123",
		"GATEWAY_URL=wss://gw.local:443",
		"not a kv line",
		"lower_case=ignored",
		"  SPACED_VALUE=  padded  ",
	}, "\n")

	values := parseToolsFile(content)
	if values["AUTH_TOKEN"] != "abc123" {
		t.Errorf("AUTH_TOKEN = %q, want abc123", values["AUTH_TOKEN"])
	}
	if values["SPACED_VALUE"] != "padded" {
		t.Errorf("SPACED_VALUE = %q, want trimmed", values["SPACED_VALUE"])
	}
	if _, ok := values["lower_case"]; ok {
		t.Error("lowercase keys should be ignored")
	}
}

func TestAuthTokenFrom_Missing(t *testing.T) {
	if tok := authTokenFrom("# nothing here\n"); tok != "" {
		t.Errorf("token = %q, want empty", tok)
	}
	if tok := authTokenFrom("AUTH_TOKEN=\n"); tok != "" {
		t.Errorf("blank token = %q, want empty", tok)
	}
}

// --- DirSource ---

func TestDirSource_RendersPlaceholders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "AGENTS.md", "You are {{AGENT_NAME}} ({{AGENT_ID}}) on board {{BOARD_ID}}.")
	writeFile(t, dir, "notes.txt", "not a template")
	writeFile(t, dir, "TOOLS.md", "GATEWAY=ws://gw:18789")

	src := NewDirSource(dir, testLogger())
	got, err := src.Templates(protocol.AgentInfo{ID: "a1", Name: "Scout", BoardID: "b9"}, false)
	if err != nil {
		t.Fatalf("Templates error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("templates = %d, want 2 markdown files", len(got))
	}
	want := "You are Scout (a1) on board b9."
	if got["AGENTS.md"] != want {
		t.Errorf("AGENTS.md = %q, want %q", got["AGENTS.md"], want)
	}
}

func TestDirSource_MissingDir(t *testing.T) {
	src := NewDirSource(filepath.Join(t.TempDir(), "missing"), testLogger())
	if _, err := src.Templates(protocol.AgentInfo{ID: "a1"}, false); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}
