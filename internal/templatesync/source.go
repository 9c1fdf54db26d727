// Package templatesync pushes workspace template files to the agents of
// one gateway, with per-agent isolation: a failing agent yields an error
// entry in the result while the rest proceed.
package templatesync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/clawbridge/internal/protocol"
)

// Source renders the template file set for one sync target.
type Source interface {
	// Templates returns file name → rendered content for the given
	// agent. main is true for the gateway's main session target.
	Templates(agent protocol.AgentInfo, main bool) (map[string]string, error)
}

// DirSource renders templates from a directory of Markdown files.
// Every *.md file in the directory is pushed; occurrences of
// {{AGENT_ID}}, {{AGENT_NAME}} and {{BOARD_ID}} in the content are
// substituted per agent. Subdirectories and non-Markdown files are
// skipped.
type DirSource struct {
	dir    string
	logger *slog.Logger
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string, logger *slog.Logger) *DirSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSource{dir: dir, logger: logger}
}

// Templates implements Source. Returns an error only if the directory
// itself cannot be read; unreadable individual files fail the whole
// render since a partial template set would desync the agent.
func (s *DirSource) Templates(agent protocol.AgentInfo, main bool) (map[string]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading template directory %s: %w", s.dir, err)
	}

	replacer := strings.NewReplacer(
		"{{AGENT_ID}}", agent.ID,
		"{{AGENT_NAME}}", agent.Name,
		"{{BOARD_ID}}", agent.BoardID,
	)

	out := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading template %s: %w", path, err)
		}
		out[entry.Name()] = replacer.Replace(string(data))
	}

	if len(out) == 0 {
		s.logger.Warn("template directory contains no markdown files", slog.String("dir", s.dir))
	}
	return out, nil
}

// StaticSource serves a fixed template set, used by tests and callers
// that assemble content programmatically.
type StaticSource map[string]string

// Templates implements Source.
func (s StaticSource) Templates(agent protocol.AgentInfo, main bool) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for name, content := range s {
		out[name] = content
	}
	return out, nil
}
