package templatesync

import (
	"encoding/hex"
	"regexp"
	"strings"

	"crypto/rand"
)

// toolsFileName is the agent workspace file carrying KEY=value settings,
// including the agent's AUTH_TOKEN.
const toolsFileName = "TOOLS.md"

var toolsKVRe = regexp.MustCompile(`^([A-Z0-9_]+)=(.*)$`)

// parseToolsFile extracts KEY=value pairs from TOOLS.md content.
// Blank lines, comments and prose lines are ignored; later duplicates
// win.
func parseToolsFile(content string) map[string]string {
	values := make(map[string]string)
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := toolsKVRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		values[m[1]] = strings.TrimSpace(m[2])
	}
	return values
}

// authTokenFrom returns the AUTH_TOKEN value from TOOLS.md content, or
// "" when absent or blank.
func authTokenFrom(content string) string {
	return parseToolsFile(content)["AUTH_TOKEN"]
}

// newAuthToken mints a random agent credential.
func newAuthToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
