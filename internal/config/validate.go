package config

import (
	"net/url"
	"strings"
)

// Operator-facing validation messages for gateway URLs. These strings are
// rendered verbatim in API responses and must stay stable.
const (
	MsgURLRequired  = "Gateway URL is required."
	MsgURLInvalid   = "Enter a valid gateway URL including port."
	MsgURLScheme    = "Gateway URL must start with ws:// or wss://."
	MsgURLNeedsPort = "Gateway URL must include an explicit port."
)

// ValidateGatewayURL checks an operator-entered gateway endpoint and
// returns an empty string when valid, or one of the Msg* messages.
//
// A bare wss://host without a port is rejected: gateways never listen on
// the scheme default, and an implicit 443 has historically pointed
// operators at the wrong process.
func ValidateGatewayURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MsgURLRequired
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return MsgURLInvalid
	}
	if u.Scheme == "" || u.Host == "" {
		// No scheme or host at all: not a URL, not just a wrong scheme.
		return MsgURLInvalid
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return MsgURLScheme
	}
	if u.Port() == "" {
		return MsgURLNeedsPort
	}
	return ""
}
