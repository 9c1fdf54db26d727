package config

import "testing"

func TestValidateGatewayURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"local with port", "ws://localhost:18789", ""},
		{"tls with port", "wss://host:443", ""},
		{"missing port", "wss://host", MsgURLNeedsPort},
		{"http scheme", "http://host:8080", MsgURLScheme},
		{"https scheme", "https://host:8443", MsgURLScheme},
		{"empty", "", MsgURLRequired},
		{"whitespace only", "   ", MsgURLRequired},
		{"not a url", "not-a-url", MsgURLInvalid},
		{"surrounding whitespace ok", "  ws://localhost:18789  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateGatewayURL(tt.url); got != tt.want {
				t.Fatalf("ValidateGatewayURL(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestValidateGatewayURL_ExactMessages(t *testing.T) {
	// These strings surface verbatim in the operator UI.
	if MsgURLRequired != "Gateway URL is required." {
		t.Fatal("required message drifted")
	}
	if MsgURLInvalid != "Enter a valid gateway URL including port." {
		t.Fatal("invalid message drifted")
	}
	if MsgURLScheme != "Gateway URL must start with ws:// or wss://." {
		t.Fatal("scheme message drifted")
	}
	if MsgURLNeedsPort != "Gateway URL must include an explicit port." {
		t.Fatal("port message drifted")
	}
}
