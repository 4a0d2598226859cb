// Package api provides the HTTP API of the handshake service.
package api

// API versioning refers to capability levels, not URL prefixes. The
// api_version field in /status tells pages which features are available.
const (
	// APIVersion1 is the original API version.
	APIVersion1 = 1

	// CurrentAPIVersion is the highest API version supported by this server.
	CurrentAPIVersion = APIVersion1
)

// APICapabilities describes the features available at each API version.
var APICapabilities = map[int][]string{
	APIVersion1: {
		"login",
		"claim",
		"qr",
		"window-bridge", // popup and tab delivery over the page WebSocket
		"token-callback",
	},
}

// StatusResponse is the response from the /status endpoint.
type StatusResponse struct {
	Status       string   `json:"status"`
	Service      string   `json:"service"`
	APIVersion   int      `json:"api_version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Handshakes   int      `json:"handshakes"`
}
