// Package relay implements the bidirectional audio relay between a browser
// WebSocket client and the Gemini Live API. Each client connection becomes a
// session with its own upstream connection and two pump goroutines: one
// forwarding client audio and commands upstream, one translating upstream
// messages into client audio frames and control events.
package relay
