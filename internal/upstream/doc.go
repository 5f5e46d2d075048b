// Package upstream manages the WebSocket connection to the Gemini Live API.
// It dials the BidiGenerateContent endpoint with a bearer token, keeps the
// connection alive with periodic pings, and serializes all writes so the
// client pump, the drain path, and the keepalive loop never interleave frames.
package upstream
