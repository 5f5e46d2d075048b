// Package protocol defines the wire messages on both legs of the relay: the
// JSON control messages exchanged with the browser client on the text channel,
// and the Gemini Live BidiGenerateContent frames on the upstream WebSocket.
// Audio itself travels as raw binary frames on the client leg and as
// base64-encoded inline data inside text frames on the upstream leg.
package protocol
