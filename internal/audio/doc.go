// Package audio provides the bounded buffer for client audio that arrives
// before the upstream handshake completes. The buffer is lossy by design:
// dropping early audio is preferable to stalling the client transport.
package audio
