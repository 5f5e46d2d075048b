// Package server provides the gateway's inbound HTTP surface: the /ws
// WebSocket endpoint that clients stream audio over, plus monitoring
// endpoints for health, active sessions, configuration, and Prometheus
// metrics.
package server
