// Package auth acquires and caches the OAuth2 bearer token for the Gemini
// Live WebSocket. The token source is constructed once at process start and
// shared by every session; refreshes are single-flight and tokens are reused
// until close to expiry.
package auth
