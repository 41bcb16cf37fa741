// Package api implements the HTTP REST API and WebSocket push channel for
// the fleetbeat device registry.
//
// This package provides:
//   - Device registration, listing, lookup and deletion
//   - The heartbeat endpoint device agents call with their issued token
//   - A WebSocket channel streaming registry events to dashboards
//   - Health and metrics endpoints
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// Every route is mounted at the root and again under /api/v1.
//
// # Security
//
// Heartbeats always authenticate with the device token. Management routes
// can additionally require an operator JWT (security.operators). Browsers
// exchange that token for a single-use ticket at POST /auth/ws-ticket and
// pass it as ?ticket= on the WebSocket URL.
//
// # Latency
//
// Registry writes run on a context detached from the request, so a client
// that disconnects mid-request never leaves a half-written record. Slow
// requests are completed and logged as "request exceeded latency target".
package api
