// Package gateway wires handoff-gateway's components into running servers.
//
// # Overview
//
// The Gateway owns the SQLite store, the login channel registry (memory or
// redis), the handoff service, Prometheus metrics, an HTTP server for the
// handoff API and a gRPC server carrying the standard health service.
//
// # HTTP API
//
//   - GET /v1/login/channel - open a login channel (anonymous, SSE)
//   - POST /v1/channels/{key}/authorize - grant a session to a channel (JWT)
//   - POST /v1/service-tokens - issue a single-use service token (JWT)
//   - POST /v1/service-tokens/redeem - redeem a service token (anonymous, rate limited)
//   - GET /v1/session - describe the bearer's session
//   - DELETE /v1/session - revoke the bearer's session
//   - GET /v1/audit - list audit events (owner or admin)
//   - GET /health, GET /health/ready, GET /metrics
//
// Errors are JSON objects with a closed code: {"error": "expired"}.
//
// # Login channel stream
//
// The first event carries the channel key the client shows as a QR code:
//
//	event: channel
//	data: {"channel_key": "...", "expires_at": "...", "resume_token": "..."}
//
// When a signed-in device authorizes the key the session follows and the
// stream ends:
//
//	event: session
//	data: {"session_token": "...", "expires_at": "...", "user": {...}}
//
// Idle streams get a ": heartbeat" comment every 15 seconds. A stream ending
// without a session sends "expired" or "shutdown". A client that lost its
// connection reconnects with ?resume=<channel_key>&resume_token=<token> and
// keeps the original expiry.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Canceling ctx drains open streams, stops both servers, closes the registry
// and finally the store. Run also drives the maintenance loop that deletes
// expired sessions and spent service tokens.
package gateway
