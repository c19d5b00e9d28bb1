// Package http serves the gateway's REST API.
//
// Routing is a plain net/http mux behind a middleware chain; handlers
// translate between the wire shapes below and the inbound gateway port.
//
// # Endpoints
//
//	POST /api/v1/invoke          run one capability call through governance
//	POST /api/v1/invoke/stream   streaming invocation, response is SSE
//	GET  /api/v1/resources       registered resources
//	GET  /api/v1/capabilities    capabilities (?resource_id= filters)
//	POST /api/v1/mfa/verify      satisfy a pending challenge
//	GET  /api/v1/events          audit event stream (SSE, Last-Event-ID resume)
//	GET  /health                 component health
//	GET  /metrics                Prometheus exposition
//
// # Authentication
//
// Every /api/v1 route requires a credential:
//
//	Authorization: Bearer <jwt>      signed bearer token
//	X-API-Key: <key>                 raw API key
//
// A bearer value without JWT structure is treated as an API key, so
// clients may send keys through either header. The resolved principal
// rides the request context into the decision chain.
//
// # Middleware chain
//
// Outermost first: metrics, request id, real IP, origin check,
// authentication. Health and metrics sit outside the authenticated
// chain.
//
// # Error shape
//
// Failures return {"error": <code>, "message": <text>} plus
// code-specific fields: challenge_id and method for mfa_required,
// retry_after_seconds (and a Retry-After header) for rate_limited and
// budget_exceeded.
package http
