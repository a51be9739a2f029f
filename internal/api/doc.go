// Package api implements the REST and WebSocket API for the filter daemon.
//
// # Overview
//
// The API server is a thin HTTP layer over a [ctlplane.Controller]. Handlers
// decode JSON, call the controller and map engine errors onto status codes.
//
// # Request Flow
//
//	HTTP Request → i18n → AccessLogger → Mux → Handler → ctlplane.Controller → filter.Engine
//
// # Endpoints
//
// Scopes are addressed as /api/scopes/{ip}/{table}, e.g. /api/scopes/v4/lan:
//   - GET  /api/scopes - Stats for every live scope
//   - GET  /api/scopes/{ip}/{table}/rules - Installed rules in evaluation order
//   - POST /api/scopes/{ip}/{table}/rules - Commit rules
//   - POST /api/scopes/{ip}/{table}/delete - Delete or stage deletion by handle
//   - POST /api/scopes/{ip}/{table}/apply - Apply staged deletions
//   - POST /api/scopes/{ip}/{table}/reset - Drop the scope
//   - POST /api/scopes/{ip}/{table}/classify - Classify fields, a frame or a datagram
//   - GET  /api/scopes/{ip}/{table}/tier - Current storage tier
//   - GET  /api/export - Live tables as HCL
//   - GET  /api/changes - Store change journal
//   - GET  /api/ws/decisions - WebSocket stream of engine events
//
// # Error Mapping
//
//   - filter.ErrInvalidPredicate, filter.ErrInvalidScope: 400
//   - filter.ErrScopeNotFound, filter.ErrUnknownRule: 404
//   - filter.ErrCapacityExceeded: 409
//   - ctlplane.ErrPersist: 500
//
// The four mutating POST routes share a per-client-IP limit when the server
// has a [ratelimit.Limiter]; refused requests get 429 and Retry-After.
package api
