// Package api is the HTTP boundary of the daemon and the client the CLI uses
// to reach it.
//
// # Endpoints
//
//	POST /api/toggle        apply the single lifecycle control
//	POST /api/cancel        stop the active session in any state
//	GET  /api/state         current lifecycle snapshot
//	GET  /api/state/stream  server-sent events, one per snapshot change
//	GET  /api/conditions    live device reading and admission decision
//	GET  /api/history       recorded sessions, newest first (?limit=N)
//	GET  /metrics           Prometheus exposition
//
// # Design Notes
//
// DTOs use camelCase JSON tags. The lifecycle phase is exposed both as the
// raw flags and as a derived "state" string. Timestamps use RFC3339 with
// milliseconds. When a token is configured every /api route requires
// "Authorization: Bearer <token>"; /metrics stays open for scrapers.
package api
