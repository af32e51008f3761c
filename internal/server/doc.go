// Package server exposes a running supervisor over a local HTTP control API.
//
// `bridgectl serve` keeps one supervisor alive for as long as the process
// runs; every other command talks to it through these endpoints when it is
// reachable.
//
// # Endpoints
//
//	GET    /v1/status              current BridgeStatus
//	POST   /v1/start               start with the BackendConfig in the body
//	POST   /v1/stop                stop the bridge
//	POST   /v1/install             install the bridge software
//	POST   /v1/remediate           run one resolution action, returns the new report
//	GET    /v1/installs/active     snapshot of the running installation session
//	GET    /v1/installs/stream     every session's log as JSON lines until disconnect
//	GET    /v1/installs/{id}       installation session snapshot
//	GET    /v1/installs/{id}/log   session log as JSON lines until the session ends
//	DELETE /v1/installs/{id}       cancel an installation session
//	GET    /v1/events              recent lifecycle events
//	GET    /v1/events/stream       lifecycle events as JSON lines until disconnect
//	GET    /v1/logs/stream         supervisor log entries as JSON lines
//	GET    /live, /ready           health endpoints
//	GET    /metrics                Prometheus metrics
//
// Failures are returned as an ErrorResponse whose Code lets the client
// rebuild the typed error.
package server
