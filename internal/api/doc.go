// Package api implements the HTTP REST API and WebSocket feed for the
// robot starter.
//
// Endpoints:
//
//	GET  /api/v1/health        liveness, state and dependency status
//	GET  /api/v1/round         supervisor status snapshot
//	POST /api/v1/round/start   {"mode":"comp","zone":1}
//	POST /api/v1/round/stop
//	POST /api/v1/round/upload
//	POST /api/v1/commands      raw protocol message, as on the pipe
//	GET  /api/v1/ws            WebSocket event feed
//	GET  /metrics              Prometheus metrics
//
// Control endpoints go through the command dispatcher, so HTTP requests
// are serialised with commands from the named pipe, MQTT and the start
// button. Each returns the command's acknowledgement.
//
// # Security
//
// When security.jwt.secret is set, every route except health and metrics
// needs a bearer token; viewers may read, operators may also control.
// With no secret configured the API is open.
//
// # WebSocket
//
// Clients subscribe to channels with {"type":"subscribe","payload":
// {"channels":["round.*"]}}. Supervisor events arrive on
// "round.<event type>", acknowledgements on "command.ack". A
// {"type":"status"} request returns the current status snapshot.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
