// Package command carries start/stop/upload requests to the round supervisor.
//
// Requests arrive as newline-delimited JSON records:
//
//	{"request":"start","params":{"mode":"comp","zone":1}}
//	{"request":"stop","params":{}}
//	{"request":"upload","params":{}}
//
// Several transports feed one Dispatcher: a named-pipe pair on the robot, an
// MQTT topic, the HTTP API and the physical start button. The Dispatcher runs
// a single control loop, so every command is handled to completion before the
// next one is read.
//
// Each handled command yields an Ack sent back on the channel it arrived on.
// Acks are informational: unknown or malformed requests are logged and
// acknowledged, never treated as failures of the transport.
package command
