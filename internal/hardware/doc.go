// Package hardware talks to the robot's physical side: the board reset run
// between rounds, the GPIO start button, and the arena USB stick that
// carries the zone marker and start graphics.
//
// Everything here is plain file and process I/O so that it runs on any
// Linux board exposing the legacy sysfs GPIO interface.
package hardware
