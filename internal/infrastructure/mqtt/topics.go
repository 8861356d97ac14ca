package mqtt

import "strings"

// DefaultTopicPrefix is used when Topics.Prefix is empty.
const DefaultTopicPrefix = "robot/starter"

// Topics builds the topic names one starter instance publishes and
// subscribes to. Every topic lives under Prefix so that several robots can
// share a broker.
//
//	topics := mqtt.Topics{Prefix: "robot/starter"}
//	topics.Command() // "robot/starter/command"
type Topics struct {
	Prefix string
}

func (t Topics) base() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Command is where operators publish start/stop/upload requests.
//
// Example: robot/starter/command
func (t Topics) Command() string {
	return t.base() + "/command"
}

// Ack carries the outcome of each command received on Command.
//
// Example: robot/starter/ack
func (t Topics) Ack() string {
	return t.base() + "/ack"
}

// State carries the retained supervisor status snapshot.
//
// Example: robot/starter/state
func (t Topics) State() string {
	return t.base() + "/state"
}

// Status carries the retained online/offline presence message, including
// the Last Will.
//
// Example: robot/starter/status
func (t Topics) Status() string {
	return t.base() + "/status"
}

// Event returns the topic for one kind of supervisor event.
//
// Example: robot/starter/event/process_reaped
func (t Topics) Event(eventType string) string {
	return t.base() + "/event/" + eventType
}

// AllEvents matches every event topic.
//
// Pattern: robot/starter/event/+
func (t Topics) AllEvents() string {
	return t.base() + "/event/+"
}

// All matches every topic of this instance.
// Use with caution - this receives ALL traffic.
//
// Pattern: robot/starter/#
func (t Topics) All() string {
	return t.base() + "/#"
}
