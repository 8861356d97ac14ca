// Package mqtt provides the MQTT connection used by the robot starter.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) so a dead robot shows as offline
//
// # Topics
//
// Every topic sits under a configurable prefix (default "robot/starter"):
//
//	<prefix>/command        operators publish start/stop/upload requests
//	<prefix>/ack            one acknowledgement per command
//	<prefix>/state          retained supervisor status snapshot
//	<prefix>/status         retained online/offline presence (LWT)
//	<prefix>/event/<type>   supervisor events as they happen
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().Command(), 1,
//	    func(topic string, payload []byte) error {
//	        return dispatch(payload)
//	    })
//
//	client.PublishJSON(client.Topics().State(), status, true)
package mqtt
