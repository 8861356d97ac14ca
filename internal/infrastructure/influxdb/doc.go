// Package influxdb exports round telemetry to InfluxDB. The starter never
// reads it back; it is for dashboards only.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring.
//
// Two measurements are written:
//   - round_events: every supervisor event (state changes, spawns, reaps, fatal)
//   - rounds: one row per completed round with its mode, zone and length
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteRoundEvent(influxdb.RoundEvent{Type: "process_reaped", State: "post_run"})
package influxdb
