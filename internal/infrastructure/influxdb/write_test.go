package influxdb

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/robot-starter/internal/infrastructure/config"
)

func TestWriteOptions(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.InfluxDBConfig
		wantBatch uint
		wantFlush uint
	}{
		{"configured", config.InfluxDBConfig{BatchSize: 20, FlushInterval: 2}, 20, 2000},
		{"zero falls back", config.InfluxDBConfig{}, defaultBatchSize, 10000},
		{"negative falls back", config.InfluxDBConfig{BatchSize: -1, FlushInterval: -3}, defaultBatchSize, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := writeOptions(tt.cfg)
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d ms, want %d", got, tt.wantFlush)
			}
			if got := opts.Precision(); got != time.Millisecond {
				t.Errorf("Precision() = %v, want 1ms", got)
			}
		})
	}
}

func pointMaps(p *write.Point) (map[string]string, map[string]interface{}) {
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	fields := make(map[string]interface{})
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	return tags, fields
}

func TestRoundEventPoint(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	p := roundEventPoint(RoundEvent{
		Type:       "process_reaped",
		State:      "running",
		RoundID:    "r-1",
		Mode:       "comp",
		Zone:       3,
		PID:        4242,
		Reason:     "stop requested",
		Forced:     true,
		ExitStatus: "signal killed",
		Duration:   5200 * time.Millisecond,
		Time:       at,
	})

	if p.Name() != measurementRoundEvents {
		t.Errorf("Name() = %q", p.Name())
	}
	if !p.Time().Equal(at) {
		t.Errorf("Time() = %v, want %v", p.Time(), at)
	}

	tags, fields := pointMaps(p)
	wantTags := map[string]string{"type": "process_reaped", "state": "running", "mode": "comp"}
	for k, v := range wantTags {
		if tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags[k], v)
		}
	}
	if _, ok := tags["round_id"]; ok {
		t.Error("round_id must be a field, not a tag")
	}

	if fields["forced"] != true {
		t.Errorf("forced = %v", fields["forced"])
	}
	if fields["duration_ms"] != int64(5200) {
		t.Errorf("duration_ms = %v (%T)", fields["duration_ms"], fields["duration_ms"])
	}
	if fields["reason"] != "stop requested" || fields["round_id"] != "r-1" {
		t.Errorf("fields = %v", fields)
	}
	if fields["exit_status"] != "signal killed" {
		t.Errorf("exit_status = %v", fields["exit_status"])
	}
}

func TestRoundEventPoint_OmitsEmpty(t *testing.T) {
	p := roundEventPoint(RoundEvent{Type: "state_changed", State: "ready", Previous: "post_run"})

	tags, fields := pointMaps(p)
	if _, ok := tags["mode"]; ok {
		t.Error("mode tag set for an event without a round")
	}
	for _, k := range []string{"pid", "reason", "duration_ms", "zone", "error"} {
		if _, ok := fields[k]; ok {
			t.Errorf("field %s set, want omitted", k)
		}
	}
	if fields["previous"] != "post_run" {
		t.Errorf("previous = %v", fields["previous"])
	}
	if p.Time().IsZero() {
		t.Error("Time() is zero, want now")
	}
}

func TestRoundSummaryPoint(t *testing.T) {
	p := roundSummaryPoint(RoundSummary{
		RoundID: "r-2",
		Mode:    "dev",
		Zone:    0,
		Arena:   "B",
		Reason:  "stop requested",
		Length:  42 * time.Second,
	})

	if p.Name() != measurementRounds {
		t.Errorf("Name() = %q", p.Name())
	}
	tags, fields := pointMaps(p)
	if tags["mode"] != "dev" || tags["arena"] != "B" {
		t.Errorf("tags = %v", tags)
	}
	if fields["length_ms"] != int64(42000) {
		t.Errorf("length_ms = %v", fields["length_ms"])
	}
}
