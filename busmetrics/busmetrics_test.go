package busmetrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"devicebus-go/bus"
	"devicebus-go/sched"
	"devicebus-go/transport"
)

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	return bus.New(transport.Standalone([8]byte{1, 2, 3, 4, 5, 6, 7, 8}),
		bus.Options{Clock: sched.NewVirtualClock(0), Seed: 1})
}

func TestCollectorRegisters(t *testing.T) {
	b := testBus(t)
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector("devicebus_", nil, b)); err != nil {
		t.Fatal(err)
	}
	fams, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range fams {
		names[f.GetName()] = true
		if !strings.HasPrefix(f.GetName(), "devicebus_") {
			t.Fatalf("metric %q missing prefix", f.GetName())
		}
	}
	for _, want := range []string{
		"devicebus_packets_processed_total",
		"devicebus_packets_sent_total",
		"devicebus_devices",
		"devicebus_ack_failures_total",
	} {
		if !names[want] {
			t.Fatalf("metric %q not exported", want)
		}
	}
}

func TestCollectorTracksActivity(t *testing.T) {
	b := testBus(t)
	reg := prometheus.NewRegistry()
	c := NewCollector("devicebus_", nil, b)
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}

	b.Step() // first announce sends and loops back a frame

	fams, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sent float64
	var devices float64
	for _, f := range fams {
		switch f.GetName() {
		case "devicebus_packets_sent_total":
			sent = f.GetMetric()[0].GetCounter().GetValue()
		case "devicebus_devices":
			devices = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if sent < 1 {
		t.Fatalf("packets_sent = %v", sent)
	}
	if devices != 1 { // self only
		t.Fatalf("devices = %v", devices)
	}
}
