package accel

import (
	"context"
	"testing"
	"time"

	"devicebus-go/bus"
	"devicebus-go/packet"
	"devicebus-go/sched"
	"devicebus-go/transport"
)

// loopbackBus hosts the server and the client on one node; the self
// announce attaches them over loopback.
func loopbackBus(t *testing.T) (*bus.Bus, *sched.VirtualClock, *Client) {
	t.Helper()
	clk := sched.NewVirtualClock(0)
	b := bus.New(transport.Standalone([8]byte{7, 7, 7, 7, 7, 7, 7, 7}),
		bus.Options{Clock: clk, Seed: 1})
	NewServer(b, "imu", func() Sample { return Sample{X: 10, Y: -20, Z: 1000} })
	c := NewClient(b, "")
	b.Step() // self announce attaches the client locally
	if !c.Attached() {
		t.Fatal("client not attached over loopback")
	}
	return b, clk, c
}

func TestReadingQuery(t *testing.T) {
	_, _, c := loopbackBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := c.Reading(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	want := Sample{X: 10, Y: -20, Z: 1000}
	if got != want {
		t.Fatalf("reading %+v, want %+v", got, want)
	}
}

func TestStreaming(t *testing.T) {
	b, clk, c := loopbackBus(t)

	// streamed readings land in the client's register cache
	reg := c.Register(packet.RegReading)
	if err := c.StartStreaming(3, 50); err != nil {
		t.Fatal(err)
	}

	readings := 0
	for i := 0; i < 5; i++ {
		clk.Advance(50)
		b.Step()
		if reg.Current(10) != nil {
			readings++
		}
	}
	if readings != 3 {
		t.Fatalf("saw %d streamed readings, want 3", readings)
	}
}
