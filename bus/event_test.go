package bus

import "testing"

// seedEvents brings the device's event counter to start.
func seedEvents(t *testing.T, f *fixture, start int) *Device {
	t.Helper()
	f.b.ProcessPacket(announcePacket(t, peerID, 1, accClass))
	dev := f.b.LookupDevice(peerID)
	if dev == nil {
		t.Fatal("no device")
	}
	f.b.ProcessPacket(eventPacket(t, peerID, 1, start, 1))
	if dev.eventCounter != start {
		t.Fatalf("seed failed: counter = %d", dev.eventCounter)
	}
	return dev
}

func TestFirstEventAlwaysAccepted(t *testing.T) {
	f := newFixture(t)
	f.b.ProcessPacket(announcePacket(t, peerID, 1, accClass))

	events := 0
	f.b.On(EvEvent, func(args ...any) { events++ })

	f.b.ProcessPacket(eventPacket(t, peerID, 1, 77, 1))
	if events != 1 {
		t.Fatalf("events = %d", events)
	}
	if f.b.LookupDevice(peerID).eventCounter != 77 {
		t.Fatal("counter not adopted")
	}
}

func TestEventSequencing(t *testing.T) {
	f := newFixture(t)
	dev := seedEvents(t, f, 10)

	var seen []int
	f.b.On(EvEvent, func(args ...any) {
		seen = append(seen, pktArg(t, args).EventCounter())
	})

	for _, c := range []int{11, 12, 14, 13} {
		f.b.ProcessPacket(eventPacket(t, peerID, 1, c, 1))
	}

	// 14 is only one ahead of the expected 13, so it is skipped awaiting the
	// retransmission of 13; 13 then lands in sequence.
	want := []int{11, 12, 13}
	if len(seen) != len(want) {
		t.Fatalf("delivered %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("delivered %v, want %v", seen, want)
		}
	}
	if dev.eventCounter != 13 {
		t.Fatalf("counter = %d", dev.eventCounter)
	}
}

func TestEventDuplicateDropped(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f, 10)

	events := 0
	f.b.On(EvEvent, func(args ...any) { events++ })

	pkt := eventPacket(t, peerID, 1, 11, 1)
	f.b.ProcessPacket(pkt)
	f.b.ProcessPacket(eventPacket(t, peerID, 1, 11, 1)) // retransmission

	if events != 1 {
		t.Fatalf("duplicate delivered: events = %d", events)
	}
}

func TestEventLargeJumpRecovers(t *testing.T) {
	f := newFixture(t)
	dev := seedEvents(t, f, 10)

	events := 0
	f.b.On(EvEvent, func(args ...any) { events++ })

	// a burst was missed: 26 ahead, well past the retransmission window
	f.b.ProcessPacket(eventPacket(t, peerID, 1, 37, 1))
	if events != 1 {
		t.Fatalf("large jump dropped: events = %d", events)
	}
	if dev.eventCounter != 37 {
		t.Fatalf("counter = %d", dev.eventCounter)
	}
}

func TestEventCounterWrapAround(t *testing.T) {
	f := newFixture(t)
	dev := seedEvents(t, f, 127)

	events := 0
	f.b.On(EvEvent, func(args ...any) { events++ })

	f.b.ProcessPacket(eventPacket(t, peerID, 1, 0, 1)) // 127 wraps to 0
	if events != 1 {
		t.Fatalf("wrap-around dropped: events = %d", events)
	}
	if dev.eventCounter != 0 {
		t.Fatalf("counter = %d", dev.eventCounter)
	}
}

func TestEventDroppedStatsCounted(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f, 10)

	before := f.b.Stats().EventsDropped.Load()
	f.b.ProcessPacket(eventPacket(t, peerID, 1, 10, 1)) // behind by one
	if f.b.Stats().EventsDropped.Load() != before+1 {
		t.Fatal("dropped event not counted")
	}
}

func TestEventForUnknownSlotIgnored(t *testing.T) {
	f := newFixture(t)
	f.b.ProcessPacket(announcePacket(t, peerID, 1, accClass))

	events := 0
	f.b.On(EvEvent, func(args ...any) { events++ })

	f.b.ProcessPacket(eventPacket(t, peerID, 5, 1, 1)) // slot never announced
	if events != 0 {
		t.Fatal("event for unknown slot delivered")
	}
}
