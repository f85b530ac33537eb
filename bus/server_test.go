package bus

import (
	"testing"

	"devicebus-go/packet"
	"devicebus-go/x/binx"
)

// recordingServer keeps every packet its hook sees.
type recordingServer struct {
	ServerBase
	got []*packet.Packet

	level uint32 // rw register 0x80
}

func (s *recordingServer) HandlePacket(pkt *packet.Packet) {
	s.got = append(s.got, pkt)
	s.level = s.HandleRegU32(pkt, 0x80, s.level)
}

// selfCommand builds a command frame addressed to the fixture's own device.
func selfCommand(t *testing.T, f *fixture, idx int, cmd uint16, data []byte) *packet.Packet {
	t.Helper()
	pkt, err := packet.New(cmd, data)
	if err != nil {
		t.Fatal(err)
	}
	pkt.SetServiceIndex(idx)
	pkt.SetCommand(true)
	if err := pkt.SetDeviceIdentifier(f.b.SelfDevice().DeviceID()); err != nil {
		t.Fatal(err)
	}
	return pkt
}

// captureReports records reports the bus emits for one service index.
func captureReports(f *fixture, idx int) *[]*packet.Packet {
	out := &[]*packet.Packet{}
	f.b.On(EvPacketProcess, func(args ...any) {
		pkt, ok := args[0].(*packet.Packet)
		if !ok {
			return
		}
		if pkt.IsReport() && pkt.ServiceIndex() == idx &&
			pkt.DeviceIdentifier() == f.b.SelfDevice().DeviceID() {
			*out = append(*out, pkt)
		}
	})
	return out
}

func TestServerDispatch(t *testing.T) {
	f := newFixture(t)
	srv := &recordingServer{}
	idx := f.b.AddServer(srv, accClass, "imu")

	f.b.ProcessPacket(selfCommand(t, f, idx, 0x33, nil))
	if len(srv.got) != 1 || srv.got[0].ServiceCommand() != 0x33 {
		t.Fatalf("hook saw %d packets", len(srv.got))
	}
}

func TestServerRegisterSetAndGet(t *testing.T) {
	f := newFixture(t)
	srv := &recordingServer{}
	idx := f.b.AddServer(srv, accClass, "")
	reports := captureReports(f, idx)

	// SET updates the value and latches stateUpdated
	set, err := binx.Pack("I", 7)
	if err != nil {
		t.Fatal(err)
	}
	f.b.ProcessPacket(selfCommand(t, f, idx, uint16(packet.CmdSetReg|0x80), set))
	if srv.level != 7 {
		t.Fatalf("level = %d", srv.level)
	}
	if !srv.StateUpdated() {
		t.Fatal("stateUpdated not latched")
	}
	if srv.StateUpdated() {
		t.Fatal("stateUpdated not cleared on read")
	}

	// GET echoes the request command with the packed value
	f.b.ProcessPacket(selfCommand(t, f, idx, uint16(packet.CmdGetReg|0x80), nil))
	if len(*reports) != 1 {
		t.Fatalf("%d reports", len(*reports))
	}
	rep := (*reports)[0]
	if rep.ServiceCommand() != uint16(packet.CmdGetReg|0x80) {
		t.Fatalf("report cmd %#x", rep.ServiceCommand())
	}
	vals, err := rep.Unpack("I")
	if err != nil || vals[0] != 7 {
		t.Fatalf("report value %v %v", vals, err)
	}
}

func TestServerReadOnlyRegisterIgnoresSet(t *testing.T) {
	f := newFixture(t)
	srv := &roServer{}
	idx := f.b.AddServer(srv, accClass, "")

	set, _ := binx.Pack("I", 99)
	f.b.ProcessPacket(selfCommand(t, f, idx, uint16(packet.CmdSetReg|packet.RegMinReading), set))
	if srv.min != 5 {
		t.Fatalf("read-only register mutated: %d", srv.min)
	}
}

type roServer struct {
	ServerBase
	min uint32
}

func (s *roServer) HandlePacket(pkt *packet.Packet) {
	if s.min == 0 {
		s.min = 5
	}
	s.min = s.HandleRegU32(pkt, packet.RegMinReading, s.min)
}

func TestServerStatusCodeRegister(t *testing.T) {
	f := newFixture(t)
	srv := &recordingServer{}
	idx := f.b.AddServer(srv, accClass, "")
	srv.statusCode = uint32(packet.StatusInitializing)<<16 | 0x0042
	reports := captureReports(f, idx)

	f.b.ProcessPacket(selfCommand(t, f, idx,
		uint16(packet.CmdGetReg|packet.RegStatusCode), nil))

	if len(*reports) != 1 {
		t.Fatalf("%d reports", len(*reports))
	}
	vals, err := (*reports)[0].Unpack("I")
	if err != nil || uint32(vals[0]) != srv.statusCode {
		t.Fatalf("status report %v %v", vals, err)
	}
	// the common register is answered by the base, not the hook
	if len(srv.got) != 0 {
		t.Fatal("status get leaked into the service hook")
	}
}

func TestServerInstanceNameRegister(t *testing.T) {
	f := newFixture(t)
	srv := &recordingServer{}
	idx := f.b.AddServer(srv, accClass, "left-wheel")
	reports := captureReports(f, idx)

	f.b.ProcessPacket(selfCommand(t, f, idx,
		uint16(packet.CmdGetReg|packet.RegInstanceName), nil))

	if len(*reports) != 1 {
		t.Fatalf("%d reports", len(*reports))
	}
	if string((*reports)[0].Data()) != "left-wheel" {
		t.Fatalf("name = %q", (*reports)[0].Data())
	}
}

func TestServerSendEventRepeats(t *testing.T) {
	f := newFixture(t)
	srv := &recordingServer{}
	idx := f.b.AddServer(srv, accClass, "")
	reports := captureReports(f, idx)

	if err := srv.SendEvent(packet.EvActive, nil); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(20)
	f.b.Step()
	f.clk.Advance(80)
	f.b.Step()

	if len(*reports) != 3 {
		t.Fatalf("event sent %d times, want 3", len(*reports))
	}
	first := (*reports)[0]
	if !first.IsEvent() || first.EventCode() != packet.EvActive {
		t.Fatalf("not an event: %v", first)
	}
	for _, rep := range (*reports)[1:] {
		if rep.ServiceCommand() != first.ServiceCommand() {
			t.Fatal("re-sends must reuse the same event counter")
		}
	}
}

func TestEventCounterAdvancesPerEmission(t *testing.T) {
	f := newFixture(t)
	srv := &recordingServer{}
	f.b.AddServer(srv, accClass, "")

	f.b.mu.Lock()
	c1 := f.b.mkEventCmdLocked(1)
	c2 := f.b.mkEventCmdLocked(1)
	f.b.mu.Unlock()
	n1 := int(c1>>packet.CmdEventCounterPos) & packet.CmdEventCounterMask
	n2 := int(c2>>packet.CmdEventCounterPos) & packet.CmdEventCounterMask
	if n2 != (n1+1)&packet.CmdEventCounterMask {
		t.Fatalf("counters %d, %d", n1, n2)
	}
}

func TestMulticommandFanOut(t *testing.T) {
	f := newFixture(t)
	s1 := &recordingServer{}
	s2 := &recordingServer{}
	f.b.AddServer(s1, accClass, "a")
	f.b.AddServer(s2, accClass, "b")
	other := &recordingServer{}
	f.b.AddServer(other, buttonClass, "c")

	pkt := packet.OnlyHeader(0x80)
	pkt.SetMulticommand(accClass)
	f.b.ProcessPacket(pkt)

	if len(s1.got) != 1 || len(s2.got) != 1 {
		t.Fatalf("fan-out %d/%d", len(s1.got), len(s2.got))
	}
	if len(other.got) != 0 {
		t.Fatal("wrong class received multicommand")
	}
	// each server saw its own index and the self identifier
	if s1.got[0].ServiceIndex() != s1.Base().ServiceIndex() ||
		s2.got[0].ServiceIndex() != s2.Base().ServiceIndex() {
		t.Fatal("indices not rewritten")
	}
	if s1.got[0].DeviceIdentifier() != f.b.SelfDevice().DeviceID() {
		t.Fatal("identifier not rewritten")
	}
}

func TestMulticommandReportDropped(t *testing.T) {
	f := newFixture(t)
	s1 := &recordingServer{}
	f.b.AddServer(s1, accClass, "")

	pkt := packet.OnlyHeader(0x80)
	pkt.SetMulticommand(accClass)
	pkt.SetCommand(false) // force a report with the class flag still set
	f.b.ProcessPacket(pkt)

	if len(s1.got) != 0 {
		t.Fatal("multicommand report dispatched")
	}
}

func TestUnknownServiceIndexDropped(t *testing.T) {
	f := newFixture(t)
	before := f.b.Stats().PacketsDropped.Load()
	f.b.ProcessPacket(selfCommand(t, f, 9, 0x33, nil))
	if f.b.Stats().PacketsDropped.Load() != before+1 {
		t.Fatal("unknown service index not counted")
	}
}

func TestBroadcastClientHearsEveryDevice(t *testing.T) {
	f := newFixture(t)
	c := NewBroadcastClient(f.b, accClass)

	events := 0
	c.On(EvEvent, func(args ...any) { events++ })

	f.b.ProcessPacket(announcePacket(t, peerID, 1, accClass))
	f.b.ProcessPacket(announcePacket(t, peer2ID, 1, accClass))
	if c.Attached() {
		t.Fatal("broadcast client must never attach")
	}

	f.b.ProcessPacket(eventPacket(t, peerID, 1, 3, 1))
	f.b.ProcessPacket(eventPacket(t, peer2ID, 1, 9, 1))
	if events != 2 {
		t.Fatalf("broadcast client saw %d events", events)
	}
}
