package packet

import (
	"bytes"
	"testing"
)

func mustNew(t *testing.T, cmd uint16, data []byte) *Packet {
	t.Helper()
	p, err := New(cmd, data)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRoundTrip(t *testing.T) {
	p := mustNew(t, 0x1234, []byte{1, 2, 3})
	if err := p.SetDeviceIdentifier("0102030405060708"); err != nil {
		t.Fatal(err)
	}
	p.SetServiceIndex(5)
	p.SetCommand(true)
	p.StampCRC()

	raw := p.ToBytes()
	if len(raw) != HeaderSize+3 {
		t.Fatalf("frame length %d", len(raw))
	}
	q, err := FromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(q.ToBytes(), raw) {
		t.Fatal("serialize(parse(b)) != b")
	}
	if q.ServiceCommand() != 0x1234 || q.ServiceIndex() != 5 || !q.IsCommand() {
		t.Fatalf("accessors after round-trip: cmd=%#x idx=%d", q.ServiceCommand(), q.ServiceIndex())
	}
	if q.DeviceIdentifier() != "0102030405060708" {
		t.Fatalf("device id %q", q.DeviceIdentifier())
	}
}

func TestFromBytesMalformed(t *testing.T) {
	if _, err := FromBytes(make([]byte, 10)); err == nil {
		t.Fatal("short frame accepted")
	}
	raw := make([]byte, HeaderSize+4)
	raw[12] = 8 // size byte disagrees with actual payload
	if _, err := FromBytes(raw); err == nil {
		t.Fatal("size mismatch accepted")
	}
	if _, err := FromBytes(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatal("oversize frame accepted")
	}
}

func TestSetDataOversize(t *testing.T) {
	p := OnlyHeader(0)
	if err := p.SetData(make([]byte, MaxPayloadSize+1)); err == nil {
		t.Fatal("oversize payload accepted")
	}
	if err := p.SetData(make([]byte, MaxPayloadSize)); err != nil {
		t.Fatal(err)
	}
	if p.Size() != MaxPayloadSize {
		t.Fatalf("size byte %d", p.Size())
	}
}

func TestSetDeviceIdentifierLength(t *testing.T) {
	p := OnlyHeader(0)
	if err := p.SetDeviceIdentifier("0102"); err == nil {
		t.Fatal("short id accepted")
	}
	if err := p.SetDeviceIdentifier("zz02030405060708"); err == nil {
		t.Fatal("bad hex accepted")
	}
}

func TestFlags(t *testing.T) {
	p := OnlyHeader(0)
	if p.IsCommand() || !p.IsReport() {
		t.Fatal("fresh packet should be a report")
	}
	p.SetCommand(true)
	if !p.IsCommand() || p.IsReport() {
		t.Fatal("command flag not set")
	}
	p.SetRequiresAck(true)
	if !p.RequiresAck() {
		t.Fatal("ack flag not set")
	}
	p.SetRequiresAck(true) // idempotent
	if !p.RequiresAck() {
		t.Fatal("ack flag toggled by redundant set")
	}
	p.SetRequiresAck(false)
	if p.RequiresAck() {
		t.Fatal("ack flag not cleared")
	}
}

func TestEventEncoding(t *testing.T) {
	cmd := uint16(CmdEventMask | 42<<CmdEventCounterPos | EvChange)
	p := OnlyHeader(cmd)
	if !p.IsEvent() {
		t.Fatal("not recognized as event")
	}
	if p.EventCounter() != 42 || p.EventCode() != EvChange {
		t.Fatalf("counter=%d code=%d", p.EventCounter(), p.EventCode())
	}
	p.SetCommand(true)
	if p.IsEvent() {
		t.Fatal("commands can never be events")
	}
	if p.EventCounter() != -1 || p.EventCode() != -1 {
		t.Fatal("non-event should report -1")
	}
}

func TestRegEncoding(t *testing.T) {
	p := OnlyHeader(uint16(CmdGetReg | RegReading))
	if !p.IsRegGet() || p.IsRegSet() {
		t.Fatal("reg get flags wrong")
	}
	if p.RegCode() != RegReading {
		t.Fatalf("reg code %#x", p.RegCode())
	}
	q := OnlyHeader(uint16(CmdSetReg | RegIntensity))
	if !q.IsRegSet() || q.IsRegGet() {
		t.Fatal("reg set flags wrong")
	}
}

func TestMulticommand(t *testing.T) {
	p := OnlyHeader(0x80)
	if _, ok := p.MulticommandClass(); ok {
		t.Fatal("fresh packet has multicommand class")
	}
	p.SetMulticommand(0x1f140409)
	mcc, ok := p.MulticommandClass()
	if !ok || mcc != 0x1f140409 {
		t.Fatalf("class %#x ok=%v", mcc, ok)
	}
	if !p.IsCommand() {
		t.Fatal("multicommand must set the command flag")
	}
	raw := p.ToBytes()
	for _, b := range raw[8:12] {
		if b != 0 {
			t.Fatal("high id bytes must be zero for multicommand")
		}
	}
}

func TestCRC(t *testing.T) {
	p := mustNew(t, 0x1000, []byte{9, 9})
	p.StampCRC()
	first := p.CRC()
	if first == 0 {
		t.Fatal("crc zero") // astronomically unlikely for this frame
	}
	p.Data()[0] = 1
	p.StampCRC()
	if p.CRC() == first {
		t.Fatal("crc insensitive to payload")
	}
}

func TestCloneIsolatesHeader(t *testing.T) {
	p := mustNew(t, 7, nil)
	q := p.Clone()
	q.SetServiceIndex(9)
	if p.ServiceIndex() == 9 {
		t.Fatal("clone shares header")
	}
}

func TestShortID(t *testing.T) {
	id := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	s := ShortID(id)
	if len(s) != 4 {
		t.Fatalf("short id %q", s)
	}
	for i, c := range s {
		if i < 2 && (c < 'A' || c > 'Z') {
			t.Fatalf("char %d of %q not a letter", i, s)
		}
		if i >= 2 && (c < '0' || c > '9') {
			t.Fatalf("char %d of %q not a digit", i, s)
		}
	}
	if s != "CV00" {
		t.Fatalf("short id %q, want CV00", s)
	}
	if other := ShortID([]byte{8, 7, 6, 5, 4, 3, 2, 1}); other != "RE73" {
		t.Fatalf("short id %q, want RE73", other)
	}
	if ShortIDHex("0102030405060708") != s {
		t.Fatal("hex form disagrees")
	}
	if ShortIDHex("nothex") != "nothex" {
		t.Fatal("malformed hex should pass through")
	}
}
