// Package packet implements the 16-byte-header wire format shared by every
// node on the bus.
package packet

import (
	"devicebus-go/errcode"
	"devicebus-go/x/binx"
)

// Packet is one logical frame: a fixed header plus up to 236 payload bytes.
// The header layout is
//
//	0  u16  crc (stamped by StampCRC on the bus send path)
//	2  u8   size (frame-layer copy; not written by this package)
//	3  u8   flags
//	4  8b   device identifier (or service class at 4..8, zero at 8..12)
//	12 u8   size (authoritative payload length)
//	13 u8   service index (low 6 bits)
//	14 u16  service command
type Packet struct {
	Timestamp int64 // ms, stamped by the receiver

	header [HeaderSize]byte
	data   []byte
}

// New builds an outgoing packet for cmd with the given payload (may be nil).
func New(cmd uint16, data []byte) (*Packet, error) {
	p := &Packet{}
	p.SetServiceCommand(cmd)
	if err := p.SetData(data); err != nil {
		return nil, err
	}
	return p, nil
}

// OnlyHeader builds a payload-less packet for cmd.
func OnlyHeader(cmd uint16) *Packet {
	p := &Packet{}
	p.SetServiceCommand(cmd)
	return p
}

// Packed builds a packet whose payload is vals encoded per fmt.
func Packed(cmd uint16, fmt string, vals ...int64) (*Packet, error) {
	data, err := binx.Pack(fmt, vals...)
	if err != nil {
		return nil, err
	}
	return New(cmd, data)
}

// FromBytes parses a received frame. The frame layer has already validated
// the CRC; this only checks geometry.
func FromBytes(b []byte) (*Packet, error) {
	if len(b) < HeaderSize || len(b) > MaxFrameSize {
		return nil, errcode.MalformedFrame
	}
	p := &Packet{}
	copy(p.header[:], b[:HeaderSize])
	if int(p.header[12]) != len(b)-HeaderSize {
		return nil, errcode.MalformedFrame
	}
	p.data = append([]byte(nil), b[HeaderSize:]...)
	return p, nil
}

// Clone returns a copy sharing the payload bytes. The router clones before
// rewriting addressing fields during multi-command fan-out.
func (p *Packet) Clone() *Packet {
	cp := *p
	return &cp
}

// ToBytes serializes header plus payload.
func (p *Packet) ToBytes() []byte {
	out := make([]byte, HeaderSize+len(p.data))
	copy(out, p.header[:])
	copy(out[HeaderSize:], p.data)
	return out
}

// Unpack decodes the payload per fmt.
func (p *Packet) Unpack(fmt string) ([]int64, error) {
	return binx.Unpack(fmt, p.data)
}

func (p *Packet) ServiceCommand() uint16 { return binx.U16(p.header[:], 14) }

func (p *Packet) SetServiceCommand(cmd uint16) { binx.PutU16(p.header[:], 14, cmd) }

// DeviceIdentifier returns the 8 id bytes as a hex string.
func (p *Packet) DeviceIdentifier() string { return binx.ToHex(p.header[4:12]) }

func (p *Packet) SetDeviceIdentifier(idStr string) error {
	id, err := binx.FromHex(idStr)
	if err != nil || len(id) != 8 {
		return errcode.WrongIDLength
	}
	copy(p.header[4:12], id)
	return nil
}

func (p *Packet) Flags() byte { return p.header[3] }

// MulticommandClass returns the destination service class when the frame is
// addressed to a class rather than a device.
func (p *Packet) MulticommandClass() (uint32, bool) {
	if p.header[3]&FlagIdentifierIsServiceClass != 0 {
		return binx.U32(p.header[:], 4), true
	}
	return 0, false
}

// SetMulticommand addresses the packet to every node implementing
// serviceClass and marks it as a command.
func (p *Packet) SetMulticommand(serviceClass uint32) {
	p.header[3] |= FlagIdentifierIsServiceClass | FlagCommand
	binx.PutU32(p.header[:], 4, serviceClass)
	binx.PutU32(p.header[:], 8, 0)
}

func (p *Packet) Size() int { return int(p.header[12]) }

func (p *Packet) RequiresAck() bool { return p.header[3]&FlagAckRequested != 0 }

func (p *Packet) SetRequiresAck(val bool) {
	if val != p.RequiresAck() {
		p.header[3] ^= FlagAckRequested
	}
}

func (p *Packet) ServiceIndex() int { return int(p.header[13] & ServiceIndexMask) }

func (p *Packet) SetServiceIndex(idx int) {
	p.header[13] = p.header[13]&serviceIndexInvMask | byte(idx&ServiceIndexMask)
}

func (p *Packet) CRC() uint16 { return binx.U16(p.header[:], 0) }

func (p *Packet) SetCommand(on bool) {
	if on {
		p.header[3] |= FlagCommand
	} else {
		p.header[3] &^= FlagCommand
	}
}

func (p *Packet) IsCommand() bool { return p.header[3]&FlagCommand != 0 }

func (p *Packet) IsReport() bool { return p.header[3]&FlagCommand == 0 }

func (p *Packet) IsEvent() bool {
	return p.IsReport() && p.ServiceCommand()&CmdEventMask != 0
}

// EventCode returns the low 8 command bits of an event packet, -1 otherwise.
func (p *Packet) EventCode() int {
	if !p.IsEvent() {
		return -1
	}
	return int(p.ServiceCommand() & CmdEventCodeMask)
}

// EventCounter returns the 7-bit sequence number of an event packet, -1
// otherwise.
func (p *Packet) EventCounter() int {
	if !p.IsEvent() {
		return -1
	}
	return int(p.ServiceCommand()>>CmdEventCounterPos) & CmdEventCounterMask
}

func (p *Packet) IsRegSet() bool { return p.ServiceCommand()>>12 == CmdSetReg>>12 }

func (p *Packet) IsRegGet() bool { return p.ServiceCommand()>>12 == CmdGetReg>>12 }

func (p *Packet) RegCode() int { return int(p.ServiceCommand() & CmdRegMask) }

func (p *Packet) Data() []byte { return p.data }

// SetData replaces the payload, keeping the authoritative size byte in sync.
func (p *Packet) SetData(buf []byte) error {
	if len(buf) > MaxPayloadSize {
		return errcode.OversizePayload
	}
	p.header[12] = byte(len(buf))
	p.data = buf
	return nil
}

// StampCRC recomputes the frame CRC over everything the CRC covers.
func (p *Packet) StampCRC() {
	binx.PutU16(p.header[:], 0, CRC16(p.header[2:], p.data))
}

func (p *Packet) String() string {
	msg := ShortID(p.header[4:12]) + "/" + itoa(p.ServiceIndex()) +
		"[" + itoa(int(p.Flags())) + "]: " + hexNum(uint64(p.ServiceCommand()), 4) +
		" sz=" + itoa(p.Size())
	if p.Size() < 20 {
		msg += ": " + binx.ToHex(p.data)
	} else {
		msg += ": " + binx.ToHex(p.data[:20]) + "..."
	}
	return "<Packet " + msg + ">"
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func hexNum(n uint64, digits int) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 2+digits)
	out[0], out[1] = '0', 'x'
	for i := 0; i < digits; i++ {
		out[2+i] = hexdigits[(n>>((digits-1-i)*4))&0xf]
	}
	return string(out)
}
