package bus

import (
	"devicebus-go/emitter"
	"devicebus-go/packet"
)

// Server is a locally hosted service instance. Implementations embed
// ServerBase and override HandlePacket for their service-specific registers
// and commands.
type Server interface {
	Base() *ServerBase
	HandlePacket(pkt *packet.Packet)
}

// ServerBase carries the dispatch skeleton shared by every hosted service:
// stable service index, class, instance name, status code, and the generic
// register responder.
type ServerBase struct {
	emitter.Emitter

	bus          *Bus
	impl         Server
	serviceClass uint32
	serviceIndex int
	instanceName string

	statusCode   uint32 // code << 16 | vendor_code
	stateUpdated bool
}

func (s *ServerBase) Base() *ServerBase { return s }

// HandlePacket is the default no-op hook.
func (s *ServerBase) HandlePacket(pkt *packet.Packet) {}

func (s *ServerBase) Bus() *Bus            { return s.bus }
func (s *ServerBase) ServiceClass() uint32 { return s.serviceClass }
func (s *ServerBase) ServiceIndex() int    { return s.serviceIndex }
func (s *ServerBase) InstanceName() string { return s.instanceName }

func (s *ServerBase) StatusCode() uint32 { return s.statusCode }

// SetStatusCode updates the packed status register and, on change,
// broadcasts the common change event.
func (s *ServerBase) SetStatusCode(code, vendorCode uint16) {
	c := uint32(code)<<16 | uint32(vendorCode)
	if c != s.statusCode {
		s.statusCode = c
		s.SendChangeEvent()
	}
}

// StateUpdated reports and clears the set-register latch.
func (s *ServerBase) StateUpdated() bool {
	u := s.stateUpdated
	s.stateUpdated = false
	return u
}

// handlePacketOuter answers the common registers every service carries, then
// defers to the service hook. Runs outside the router lock.
func (s *ServerBase) handlePacketOuter(pkt *packet.Packet) {
	switch pkt.ServiceCommand() {
	case packet.RegStatusCode | packet.CmdGetReg:
		s.handleStatusCode(pkt)
	case packet.RegInstanceName | packet.CmdGetReg:
		s.handleInstanceName(pkt)
	default:
		s.impl.HandlePacket(pkt)
	}
}

func (s *ServerBase) handleStatusCode(pkt *packet.Packet) {
	s.HandleRegU32(pkt, packet.RegStatusCode, s.statusCode)
}

func (s *ServerBase) handleInstanceName(pkt *packet.Packet) {
	rep, err := packet.New(pkt.ServiceCommand(), []byte(s.instanceName))
	if err != nil {
		return
	}
	s.SendReport(rep)
}

// HandleRegU32 services GET/SET for a u32 register and returns the
// (possibly updated) value.
func (s *ServerBase) HandleRegU32(pkt *packet.Packet, register int, current uint32) uint32 {
	out := s.HandleReg(pkt, register, "I", []int64{int64(current)})
	return uint32(out[0])
}

// HandleRegI32 services GET/SET for an i32 register.
func (s *ServerBase) HandleRegI32(pkt *packet.Packet, register int, current int32) int32 {
	out := s.HandleReg(pkt, register, "i", []int64{int64(current)})
	return int32(out[0])
}

// HandleReg is the generic register responder. GET replies with current
// packed per fmt, echoing the request command so the report names the
// register. SET decodes the payload and returns the new value, latching
// stateUpdated when it differs; read-only registers ignore SET.
func (s *ServerBase) HandleReg(pkt *packet.Packet, register int, fmt string, current []int64) []int64 {
	getset := pkt.ServiceCommand() >> 12
	if getset == 0 || getset > 2 {
		return current
	}
	if pkt.RegCode() != register {
		return current
	}
	if getset == 1 {
		rep, err := packet.Packed(pkt.ServiceCommand(), fmt, current...)
		if err == nil {
			s.SendReport(rep)
		}
		return current
	}
	if register>>8 == 0x1 {
		return current // read-only
	}
	v, err := pkt.Unpack(fmt)
	if err != nil || len(v) != len(current) {
		return current
	}
	for i := range v {
		if v[i] != current[i] {
			s.stateUpdated = true
			return v
		}
	}
	return current
}

// SendReport addresses pkt from this service on the self-device and hands
// it to the bus send path.
func (s *ServerBase) SendReport(pkt *packet.Packet) error {
	b := s.bus
	b.mu.Lock()
	err := s.sendReportLocked(pkt)
	b.mu.Unlock()
	b.drainDeferred()
	return err
}

func (s *ServerBase) sendReportLocked(pkt *packet.Packet) error {
	pkt.SetServiceIndex(s.serviceIndex)
	if err := pkt.SetDeviceIdentifier(s.bus.self.deviceID); err != nil {
		return err
	}
	return s.bus.sendCoreLocked(pkt)
}

// SendReportPacked packs vals per fmt and reports them under cmd.
func (s *ServerBase) SendReportPacked(cmd uint16, fmt string, vals ...int64) error {
	pkt, err := packet.Packed(cmd, fmt, vals...)
	if err != nil {
		return err
	}
	return s.SendReport(pkt)
}

// SendEvent emits code with a fresh bus event counter, re-sending at +20 ms
// and +100 ms so a single drop cannot lose the event.
func (s *ServerBase) SendEvent(eventCode int, data []byte) error {
	b := s.bus
	b.mu.Lock()
	cmd := b.mkEventCmdLocked(eventCode)
	pkt, err := packet.New(cmd, data)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	err = s.sendReportLocked(pkt)
	resend := func() { _ = s.sendReportLocked(pkt) }
	b.afterLocked(20, resend)
	b.afterLocked(100, resend)
	b.mu.Unlock()
	b.drainDeferred()
	return err
}

// SendChangeEvent raises the common change event and mirrors it locally.
func (s *ServerBase) SendChangeEvent() {
	_ = s.SendEvent(packet.EvChange, nil)
	s.Emit(EvChange)
}

func (s *ServerBase) logf(format string, args ...any) {
	s.bus.logf("%s.%s> "+format,
		append([]any{s.bus.SelfDevice().ShortID(), s.name()}, args...)...)
}

func (s *ServerBase) name() string {
	if s.instanceName != "" {
		return s.instanceName
	}
	return itoa(s.serviceIndex)
}
