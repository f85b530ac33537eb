package bus

import (
	"devicebus-go/packet"
	"devicebus-go/x/binx"
	"devicebus-go/x/mathx"
)

// CtrlServer is the built-in control service at index 0. It broadcasts the
// local service-class vector, answers identity queries, and carries the
// restart counter peers use to detect resets.
type CtrlServer struct {
	ServerBase

	restartCounter int
}

func newCtrlServer(b *Bus) *CtrlServer {
	s := &CtrlServer{}
	b.AddServer(s, packet.ServiceClassCtrl, "")
	return s
}

// queueAnnounceLocked broadcasts the service-class vector. Slot 0 packs the
// restart counter (incremented each announce, saturating at 15) with the
// static capability flags.
func (s *CtrlServer) queueAnnounceLocked() {
	s.restartCounter++
	rest := mathx.Clamp(s.restartCounter, 0, packet.AnnounceRestartCounterSteady)

	servers := s.bus.servers
	buf := make([]byte, 4*len(servers))
	binx.PutU32(buf, 0, uint32(rest)|
		packet.AnnounceIsClient|
		packet.AnnounceSupportsAck|
		packet.AnnounceSupportsBroadcast|
		packet.AnnounceSupportsFrames)
	for i := 1; i < len(servers); i++ {
		binx.PutU32(buf, i*4, servers[i].Base().serviceClass)
	}

	pkt, err := packet.New(packet.CmdAnnounce, buf)
	if err != nil {
		return
	}
	_ = s.sendReportLocked(pkt)
	s.bus.stats.Announces.Add(1)
}

// HandlePacket answers the control commands and registers.
func (s *CtrlServer) HandlePacket(pkt *packet.Packet) {
	if pkt.IsRegGet() {
		switch pkt.RegCode() {
		case packet.CtrlRegUptime:
			_ = s.SendReportPacked(uint16(packet.CmdGetReg|packet.CtrlRegUptime),
				"Q", s.bus.UptimeMicros())
		}
		return
	}
	switch pkt.ServiceCommand() {
	case packet.CtrlCmdServices:
		b := s.bus
		b.mu.Lock()
		s.queueAnnounceLocked()
		b.mu.Unlock()
		b.drainDeferred()
	case packet.CtrlCmdIdentify:
		s.logf("identify")
		s.bus.Emit(EvIdentify)
		s.bus.drainDeferred()
	case packet.CtrlCmdReset:
		if s.bus.opts.ResetFn != nil {
			s.bus.opts.ResetFn()
		}
	}
}
