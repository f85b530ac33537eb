package bus

import (
	"context"

	"devicebus-go/emitter"
	"devicebus-go/packet"
	"devicebus-go/x/binx"
)

// Device is the record for a remote peer seen on the wire. The bus owns the
// device table; devices own their client attachments.
type Device struct {
	emitter.Emitter

	bus      *Bus
	deviceID string // hex over 8 bytes
	services []byte // 4-byte LE service class per slot; slot 0 is announce flags
	clients  []*Client
	lastSeen int64

	eventCounter int // -1 until the first accepted event

	ctrlClient *Client
}

func newDevice(b *Bus, deviceID string, services []byte) *Device {
	d := &Device{
		bus:          b,
		deviceID:     deviceID,
		services:     append([]byte(nil), services...),
		lastSeen:     b.clock.NowMs(),
		eventCounter: -1,
	}
	d.SetExecutor(b.deferFn)
	b.devices = append(b.devices, d)
	return d
}

func (d *Device) DeviceID() string { return d.deviceID }

func (d *Device) ShortID() string { return packet.ShortIDHex(d.deviceID) }

func (d *Device) String() string { return "<Device " + d.ShortID() + ">" }

func (d *Device) LastSeen() int64 { return d.lastSeen }

// Services returns the raw announce vector.
func (d *Device) Services() []byte { return d.services }

func (d *Device) AnnounceFlags() uint16 {
	if len(d.services) < 2 {
		return 0
	}
	return binx.U16(d.services, 0)
}

func (d *Device) ResetCount() int {
	return int(d.AnnounceFlags() & packet.AnnounceRestartCounterSteady)
}

func (d *Device) PacketCount() int {
	if len(d.services) < 3 {
		return 0
	}
	return int(d.services[2])
}

func (d *Device) IsConnected() bool { return d.clients != nil }

func (d *Device) NumServiceClasses() int { return len(d.services) >> 2 }

// ServiceClassAt returns the class in slot idx; slot 0 is always the control
// class. Returns ok=false when idx is out of range.
func (d *Device) ServiceClassAt(idx int) (uint32, bool) {
	if idx == 0 {
		return 0, true
	}
	if idx < 0 || idx >= d.NumServiceClasses() {
		return 0, false
	}
	return binx.U32(d.services, idx<<2), true
}

// HasService reports whether any slot announces serviceClass.
func (d *Device) HasService(serviceClass uint32) bool {
	for i := 0; i < d.NumServiceClasses(); i++ {
		if c, ok := d.ServiceClassAt(i); ok && c == serviceClass {
			return true
		}
	}
	return false
}

// MatchesRoleAt consults the role binding for (role, idx). Empty roles, the
// device id itself, and "id:idx" always match; anything else goes to the
// bus's role matcher and defaults to permissive.
func (d *Device) MatchesRoleAt(role string, idx int) bool {
	if role == "" || role == d.deviceID || role == d.deviceID+":"+itoa(idx) {
		return true
	}
	if d.bus.opts.RoleMatcher != nil {
		return d.bus.opts.RoleMatcher(role, d.deviceID, idx)
	}
	return true
}

// CtrlClient returns the lazily constructed client bound to the device's
// control service.
func (d *Device) CtrlClient() *Client {
	if d.ctrlClient == nil {
		d.ctrlClient = NewClient(d.bus, packet.ServiceClassCtrl, "")
		d.bus.mu.Lock()
		d.ctrlClient.attachLocked(d, 0)
		d.bus.mu.Unlock()
		d.bus.drainDeferred()
	}
	return d.ctrlClient
}

// QueryRegister reads a control-service register from the peer through the
// control client's cache.
func (d *Device) QueryRegister(ctx context.Context, code int, refreshMs int64) ([]byte, error) {
	return d.CtrlClient().Register(code).Query(ctx, refreshMs)
}

// SendCtrlCommand sends cmd to the device's control service.
func (d *Device) SendCtrlCommand(cmd uint16, payload []byte) error {
	pkt, err := packet.New(cmd, payload)
	if err != nil {
		return err
	}
	pkt.SetServiceIndex(packet.ServiceIndexCtrl)
	return d.CtrlClient().SendCmd(pkt)
}

func (d *Device) destroyLocked() {
	for _, c := range d.clients {
		c.detachLocked()
	}
	d.clients = nil
}

// processPacketLocked applies an inbound frame addressed to (or reported by)
// this device: liveness, event sequencing, then client fan-out.
func (d *Device) processPacketLocked(pkt *packet.Packet) {
	d.lastSeen = d.bus.clock.NowMs()
	d.Emit(EvPacketReceive, pkt)

	serviceClass, ok := d.ServiceClassAt(pkt.ServiceIndex())
	if !ok || serviceClass == 0xffffffff {
		return
	}
	if pkt.ServiceIndex() != 0 && serviceClass == 0 {
		return
	}

	if pkt.IsEvent() {
		ec := d.eventCounter
		if ec < 0 {
			ec = pkt.EventCounter() - 1
		}
		ec = (ec + 1) & packet.CmdEventCounterMask
		// how many packets ahead and behind current are we?
		ahead := (pkt.EventCounter() - ec) & packet.CmdEventCounterMask
		behind := (ec - pkt.EventCounter()) & packet.CmdEventCounterMask
		// ahead == behind == 0 is the usual case, otherwise
		// behind < 60 means this is an old event (or a retransmission of
		// something already processed); ahead < 5 means we missed at most 4
		// events, so skip this one and rely on retransmission of the missed
		// events, and then eventually the current event
		if ahead > 0 && (behind < 60 || ahead < 5) {
			d.bus.stats.EventsDropped.Add(1)
			return
		}
		d.Emit(EvEvent, pkt)
		d.bus.Emit(EvEvent, pkt)
		d.bus.stats.EventsAccepted.Add(1)
		d.eventCounter = pkt.EventCounter()
	}

	for _, c := range d.clients {
		if (c.broadcast && c.serviceClass == serviceClass) ||
			(!c.broadcast && c.serviceIndex == pkt.ServiceIndex()) {
			c.currentDevice = d
			c.handlePacketOuterLocked(pkt)
		}
	}
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
