// Package bus implements the routing core of the device bus: the device
// table, client attachment, server dispatch, announce/GC cycle, event
// sequencing and the ACK machinery.
package bus

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"devicebus-go/emitter"
	"devicebus-go/errcode"
	"devicebus-go/packet"
	"devicebus-go/sched"
	"devicebus-go/transport"
	"devicebus-go/x/binx"
)

// Event names emitted by the bus and its devices, clients and servers.
const (
	EvChange         = "change"
	EvDeviceConnect  = "deviceConnect"
	EvDeviceChange   = "deviceChange"
	EvDeviceAnnounce = "deviceAnnounce"
	EvSelfAnnounce   = "selfAnnounce"
	EvPacketProcess  = "packetProcess"
	EvReportReceive  = "reportReceive"
	EvRestart        = "restart"
	EvPacketReceive  = "packetReceive"
	EvEvent          = "packetEvent"
	EvStatusEvent    = "statusEvent"
	EvIdentify       = "identify"
	EvConnected      = "connected"
	EvDisconnected   = "disconnected"
)

const (
	announceIntervalMs = 500
	pollIntervalMs     = 10
	deviceTimeoutMs    = 2000
)

// Options tunes a Bus. The zero value is usable.
type Options struct {
	Clock sched.Clock // defaults to the system clock

	// RoleMatcher decides whether role may bind to (deviceID, serviceIndex).
	// Nil means every role binds.
	RoleMatcher func(role, deviceID string, serviceIndex int) bool

	// ResetFn services the control-service reset command.
	ResetFn func()

	// Logf receives debug logging; nil silences it.
	Logf func(format string, args ...any)

	// Seed fixes the retry-jitter source; 0 seeds from the clock.
	Seed int64
}

// Stats counts router activity for the metrics exporter.
type Stats struct {
	PacketsProcessed atomic.Uint64
	PacketsSent      atomic.Uint64
	PacketsDropped   atomic.Uint64
	EventsAccepted   atomic.Uint64
	EventsDropped    atomic.Uint64
	AckRetries       atomic.Uint64
	AckFailures      atomic.Uint64
	Announces        atomic.Uint64
	DevicesConnected atomic.Uint64
}

// Bus is the central router. All mutable state is guarded by mu; handler
// callbacks are deferred past the router and run outside it.
type Bus struct {
	emitter.Emitter

	mu    sync.Mutex
	tr    transport.Transport
	clock sched.Clock
	queue sched.Queue
	opts  Options
	rng   *rand.Rand

	self              *Device
	devices           []*Device
	unattachedClients []*Client
	allClients        []*Client
	servers           []Server

	ctrl         *CtrlServer
	eventCounter int
	bootMs       int64

	ackAwaiters   []*ackAwaiter
	ackSweepArmed bool

	stats Stats

	dmu      sync.Mutex
	deferred []func()
	draining atomic.Int32
}

// New builds a bus over tr and registers the control server. The bus does
// not move until Run is started or Step/DeliverFrame are driven by hand.
func New(tr transport.Transport, opts Options) *Bus {
	if opts.Clock == nil {
		opts.Clock = sched.RealClock{}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = opts.Clock.NowMs() + 1
	}
	b := &Bus{
		tr:    tr,
		clock: opts.Clock,
		opts:  opts,
		rng:   rand.New(rand.NewSource(seed)),
	}
	b.bootMs = b.clock.NowMs()
	b.SetExecutor(b.deferFn)

	b.self = newDevice(b, binx.ToHex(tr.UID()), make([]byte, 4))
	b.ctrl = newCtrlServer(b)

	b.mu.Lock()
	b.afterLocked(0, b.announceTickLocked)
	b.mu.Unlock()
	return b
}

// SelfDevice is the record announcing this node.
func (b *Bus) SelfDevice() *Device { return b.self }

// Stats exposes the router counters.
func (b *Bus) Stats() *Stats { return &b.stats }

// Devices snapshots the device table.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Device(nil), b.devices...)
}

// LookupDevice finds a device by hex identifier.
func (b *Bus) LookupDevice(deviceID string) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookupDeviceLocked(deviceID)
}

func (b *Bus) lookupDeviceLocked(deviceID string) *Device {
	for _, d := range b.devices {
		if d.deviceID == deviceID {
			return d
		}
	}
	return nil
}

// Servers snapshots the server table.
func (b *Bus) Servers() []Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Server(nil), b.servers...)
}

// UnattachedClients snapshots the unattached list.
func (b *Bus) UnattachedClients() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Client(nil), b.unattachedClients...)
}

// UptimeMicros is microseconds since the bus was built.
func (b *Bus) UptimeMicros() int64 { return (b.clock.NowMs() - b.bootMs) * 1000 }

// AddServer registers srv at the next service index. Servers are never
// removed.
func (b *Bus) AddServer(srv Server, serviceClass uint32, instanceName string) int {
	base := srv.Base()
	base.bus = b
	base.impl = srv
	base.serviceClass = serviceClass
	base.instanceName = instanceName
	base.SetExecutor(b.deferFn)
	b.mu.Lock()
	base.serviceIndex = len(b.servers)
	b.servers = append(b.servers, srv)
	b.mu.Unlock()
	return base.serviceIndex
}

func (b *Bus) logf(format string, args ...any) {
	if b.opts.Logf != nil {
		b.opts.Logf(format, args...)
	}
}

// ---- deferred handler execution ----

// deferFn queues fn to run after the router finishes its current pass.
func (b *Bus) deferFn(fn func()) {
	b.dmu.Lock()
	b.deferred = append(b.deferred, fn)
	b.dmu.Unlock()
}

// drainDeferred runs queued handlers. A single drainer runs at a time;
// nested or concurrent calls return immediately and the active drainer
// picks up whatever they queued.
func (b *Bus) drainDeferred() {
	if !b.draining.CompareAndSwap(0, 1) {
		return
	}
	for {
		b.dmu.Lock()
		if len(b.deferred) == 0 {
			b.draining.Store(0)
			b.dmu.Unlock()
			return
		}
		fn := b.deferred[0]
		b.deferred = b.deferred[1:]
		b.dmu.Unlock()
		fn()
	}
}

// afterLocked queues fn on the delayed-callback queue.
func (b *Bus) afterLocked(delayMs int64, fn func()) {
	b.queue.After(b.clock.NowMs()+delayMs, fn)
}

// After schedules fn to run on the bus once delayMs elapses. Servers use it
// for streaming and deferred replies.
func (b *Bus) After(delayMs int64, fn func()) {
	b.mu.Lock()
	b.afterLocked(delayMs, func() { b.deferFn(fn) })
	b.mu.Unlock()
}

// NowMs reads the bus clock.
func (b *Bus) NowMs() int64 { return b.clock.NowMs() }

// ---- periodic work ----

// Step runs every delayed callback that has come due. Run calls it on the
// poll tick; tests call it after advancing a virtual clock.
func (b *Bus) Step() {
	b.mu.Lock()
	b.queue.RunDue(b.clock.NowMs())
	b.mu.Unlock()
	b.drainDeferred()
}

// announceTickLocked is the 500 ms cycle: self-announce, device GC,
// register-cache GC, control announce.
func (b *Bus) announceTickLocked() {
	b.Emit(EvSelfAnnounce)
	b.gcDevicesLocked()
	now := b.clock.NowMs()
	for _, c := range b.allClients {
		c.gcRegistersLocked(now)
	}
	b.ctrl.queueAnnounceLocked()
	b.afterLocked(announceIntervalMs, b.announceTickLocked)
}

// gcDevicesLocked destroys devices not seen for deviceTimeoutMs. The self
// device is refreshed first so it is never collected.
func (b *Bus) gcDevicesLocked() {
	now := b.clock.NowMs()
	cutoff := now - deviceTimeoutMs
	b.self.lastSeen = now

	kept := b.devices[:0]
	changed := false
	for _, d := range b.devices {
		if d.lastSeen < cutoff {
			d.destroyLocked()
			changed = true
		} else {
			kept = append(kept, d)
		}
	}
	b.devices = kept
	if changed {
		b.Emit(EvDeviceChange)
		b.Emit(EvChange)
	}
}

// ---- send path ----

// SendPacket hands a fully addressed packet to the send path.
func (b *Bus) SendPacket(pkt *packet.Packet) error {
	b.mu.Lock()
	err := b.sendCoreLocked(pkt)
	b.mu.Unlock()
	b.drainDeferred()
	return err
}

// SendAsMultiCommand addresses pkt to every node implementing serviceClass
// and sends it.
func (b *Bus) SendAsMultiCommand(pkt *packet.Packet, serviceClass uint32) error {
	pkt.SetMulticommand(serviceClass)
	return b.SendPacket(pkt)
}

// sendCoreLocked stamps the CRC, transmits, and re-enters the router so
// local servers and clients see our own traffic (unconditional loopback).
func (b *Bus) sendCoreLocked(pkt *packet.Packet) error {
	if len(pkt.Data()) != pkt.Size() {
		return &errcode.E{C: errcode.Error, Op: "bus.send", Msg: "size mismatch"}
	}
	pkt.StampCRC()
	if err := b.tr.Send(pkt.ToBytes()); err != nil {
		return err
	}
	b.stats.PacketsSent.Add(1)
	b.processPacketLocked(pkt) // handle loop-back packet
	return nil
}

// ---- receive path ----

// DeliverFrame parses raw and routes the packet. Malformed frames are
// dropped and logged at debug.
func (b *Bus) DeliverFrame(raw []byte) {
	pkt, err := packet.FromBytes(raw)
	if err != nil {
		b.stats.PacketsDropped.Add(1)
		b.logf("drop malformed frame (%d bytes)", len(raw))
		return
	}
	b.ProcessPacket(pkt)
}

// ProcessPacket routes one parsed packet.
func (b *Bus) ProcessPacket(pkt *packet.Packet) {
	b.mu.Lock()
	b.processPacketLocked(pkt)
	b.mu.Unlock()
	b.drainDeferred()
}

// processPacketLocked is the routing decision tree.
func (b *Bus) processPacketLocked(pkt *packet.Packet) {
	pkt.Timestamp = b.clock.NowMs()
	b.stats.PacketsProcessed.Add(1)
	b.logf("route: %s", pkt)
	b.Emit(EvPacketProcess, pkt)

	devID := pkt.DeviceIdentifier()
	selfID := b.self.deviceID

	if mcc, ok := pkt.MulticommandClass(); ok {
		if !pkt.IsCommand() {
			b.stats.PacketsDropped.Add(1)
			return // only commands supported in multi-command
		}
		for _, srv := range b.servers {
			base := srv.Base()
			if base.serviceClass != mcc {
				continue
			}
			// pretend it's directly addressed to us
			cp := pkt.Clone()
			_ = cp.SetDeviceIdentifier(selfID)
			cp.SetServiceIndex(base.serviceIndex)
			b.dispatchServerLocked(base, cp)
		}
		return
	}

	if devID == selfID && pkt.IsCommand() {
		b.self.lastSeen = b.clock.NowMs()
		if pkt.RequiresAck() {
			b.sendAckLocked(pkt)
		}
		idx := pkt.ServiceIndex()
		if idx >= len(b.servers) {
			b.stats.PacketsDropped.Add(1)
			b.logf("drop: no server at index %d", idx)
			return
		}
		b.dispatchServerLocked(b.servers[idx].Base(), pkt)
		return
	}

	if pkt.IsCommand() {
		return // a command, and not for us
	}

	dev := b.lookupDeviceLocked(devID)

	switch pkt.ServiceIndex() {
	case packet.ServiceIndexCtrl:
		if pkt.ServiceCommand() == packet.CmdAnnounce {
			dev = b.handleAnnounceLocked(dev, pkt)
		}
		if dev != nil {
			dev.processPacketLocked(pkt)
		}
	case packet.ServiceIndexCRCAck:
		b.gotAckLocked(pkt)
	default:
		// no announcement seen yet for this device: we can't know the
		// service class
		if dev == nil {
			return
		}
		dev.processPacketLocked(pkt)
	}
}

// handleAnnounceLocked services a control announce: restart detection,
// device creation, service-vector refresh and reattachment.
func (b *Bus) handleAnnounceLocked(dev *Device, pkt *packet.Packet) *Device {
	data := pkt.Data()
	if len(data) < 4 || len(data)%4 != 0 {
		b.stats.PacketsDropped.Add(1)
		return dev
	}

	if dev != nil && dev.ResetCount() > int(data[0]&0xf) {
		// the reset counter went down: the device restarted; treat it as new
		b.logf("device %s restarted", dev.ShortID())
		b.removeDeviceLocked(dev)
		dev.destroyLocked()
		dev = nil
		b.Emit(EvRestart)
	}

	matches := false
	if dev == nil {
		dev = newDevice(b, pkt.DeviceIdentifier(), data)
		b.stats.DevicesConnected.Add(1)
		b.Emit(EvDeviceConnect, dev)
	} else {
		matches = serviceClassesMatch(dev.services, data)
		dev.services = append(dev.services[:0], data...)
	}
	if !matches {
		b.reattachLocked(dev)
	}
	return dev
}

func (b *Bus) removeDeviceLocked(dev *Device) {
	for i, d := range b.devices {
		if d == dev {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return
		}
	}
}

// serviceClassesMatch compares everything past the announce-flags slot.
func serviceClassesMatch(a, c []byte) bool {
	if len(a) == 0 || len(a) != len(c) {
		return false
	}
	for i := 4; i < len(c); i++ {
		if a[i] != c[i] {
			return false
		}
	}
	return true
}

// reattachLocked re-binds clients after a device's service vector changed.
// Broadcast clients detach unconditionally; non-broadcast clients keep
// their slot when class and role still match, and freed slots are offered
// to the unattached list.
func (b *Bus) reattachLocked(dev *Device) {
	dev.lastSeen = b.clock.NowMs()
	b.logf("reattaching services to %s; %d/%d to attach",
		dev.ShortID(), len(b.unattachedClients), len(b.allClients))

	newClients := dev.clients[:0]
	occupied := make([]bool, dev.NumServiceClasses())
	for _, c := range dev.clients {
		if c.broadcast {
			c.detachLocked()
			continue // will re-attach
		}
		newClass, ok := dev.ServiceClassAt(c.serviceIndex)
		if ok && newClass == c.serviceClass && dev.MatchesRoleAt(c.role, c.serviceIndex) {
			newClients = append(newClients, c)
			if c.serviceIndex < len(occupied) {
				occupied[c.serviceIndex] = true
			}
		} else {
			c.detachLocked()
		}
	}
	dev.clients = newClients
	b.Emit(EvDeviceAnnounce, dev)

	if len(b.unattachedClients) == 0 {
		return
	}
	for i := 1; i < dev.NumServiceClasses(); i++ {
		if occupied[i] {
			continue
		}
		serviceClass, _ := dev.ServiceClassAt(i)
		for _, cc := range append([]*Client(nil), b.unattachedClients...) {
			if cc.serviceClass == serviceClass {
				if cc.attachLocked(dev, i) {
					break
				}
			}
		}
	}
}

func (b *Bus) removeUnattachedLocked(c *Client) {
	for i, x := range b.unattachedClients {
		if x == c {
			b.unattachedClients = append(b.unattachedClients[:i], b.unattachedClients[i+1:]...)
			return
		}
	}
}

// dispatchServerLocked hands pkt to a hosted service outside the router.
func (b *Bus) dispatchServerLocked(base *ServerBase, pkt *packet.Packet) {
	b.deferFn(func() { base.handlePacketOuter(pkt) })
}

// sendAckLocked answers an ACK-requesting command with its CRC on the
// CRC-ACK service index.
func (b *Bus) sendAckLocked(pkt *packet.Packet) {
	pkt.SetRequiresAck(false) // make sure we only do it once
	ack := packet.OnlyHeader(pkt.CRC())
	ack.SetServiceIndex(packet.ServiceIndexCRCAck)
	if err := ack.SetDeviceIdentifier(b.self.deviceID); err != nil {
		return
	}
	_ = b.sendCoreLocked(ack)
}

// mkEventCmdLocked allocates the next event command: a fresh 7-bit counter
// over the event code.
func (b *Bus) mkEventCmdLocked(eventCode int) uint16 {
	b.eventCounter = (b.eventCounter + 1) & packet.CmdEventCounterMask
	return uint16(packet.CmdEventMask |
		b.eventCounter<<packet.CmdEventCounterPos |
		(eventCode & packet.CmdEventCodeMask))
}

// ---- run loop ----

// Run drives the bus: the poll tick steps due callbacks and drains the
// transport; a transport ready signal short-circuits the wait.
func (b *Bus) Run(ctx context.Context) {
	tick := time.NewTicker(pollIntervalMs * time.Millisecond)
	defer tick.Stop()

	var ready <-chan struct{}
	if n, ok := b.tr.(transport.Notifier); ok {
		ready = n.Ready()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			b.Step()
			b.drainTransport()
		case <-ready:
			b.drainTransport()
		}
	}
}

func (b *Bus) drainTransport() {
	for {
		frame := b.tr.Receive()
		if frame == nil {
			return
		}
		b.DeliverFrame(frame)
	}
}
