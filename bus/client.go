package bus

import (
	"context"

	"devicebus-go/emitter"
	"devicebus-go/errcode"
	"devicebus-go/packet"
)

// Client is the local proxy for one service instance hosted by a remote
// device. Clients are created by the application and live for the lifetime
// of the bus, oscillating between unattached and attached.
type Client struct {
	emitter.Emitter

	bus          *Bus
	serviceClass uint32
	role         string
	broadcast    bool

	device        *Device // nil when unattached
	currentDevice *Device // device of the last handled packet
	serviceIndex  int     // -1 when unattached

	registers []*RawRegister

	// Handler is the service-specific hook invoked after register and
	// event bookkeeping.
	Handler func(pkt *packet.Packet)
}

// NewClient registers a client for serviceClass on the bus. role is an
// opaque binding string; empty matches any device.
func NewClient(b *Bus, serviceClass uint32, role string) *Client {
	c := &Client{
		bus:          b,
		serviceClass: serviceClass,
		role:         role,
		serviceIndex: -1,
	}
	c.SetExecutor(b.deferFn)
	b.mu.Lock()
	b.unattachedClients = append(b.unattachedClients, c)
	b.allClients = append(b.allClients, c)
	b.mu.Unlock()
	return c
}

// NewBroadcastClient registers a client that receives every frame matching
// serviceClass on any device, without ever attaching to one.
func NewBroadcastClient(b *Bus, serviceClass uint32) *Client {
	c := NewClient(b, serviceClass, "")
	c.broadcast = true
	return c
}

func (c *Client) ServiceClass() uint32 { return c.serviceClass }
func (c *Client) Role() string         { return c.role }
func (c *Client) Broadcast() bool      { return c.broadcast }

// Device returns the attachment, or nil while unattached.
func (c *Client) Device() *Device { return c.device }

// ServiceIndex returns the attached slot, or -1 while unattached.
func (c *Client) ServiceIndex() int { return c.serviceIndex }

// Attached reports whether the client is bound to a device slot.
func (c *Client) Attached() bool { return c.device != nil }

func (c *Client) lookupRegisterLocked(code int) *RawRegister {
	for _, r := range c.registers {
		if r.code == code {
			return r
		}
	}
	return nil
}

// Register returns the cache entry for code, creating it on first use.
func (c *Client) Register(code int) *RawRegister {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	r := c.lookupRegisterLocked(code)
	if r == nil {
		r = newRawRegister(c, code)
		c.registers = append(c.registers, r)
	}
	return r
}

// SendCmd submits pkt as a command to the attached device. Unattached
// non-broadcast clients drop the packet.
func (c *Client) SendCmd(pkt *packet.Packet) error {
	c.bus.mu.Lock()
	err := c.sendCmdLocked(pkt)
	c.bus.mu.Unlock()
	c.bus.drainDeferred()
	return err
}

func (c *Client) sendCmdLocked(pkt *packet.Packet) error {
	dev := c.currentDevice
	if dev == nil {
		dev = c.device
	}
	if dev == nil || c.serviceIndex < 0 {
		return nil
	}
	pkt.SetServiceIndex(c.serviceIndex)
	if err := pkt.SetDeviceIdentifier(dev.deviceID); err != nil {
		return err
	}
	pkt.SetCommand(true)
	return c.bus.sendCoreLocked(pkt)
}

// SendCmdWithAck submits the command with the ACK flag set and blocks until
// the peer acknowledges or the retransmit budget is exhausted.
func (c *Client) SendCmdWithAck(ctx context.Context, pkt *packet.Packet) error {
	c.bus.mu.Lock()
	dev := c.currentDevice
	if dev == nil {
		dev = c.device
	}
	if dev == nil || c.serviceIndex < 0 {
		c.bus.mu.Unlock()
		return errcode.NotAttached
	}
	pkt.SetServiceIndex(c.serviceIndex)
	if err := pkt.SetDeviceIdentifier(dev.deviceID); err != nil {
		c.bus.mu.Unlock()
		return err
	}
	pkt.SetCommand(true)
	c.bus.mu.Unlock()
	return c.bus.SendWithAck(ctx, pkt, dev.deviceID)
}

// SendCmdPacked packs vals per fmt and submits the command.
func (c *Client) SendCmdPacked(cmd uint16, fmt string, vals ...int64) error {
	pkt, err := packet.Packed(cmd, fmt, vals...)
	if err != nil {
		return err
	}
	return c.SendCmd(pkt)
}

// handlePacketOuterLocked routes an inbound frame into the register caches,
// surfaces events, then calls the service hook.
func (c *Client) handlePacketOuterLocked(pkt *packet.Packet) {
	if pkt.IsRegGet() {
		if r := c.lookupRegisterLocked(pkt.RegCode()); r != nil {
			r.handlePacketLocked(pkt)
		}
	}
	if pkt.IsEvent() {
		c.Emit(EvEvent, pkt)
	}
	if c.Handler != nil {
		h := c.Handler
		c.bus.deferFn(func() { h(pkt) })
	}
}

// attachLocked binds the client to dev at idx; the role matcher may refuse.
func (c *Client) attachLocked(dev *Device, idx int) bool {
	if !c.broadcast {
		if c.device != nil {
			return false
		}
		if !dev.MatchesRoleAt(c.role, idx) {
			return false
		}
		c.device = dev
		c.serviceIndex = idx
		c.bus.removeUnattachedLocked(c)
	}
	c.bus.logf("attach %s/%d to client %q", dev.ShortID(), idx, c.role)
	dev.clients = append(dev.clients, c)
	c.Emit(EvConnected)
	return true
}

func (c *Client) detachLocked() {
	c.bus.logf("detach %q", c.role)
	c.serviceIndex = -1
	if !c.broadcast {
		c.device = nil
		c.bus.unattachedClients = append(c.bus.unattachedClients, c)
	}
	c.Emit(EvDisconnected)
}

// gcRegistersLocked expires entries with no report for staleRegisterMs,
// resuming any pending waiters with no data.
func (c *Client) gcRegistersLocked(now int64) {
	kept := c.registers[:0]
	for _, r := range c.registers {
		if r.staleLocked(now) {
			r.expireLocked()
			continue
		}
		kept = append(kept, r)
	}
	c.registers = kept
}
