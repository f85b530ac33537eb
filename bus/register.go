package bus

import (
	"context"

	"devicebus-go/emitter"
	"devicebus-go/errcode"
	"devicebus-go/packet"
)

// Refresh cadence: the first re-send follows the query by 20 ms, the second
// by a further 50 ms, and the final check for a report by another 100 ms
// (sends at 0, 20 and 70 ms; verdict at 170 ms). Three sends absorb a
// single drop on a noisy half-duplex line without user-visible latency in
// the common case.
const (
	refreshDelay1Ms = 20
	refreshDelay2Ms = 50
	refreshDelay3Ms = 100

	staleRegisterMs = 10_000
)

// RawRegister is one client-side register cache entry: the last reported
// value and its timestamps, plus the refresh machinery pending queries
// suspend on.
type RawRegister struct {
	emitter.Emitter

	client *Client
	code   int

	data         []byte // nil until the first report
	lastQueryMs  int64
	lastReportMs int64

	refreshGen uint64 // invalidates in-flight re-send chains
}

func newRawRegister(c *Client, code int) *RawRegister {
	r := &RawRegister{client: c, code: code}
	r.SetExecutor(c.bus.deferFn)
	return r
}

func (r *RawRegister) Code() int { return r.code }

// Current returns the cached value when the last report is within
// refreshMs, nil otherwise.
func (r *RawRegister) Current(refreshMs int64) []byte {
	r.client.bus.mu.Lock()
	defer r.client.bus.mu.Unlock()
	return r.currentLocked(refreshMs)
}

func (r *RawRegister) currentLocked(refreshMs int64) []byte {
	if r.data != nil && r.lastReportMs+refreshMs >= r.client.bus.clock.NowMs() {
		return r.data
	}
	return nil
}

func (r *RawRegister) queryLocked() {
	pkt := packet.OnlyHeader(uint16(packet.CmdGetReg | r.code))
	r.lastQueryMs = r.client.bus.clock.NowMs()
	r.client.sendCmdLocked(pkt)
}

// Refresh sends a register get now and schedules the progressively delayed
// re-sends. If no report lands by the final check the entry is emptied and
// a change event with no data unblocks pending waiters.
func (r *RawRegister) Refresh() {
	b := r.client.bus
	b.mu.Lock()
	r.refreshLocked()
	b.mu.Unlock()
	b.drainDeferred()
}

func (r *RawRegister) refreshLocked() {
	b := r.client.bus
	prev := &r.data
	prevData := r.data
	r.refreshGen++
	gen := r.refreshGen

	unchanged := func() bool {
		return gen == r.refreshGen && sameSlice(*prev, prevData)
	}

	finalCheck := func() {
		if unchanged() {
			// still no data; emit change so queries can time out
			r.data = nil
			r.Emit(EvChange, []byte(nil))
		}
	}
	secondRefresh := func() {
		if unchanged() {
			r.queryLocked()
			b.afterLocked(refreshDelay3Ms, finalCheck)
		}
	}
	firstRefresh := func() {
		if unchanged() {
			r.queryLocked()
			b.afterLocked(refreshDelay2Ms, secondRefresh)
		}
	}

	r.queryLocked()
	b.afterLocked(refreshDelay1Ms, firstRefresh)
}

// Query returns the cached value when fresh, otherwise refreshes and
// suspends until the change event. Surfaces reg_timeout when the refresh
// exhausts without a report. The change subscription is taken before the
// refresh goes out so a fast report cannot slip past the waiter.
func (r *RawRegister) Query(ctx context.Context, refreshMs int64) ([]byte, error) {
	b := r.client.bus
	ch := make(chan []byte, 1)
	fn := func(args ...any) {
		var data []byte
		if len(args) > 0 {
			data, _ = args[0].([]byte)
		}
		select {
		case ch <- data:
		default:
		}
	}

	b.mu.Lock()
	if cur := r.currentLocked(refreshMs); cur != nil {
		b.mu.Unlock()
		return cur, nil
	}
	sub := r.Once(EvChange, fn)
	r.refreshLocked()
	b.mu.Unlock()
	b.drainDeferred()

	select {
	case data := <-ch:
		if data == nil {
			return nil, &errcode.E{C: errcode.RegTimeout, Op: "register.query",
				Msg: "register " + itoa(r.code) + " unread"}
		}
		return data, nil
	case <-ctx.Done():
		_ = sub.Cancel()
		return nil, ctx.Err()
	}
}

func (r *RawRegister) handlePacketLocked(pkt *packet.Packet) {
	if pkt.IsRegGet() && pkt.RegCode() == r.code {
		r.data = append([]byte(nil), pkt.Data()...)
		r.lastReportMs = r.client.bus.clock.NowMs()
		r.Emit(EvChange, r.data)
	}
}

func (r *RawRegister) staleLocked(now int64) bool {
	last := r.lastReportMs
	if r.lastQueryMs > last {
		last = r.lastQueryMs
	}
	return last != 0 && now-last > staleRegisterMs
}

func (r *RawRegister) expireLocked() {
	r.refreshGen++
	r.data = nil
	r.Emit(EvChange, []byte(nil))
}

func sameSlice(a, b []byte) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}
