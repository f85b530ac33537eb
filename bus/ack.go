package bus

import (
	"context"

	"devicebus-go/errcode"
	"devicebus-go/packet"
)

const (
	ackRetries = 4
	ackDelayMs = 40

	ackSweepMinMs  = 20
	ackSweepSpanMs = 31 // sweep wakes every 20..50 ms
)

// ackAwaiter tracks one command awaiting a CRC acknowledgment.
// nextRetry > 0: pending; == 0: acknowledged; == -1: given up.
type ackAwaiter struct {
	pkt       *packet.Packet
	destID    string
	crc       uint16
	numTries  int
	nextRetry int64
	done      chan bool
}

// SendWithAck transmits pkt as an ACK-requesting command to destID and
// blocks until the acknowledgment arrives or the retransmit budget runs
// out. The linear backoff with jittered sweeps avoids synchronized retries
// across peers while capping total latency around 400 ms.
func (b *Bus) SendWithAck(ctx context.Context, pkt *packet.Packet, destID string) error {
	b.mu.Lock()
	pkt.SetRequiresAck(true)
	if err := pkt.SetDeviceIdentifier(destID); err != nil {
		b.mu.Unlock()
		return err
	}
	pkt.SetCommand(true)
	if err := b.sendCoreLocked(pkt); err != nil {
		b.mu.Unlock()
		return err
	}
	aw := &ackAwaiter{
		pkt:       pkt,
		destID:    destID,
		crc:       pkt.CRC(),
		numTries:  1,
		nextRetry: b.clock.NowMs() + ackDelayMs,
		done:      make(chan bool, 1),
	}
	b.ackAwaiters = append(b.ackAwaiters, aw)
	b.scheduleAckSweepLocked()
	b.mu.Unlock()
	b.drainDeferred()

	select {
	case ok := <-aw.done:
		if !ok {
			return errcode.AckTimeout
		}
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.dropAwaiterLocked(aw)
		b.mu.Unlock()
		return ctx.Err()
	}
}

func (b *Bus) scheduleAckSweepLocked() {
	if b.ackSweepArmed || len(b.ackAwaiters) == 0 {
		return
	}
	b.ackSweepArmed = true
	delay := int64(ackSweepMinMs + b.rng.Intn(ackSweepSpanMs))
	b.afterLocked(delay, b.sweepAckAwaitersLocked)
}

// sweepAckAwaitersLocked retries every due awaiter, failing those that have
// exhausted the budget, then purges settled entries.
func (b *Bus) sweepAckAwaitersLocked() {
	b.ackSweepArmed = false
	now := b.clock.NowMs()
	for _, a := range b.ackAwaiters {
		if a.nextRetry <= 0 || now <= a.nextRetry {
			continue
		}
		if a.numTries >= ackRetries {
			a.nextRetry = -1
			b.stats.AckFailures.Add(1)
			a.done <- false
		} else {
			a.numTries++
			a.nextRetry = now + int64(a.numTries)*ackDelayMs
			b.stats.AckRetries.Add(1)
			_ = b.sendCoreLocked(a.pkt)
		}
	}
	kept := b.ackAwaiters[:0]
	for _, a := range b.ackAwaiters {
		if a.nextRetry > 0 {
			kept = append(kept, a)
		}
	}
	b.ackAwaiters = kept
	b.scheduleAckSweepLocked()
}

// gotAckLocked resolves every awaiter matching the acked CRC and sender.
func (b *Bus) gotAckLocked(pkt *packet.Packet) {
	srcID := pkt.DeviceIdentifier()
	crc := pkt.ServiceCommand()
	matched := false
	for _, a := range b.ackAwaiters {
		if a.crc == crc && a.destID == srcID && a.nextRetry > 0 {
			a.nextRetry = 0
			matched = true
			a.done <- true
		}
	}
	if !matched {
		return
	}
	kept := b.ackAwaiters[:0]
	for _, a := range b.ackAwaiters {
		if a.nextRetry != 0 {
			kept = append(kept, a)
		}
	}
	b.ackAwaiters = kept
}

func (b *Bus) dropAwaiterLocked(aw *ackAwaiter) {
	for i, a := range b.ackAwaiters {
		if a == aw {
			b.ackAwaiters = append(b.ackAwaiters[:i], b.ackAwaiters[i+1:]...)
			return
		}
	}
}
