// selftest wires two buses back to back over an in-memory pipe and checks
// discovery, attachment, register round-trips, events and ACKs end to end.
package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"devicebus-go/bus"
	"devicebus-go/packet"
	"devicebus-go/services/accel"
	"devicebus-go/transport"
)

func main() {
	log := logrus.New()
	failed := 0

	check := func(name string, err error) {
		if err != nil {
			log.WithError(err).Errorf("FAIL %s", name)
			failed++
		} else {
			log.Infof("ok   %s", name)
		}
	}

	trA, trB := transport.Pipe(
		[8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		[8]byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18},
	)

	// B hosts an accelerometer; A consumes it.
	busA := bus.New(trA, bus.Options{})
	busB := bus.New(trB, bus.Options{})

	sample := accel.Sample{X: 120, Y: -64, Z: 1000}
	accel.NewServer(busB, "imu", func() accel.Sample { return sample })
	client := accel.NewClient(busA, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go busA.Run(ctx)
	go busB.Run(ctx)

	// discovery: A must see B's announce
	err := waitFor(ctx, 3*time.Second, func() bool {
		return busA.LookupDevice(busB.SelfDevice().DeviceID()) != nil
	})
	check("discovery", err)

	// attachment
	err = waitFor(ctx, 3*time.Second, client.Attached)
	check("attach", err)

	// register round-trip
	qctx, qcancel := context.WithTimeout(ctx, 2*time.Second)
	got, err := client.Reading(qctx, 500)
	qcancel()
	check("register query", err)
	if err == nil && got != sample {
		log.Errorf("FAIL register value: got %+v want %+v", got, sample)
		failed++
	}

	// event delivery
	evCtx, evCancel := context.WithTimeout(ctx, 2*time.Second)
	evDone := make(chan error, 1)
	go func() {
		_, err := client.Await(evCtx, bus.EvEvent)
		evDone <- err
	}()
	time.Sleep(50 * time.Millisecond)
	for _, srv := range busB.Servers() {
		if srv.Base().ServiceClass() == accel.ServiceClass {
			_ = srv.Base().SendEvent(packet.EvChange, nil)
		}
	}
	err = <-evDone
	evCancel()
	check("event delivery", err)

	// ACK round-trip
	ackCtx, ackCancel := context.WithTimeout(ctx, 2*time.Second)
	pkt := packet.OnlyHeader(packet.CtrlCmdNoop)
	pkt.SetServiceIndex(packet.ServiceIndexCtrl)
	err = busA.SendWithAck(ackCtx, pkt, busB.SelfDevice().DeviceID())
	ackCancel()
	check("ack round-trip", err)

	if failed > 0 {
		log.Errorf("%d checks failed", failed)
		os.Exit(1)
	}
	log.Info("all checks passed")
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return context.DeadlineExceeded
}
