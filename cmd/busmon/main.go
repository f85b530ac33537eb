// busmon is an interactive monitor for a bus segment: it joins the wire,
// tracks announces, and pokes devices from a small command prompt.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"devicebus-go/bus"
	"devicebus-go/busmetrics"
	"devicebus-go/packet"
	"devicebus-go/trace"
	"devicebus-go/transport"
	"devicebus-go/x/binx"
)

var knownServices = map[uint32]string{
	0x00000000: "control",
	0x1d90e1c5: "aggregator",
	0x1f140409: "accelerometer",
	0x1473a263: "button",
}

func main() {
	var (
		port        = flag.String("port", "", "serial port device (empty = standalone loopback)")
		baud        = flag.Int("baud", 1_000_000, "serial baud rate")
		metricsAddr = flag.String("metrics", "", "serve prometheus metrics on this address")
		traceFile   = flag.String("trace", "", "capture frames to this CBOR file")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var tr transport.Transport
	if *port == "" {
		tr = transport.Standalone([8]byte{0xb5, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
		log.Info("no port given; running standalone (loopback only)")
	} else {
		s, err := transport.OpenSerial(*port, *baud)
		if err != nil {
			log.WithError(err).Fatal("open serial port")
		}
		defer s.Close()
		tr = s
	}

	b := bus.New(tr, bus.Options{
		Logf: log.Debugf,
	})

	var capture *trace.Writer
	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			log.WithError(err).Fatal("create trace file")
		}
		defer f.Close()
		capture = trace.NewWriter(f)
		log.WithField("session", capture.Session()).Info("capturing frames")
		selfID := b.SelfDevice().DeviceID()
		b.On(bus.EvPacketProcess, func(args ...any) {
			pkt, ok := args[0].(*packet.Packet)
			if !ok {
				return
			}
			dir := trace.DirRx
			if pkt.DeviceIdentifier() == selfID {
				dir = trace.DirTx
			}
			if err := capture.Record(dir, pkt.Timestamp, pkt.ToBytes()); err != nil {
				log.WithError(err).Warn("trace write failed")
			}
		})
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(busmetrics.NewCollector("devicebus_", nil, b))
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", *metricsAddr).Info("serving metrics")
	}

	b.On(bus.EvDeviceConnect, func(args ...any) {
		if d, ok := args[0].(*bus.Device); ok {
			log.WithField("device", d.ShortID()).Info("device connected")
		}
	})
	b.On(bus.EvRestart, func(args ...any) {
		log.Info("device restart detected")
	})
	b.On(bus.EvIdentify, func(args ...any) {
		log.Info("identify requested")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	repl(log, b)
}

func repl(log *logrus.Logger, b *bus.Bus) {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("busmon ready; try: devices | services <id> | identify <id> | reset <id> | query <id> <reg> | quit")
	for {
		fmt.Print("> ")
		if !in.Scan() {
			return
		}
		args, err := shlex.Split(in.Text())
		if err != nil {
			log.WithError(err).Warn("bad command line")
			continue
		}
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "quit", "exit":
			return
		case "devices":
			printDevices(b)
		case "services":
			if d := findDevice(b, arg(args, 1)); d != nil {
				printServices(d)
			} else {
				fmt.Println("no such device")
			}
		case "identify":
			if d := findDevice(b, arg(args, 1)); d != nil {
				if err := d.SendCtrlCommand(packet.CtrlCmdIdentify, nil); err != nil {
					log.WithError(err).Warn("identify failed")
				}
			}
		case "reset":
			if d := findDevice(b, arg(args, 1)); d != nil {
				if err := d.SendCtrlCommand(packet.CtrlCmdReset, nil); err != nil {
					log.WithError(err).Warn("reset failed")
				}
			}
		case "query":
			queryReg(log, b, arg(args, 1), arg(args, 2))
		default:
			fmt.Println("unknown command:", args[0])
		}
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func findDevice(b *bus.Bus, key string) *bus.Device {
	for _, d := range b.Devices() {
		if d.ShortID() == key || d.DeviceID() == key {
			return d
		}
	}
	return nil
}

func printDevices(b *bus.Bus) {
	self := b.SelfDevice()
	now := b.NowMs()
	for _, d := range b.Devices() {
		tag := ""
		if d == self {
			tag = " <self>"
		}
		fmt.Printf("%s  %s  services=%d  seen=%dms ago%s\n",
			d.ShortID(), d.DeviceID(), d.NumServiceClasses(), now-d.LastSeen(), tag)
	}
}

func printServices(d *bus.Device) {
	for i := 0; i < d.NumServiceClasses(); i++ {
		class, _ := d.ServiceClassAt(i)
		name := knownServices[class]
		if name == "" {
			name = "?"
		}
		fmt.Printf("  [%d] 0x%08x %s\n", i, class, name)
	}
}

func queryReg(log *logrus.Logger, b *bus.Bus, key, regStr string) {
	d := findDevice(b, key)
	if d == nil {
		fmt.Println("no such device")
		return
	}
	regStr = strings.TrimPrefix(regStr, "0x")
	reg, err := strconv.ParseUint(regStr, 16, 12)
	if err != nil {
		fmt.Println("bad register number")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := d.CtrlClient().Register(int(reg)).Query(ctx, 500)
	if err != nil {
		log.WithError(err).Warn("query failed")
		return
	}
	fmt.Printf("reg 0x%03x = %s\n", reg, binx.ToHex(data))
}
