// Package accel hosts and consumes the accelerometer service.
package accel

import (
	"context"

	"devicebus-go/bus"
	"devicebus-go/errcode"
	"devicebus-go/packet"
	"devicebus-go/x/binx"
	"devicebus-go/x/mathx"
)

const (
	// ServiceClass identifies the accelerometer service.
	ServiceClass = 0x1f140409

	// Events raised by tilt/gesture detection on richer parts.
	EvTiltUp   = 0x81
	EvTiltDown = 0x82
	EvShake    = 0x8b
)

// Sample is one reading in milli-g.
type Sample struct {
	X, Y, Z int16
}

// Source yields the current reading; the server polls it on demand and
// while streaming.
type Source func() Sample

// Server exposes a Source on the bus. Streaming follows the common
// streaming registers: a sample countdown and an interval.
type Server struct {
	bus.ServerBase

	source Source

	streamingSamples  int
	streamingInterval int64 // ms
	streaming         bool
}

// NewServer registers the service.
func NewServer(b *bus.Bus, instanceName string, source Source) *Server {
	s := &Server{source: source, streamingInterval: 100}
	b.AddServer(s, ServiceClass, instanceName)
	return s
}

// HandlePacket services the reading and streaming registers.
func (s *Server) HandlePacket(pkt *packet.Packet) {
	if pkt.IsRegGet() && pkt.RegCode() == packet.RegReading {
		s.sendReading(pkt.ServiceCommand())
		return
	}

	samples := s.HandleReg(pkt, packet.RegStreamingSamples, "B",
		[]int64{int64(s.streamingSamples)})
	s.streamingSamples = int(mathx.Clamp(samples[0], 0, 255))

	interval := s.HandleReg(pkt, packet.RegStreamingInterval, "I",
		[]int64{s.streamingInterval})
	s.streamingInterval = mathx.Clamp(interval[0], 10, 60_000)

	if s.StateUpdated() && s.streamingSamples > 0 && !s.streaming {
		s.streaming = true
		s.Bus().After(s.streamingInterval, s.streamTick)
	}
}

func (s *Server) streamTick() {
	if s.streamingSamples <= 0 {
		s.streaming = false
		return
	}
	s.streamingSamples--
	s.sendReading(uint16(packet.CmdGetReg | packet.RegReading))
	s.Bus().After(s.streamingInterval, s.streamTick)
}

func (s *Server) sendReading(cmd uint16) {
	v := s.source()
	_ = s.SendReportPacked(cmd, "3h", int64(v.X), int64(v.Y), int64(v.Z))
}

// Client is the consumer-side proxy.
type Client struct {
	*bus.Client
}

// NewClient registers a client bound by role.
func NewClient(b *bus.Bus, role string) *Client {
	return &Client{Client: bus.NewClient(b, ServiceClass, role)}
}

// Reading queries the reading register, refreshing when the cached value is
// older than refreshMs.
func (c *Client) Reading(ctx context.Context, refreshMs int64) (Sample, error) {
	data, err := c.Register(packet.RegReading).Query(ctx, refreshMs)
	if err != nil {
		return Sample{}, err
	}
	vals, err := binx.Unpack("3h", data)
	if err != nil || len(vals) != 3 {
		return Sample{}, errcode.MalformedFrame
	}
	return Sample{X: int16(vals[0]), Y: int16(vals[1]), Z: int16(vals[2])}, nil
}

// StartStreaming asks the attached device for count samples every
// intervalMs.
func (c *Client) StartStreaming(count int, intervalMs int64) error {
	if err := c.SendCmdPacked(uint16(packet.CmdSetReg|packet.RegStreamingInterval),
		"I", intervalMs); err != nil {
		return err
	}
	return c.SendCmdPacked(uint16(packet.CmdSetReg|packet.RegStreamingSamples),
		"B", int64(count))
}
