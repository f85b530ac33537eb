package packet

// Frame geometry.
const (
	HeaderSize     = 16
	MaxPayloadSize = 236
	MaxFrameSize   = HeaderSize + MaxPayloadSize
)

// Service index space.
const (
	ServiceIndexMask    = 0x3f
	serviceIndexInvMask = 0xc0

	ServiceIndexCtrl   = 0x00
	ServiceIndexPipe   = 0x3e
	ServiceIndexCRCAck = 0x3f
)

// Frame flags (header[3]).
const (
	FlagCommand                  = 0x01
	FlagAckRequested             = 0x02
	FlagIdentifierIsServiceClass = 0x04
)

// service_command encoding.
const (
	CmdGetReg   = 0x1000
	CmdSetReg   = 0x2000
	CmdTypeMask = 0xf000
	CmdRegMask  = 0x0fff

	CmdEventMask        = 0x8000
	CmdEventCodeMask    = 0xff
	CmdEventCounterMask = 0x7f
	CmdEventCounterPos  = 8
)

// Registers 0x001-0x07f - r/w common to all services
// Registers 0x080-0x0ff - r/w defined per-service
// Registers 0x100-0x17f - r/o common to all services
// Registers 0x180-0x1ff - r/o defined per-service
// Registers 0x200-0xeff - custom, defined per-service
// Registers 0xf00-0xfff - reserved for implementation, should not be on the wire
const (
	RegIntensity                  = 0x1
	RegValue                      = 0x2
	RegStreamingSamples           = 0x3
	RegStreamingInterval          = 0x4
	RegInactiveThreshold          = 0x5
	RegActiveThreshold            = 0x6
	RegMaxPower                   = 0x7
	RegReading                    = 0x101
	RegStreamingPreferredInterval = 0x102
	RegStatusCode                 = 0x103
	RegMinReading                 = 0x104
	RegMaxReading                 = 0x105
	RegReadingError               = 0x106
	RegVariant                    = 0x107
	RegReadingResolution          = 0x108
	RegInstanceName               = 0x109
	RegMinValue                   = 0x110
	RegMaxValue                   = 0x111
)

// Common service commands and events.
const (
	CmdAnnounce  = 0x0
	CmdCalibrate = 0x2

	EvActive            = 0x1
	EvInactive          = 0x2
	EvChange            = 0x3
	EvStatusCodeChanged = 0x4
	EvNeutral           = 0x7
)

// Common status codes (high u16 of the status-code register).
const (
	StatusReady             = 0x0
	StatusInitializing      = 0x1
	StatusCalibrating       = 0x2
	StatusSleeping          = 0x3
	StatusWaitingForInput   = 0x4
	StatusCalibrationNeeded = 0x64
)

// Control service (class 0, service index 0).
const (
	ServiceClassCtrl = 0x0

	AnnounceRestartCounterSteady = 0xf
	AnnounceStatusLightNone      = 0x0
	AnnounceStatusLightMono      = 0x10
	AnnounceStatusLightRGBNoFade = 0x20
	AnnounceStatusLightRGBFade   = 0x30
	AnnounceSupportsAck          = 0x100
	AnnounceSupportsBroadcast    = 0x200
	AnnounceSupportsFrames       = 0x400
	AnnounceIsClient             = 0x800

	CtrlCmdServices       = 0x0
	CtrlCmdNoop           = 0x80
	CtrlCmdIdentify       = 0x81
	CtrlCmdReset          = 0x82
	CtrlCmdFloodPing      = 0x83
	CtrlCmdSetStatusLight = 0x84

	CtrlRegResetIn                 = 0x80
	CtrlRegDeviceDescription       = 0x180
	CtrlRegFirmwareIdentifier      = 0x181
	CtrlRegMcuTemperature          = 0x182
	CtrlRegBootloaderFirmwareIdent = 0x184
	CtrlRegFirmwareVersion         = 0x185
	CtrlRegUptime                  = 0x186
	CtrlRegDeviceURL               = 0x187
	CtrlRegFirmwareURL             = 0x188
	CtrlRegDeviceSpecificationURL  = 0x189
)
