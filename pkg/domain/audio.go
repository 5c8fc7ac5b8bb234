package domain

import "fmt"

// CompState is the lifecycle state of a component or pipeline. The numeric
// order matters: every state above StateReady holds runtime resources.
type CompState int

const (
	StateInit CompState = iota
	StateReady
	StateSuspend
	StatePrepare
	StatePaused
	StateActive
)

func (s CompState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateSuspend:
		return "suspend"
	case StatePrepare:
		return "prepare"
	case StatePaused:
		return "paused"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Direction is the stream direction of a component.
type Direction int

const (
	DirectionPlayback Direction = iota
	DirectionCapture
)

func (d Direction) String() string {
	if d == DirectionCapture {
		return "capture"
	}
	return "playback"
}

// Opposite returns the reverse stream direction.
func (d Direction) Opposite() Direction {
	if d == DirectionPlayback {
		return DirectionCapture
	}
	return DirectionPlayback
}

// ParseDirection accepts "playback" or "capture".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "playback", "":
		return DirectionPlayback, nil
	case "capture":
		return DirectionCapture, nil
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidArgument, s)
	}
}

// TriggerCmd is a state transition command applied to components.
type TriggerCmd int

const (
	TriggerStop TriggerCmd = iota
	TriggerStart
	TriggerPause
	TriggerRelease
	TriggerXrun
	// TriggerPrepare and TriggerReset are issued by the engine itself.
	TriggerPrepare
	TriggerReset
)

func (c TriggerCmd) String() string {
	switch c {
	case TriggerStop:
		return "stop"
	case TriggerStart:
		return "start"
	case TriggerPause:
		return "pause"
	case TriggerRelease:
		return "release"
	case TriggerXrun:
		return "xrun"
	case TriggerPrepare:
		return "prepare"
	case TriggerReset:
		return "reset"
	default:
		return fmt.Sprintf("cmd(%d)", int(c))
	}
}

// ParseTriggerCmd accepts the host-visible command names.
func ParseTriggerCmd(s string) (TriggerCmd, error) {
	switch s {
	case "stop":
		return TriggerStop, nil
	case "start":
		return TriggerStart, nil
	case "pause":
		return TriggerPause, nil
	case "release":
		return TriggerRelease, nil
	case "xrun":
		return TriggerXrun, nil
	default:
		return 0, fmt.Errorf("%w: unknown trigger command %q", ErrInvalidArgument, s)
	}
}

// CompType identifies a component driver.
type CompType string

const (
	CompHost   CompType = "host"
	CompDAI    CompType = "dai"
	CompVolume CompType = "volume"
	CompMixer  CompType = "mixer"
)

// EndpointType classifies a pipeline extremity for the propagation stop rules.
type EndpointType int

const (
	EndpointNode EndpointType = iota
	EndpointHost
	EndpointDAI
)

// EndpointOf returns the endpoint class of a component type.
func EndpointOf(t CompType) EndpointType {
	switch t {
	case CompHost:
		return EndpointHost
	case CompDAI:
		return EndpointDAI
	default:
		return EndpointNode
	}
}

// TimeDomain selects the scheduler class driving a pipeline task.
type TimeDomain string

const (
	TimeDomainTimer TimeDomain = "timer"
	TimeDomainDMA   TimeDomain = "dma"
)

// FrameFormat is the sample container format.
type FrameFormat string

const (
	FormatS16LE   FrameFormat = "s16_le"
	FormatS24LE   FrameFormat = "s24_4le"
	FormatS32LE   FrameFormat = "s32_le"
	FormatFloat32 FrameFormat = "float"
)

// SampleBytes returns the container size of one sample, 0 for unknown formats.
func (f FrameFormat) SampleBytes() int {
	switch f {
	case FormatS16LE:
		return 2
	case FormatS24LE, FormatS32LE, FormatFloat32:
		return 4
	default:
		return 0
	}
}

// BufferFormat is the sample layout inside a buffer.
type BufferFormat string

const (
	BufferInterleaved    BufferFormat = "interleaved"
	BufferNonInterleaved BufferFormat = "non_interleaved"
)

// MaxChannels bounds the channel map.
const MaxChannels = 8

// StreamParams are the negotiated stream parameters.
type StreamParams struct {
	Direction       Direction
	Rate            uint32
	Channels        uint16
	FrameFmt        FrameFormat
	BufferFmt       BufferFormat
	HostPeriodBytes uint32
	StreamTag       uint32
	Chmap           [MaxChannels]uint8
}

// FrameBytes returns the size of one frame.
func (p StreamParams) FrameBytes() int {
	return p.FrameFmt.SampleBytes() * int(p.Channels)
}

// PeriodBytes returns the bytes moved per period of the given length.
func (p StreamParams) PeriodBytes(periodUS uint32) int {
	frames := uint64(p.Rate) * uint64(periodUS) / 1_000_000
	return int(frames) * p.FrameBytes()
}

// Validate rejects parameters no component can negotiate.
func (p StreamParams) Validate() error {
	if p.Rate == 0 {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidArgument)
	}
	if p.Channels == 0 || p.Channels > MaxChannels {
		return fmt.Errorf("%w: channels %d out of range", ErrInvalidArgument, p.Channels)
	}
	if p.FrameFmt.SampleBytes() == 0 {
		return fmt.Errorf("%w: unknown frame format %q", ErrInvalidArgument, p.FrameFmt)
	}
	return nil
}

// DefaultChmap fills a linear channel map for the configured channel count.
func (p *StreamParams) DefaultChmap() {
	for i := range p.Chmap {
		if i < int(p.Channels) {
			p.Chmap[i] = uint8(i)
		} else {
			p.Chmap[i] = 0
		}
	}
}

// PositionKind distinguishes position reports from XRUN notifications.
type PositionKind string

const (
	PositionUpdate PositionKind = "position"
	PositionXrun   PositionKind = "xrun"
)

// PositionReport is the host-visible stream position message.
type PositionReport struct {
	Kind        PositionKind
	CompID      uint32
	HostPosn    uint64
	DaiPosn     uint64
	Wallclock   uint64
	TimestampNs uint64
	XrunCompID  uint32
	XrunSize    int32
}
