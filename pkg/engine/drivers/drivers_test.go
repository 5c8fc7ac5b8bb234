package drivers

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

type fakeStream struct {
	id     uint32
	data   []byte
	cap    int
	active bool
}

func newFakeStream(id uint32, capacity int) *fakeStream {
	return &fakeStream{id: id, cap: capacity, active: true}
}

func (s *fakeStream) ID() uint32                  { return s.id }
func (s *fakeStream) Params() domain.StreamParams { return domain.StreamParams{} }
func (s *fakeStream) Avail() int                  { return len(s.data) }
func (s *fakeStream) Free() int                   { return s.cap - len(s.data) }
func (s *fakeStream) SourceActive() bool          { return s.active }

func (s *fakeStream) Write(p []byte) int {
	n := min(len(p), s.Free())
	s.data = append(s.data, p[:n]...)
	return n
}

func (s *fakeStream) Read(p []byte) int {
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n
}

type fakeDevice struct {
	id       uint32
	dir      domain.Direction
	periodUS uint32
	sources  []runtime.Stream
	sinks    []runtime.Stream
	xrun     int
	posn     int
}

func (d *fakeDevice) ID() uint32                  { return d.id }
func (d *fakeDevice) Type() domain.CompType       { return "fake" }
func (d *fakeDevice) Direction() domain.Direction { return d.dir }
func (d *fakeDevice) State() domain.CompState     { return domain.StateActive }
func (d *fakeDevice) PeriodUS() uint32            { return d.periodUS }
func (d *fakeDevice) Sources() []runtime.Stream   { return d.sources }
func (d *fakeDevice) Sinks() []runtime.Stream     { return d.sinks }
func (d *fakeDevice) FlagXrun(bytes int)          { d.xrun += bytes }
func (d *fakeDevice) FlagPosition()               { d.posn++ }
func (d *fakeDevice) Logger() *slog.Logger        { return slog.Default() }

// 48 kHz stereo S32 over 1 ms is 48 frames of 8 bytes.
const period = 384

func stereo32() domain.StreamParams {
	return domain.StreamParams{Rate: 48000, Channels: 2, FrameFmt: domain.FormatS32LE}
}

func ramp(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func start(t *testing.T, ops runtime.Ops, p domain.StreamParams) {
	t.Helper()
	require.NoError(t, ops.Params(&p))
	require.NoError(t, ops.Prepare())
	require.NoError(t, ops.Trigger(domain.TriggerStart))
}

type registry struct{ got map[string]runtime.Driver }

func (r *registry) Register(d runtime.Driver, aliases ...string) {
	r.got[string(d.Type())] = d
	for _, a := range aliases {
		r.got[a] = d
	}
}

func TestRegisterDefaults(t *testing.T) {
	r := &registry{got: map[string]runtime.Driver{}}
	RegisterDefaults(r)
	for _, name := range []string{"host", "dai", "volume", "mixer", "pga", "ssp", "mix"} {
		assert.Contains(t, r.got, name)
	}
	assert.Equal(t, domain.CompVolume, r.got["pga"].Type())
}

func TestHostPlaybackMovesOnePeriod(t *testing.T) {
	sink := newFakeStream(1, 4*period)
	dev := &fakeDevice{id: 1, dir: domain.DirectionPlayback, periodUS: 1000, sinks: []runtime.Stream{sink}}
	ops, err := NewHost(dev, domain.ComponentDescriptor{ID: 1})
	require.NoError(t, err)
	p := stereo32()
	p.HostPeriodBytes = period
	start(t, ops, p)

	data := ramp(2 * period)
	out, err := ops.Cmd("write", map[string]any{"data": data})
	require.NoError(t, err)
	assert.Equal(t, 2*period, out["written"])

	require.NoError(t, ops.Copy())
	assert.Equal(t, data[:period], sink.data)
	assert.Equal(t, uint64(period), ops.(runtime.PositionProvider).Position())
	assert.Equal(t, 1, dev.posn)
}

func TestHostIdleWhenStopped(t *testing.T) {
	sink := newFakeStream(1, 4*period)
	dev := &fakeDevice{id: 1, dir: domain.DirectionPlayback, periodUS: 1000, sinks: []runtime.Stream{sink}}
	ops, err := NewHost(dev, domain.ComponentDescriptor{ID: 1})
	require.NoError(t, err)
	start(t, ops, stereo32())
	_, err = ops.Cmd("write", map[string]any{"data": ramp(period)})
	require.NoError(t, err)
	require.NoError(t, ops.Trigger(domain.TriggerStop))

	require.NoError(t, ops.Copy())
	assert.Empty(t, sink.data)
}

func TestHostCapture(t *testing.T) {
	source := newFakeStream(1, 4*period)
	source.Write(ramp(period))
	dev := &fakeDevice{id: 1, dir: domain.DirectionCapture, periodUS: 1000, sources: []runtime.Stream{source}}
	ops, err := NewHost(dev, domain.ComponentDescriptor{ID: 1})
	require.NoError(t, err)
	start(t, ops, stereo32())

	require.NoError(t, ops.Copy())
	out, err := ops.Cmd("read", map[string]any{"bytes": 1024})
	require.NoError(t, err)
	assert.Equal(t, ramp(period), out["data"])
}

func TestHostTriggerBeforePrepare(t *testing.T) {
	ops, err := NewHost(&fakeDevice{id: 9}, domain.ComponentDescriptor{ID: 9})
	require.NoError(t, err)
	assert.ErrorIs(t, ops.Trigger(domain.TriggerStart), domain.ErrInvalidArgument)
	assert.ErrorIs(t, ops.Prepare(), domain.ErrInvalidArgument)
}

func TestDAIHWParams(t *testing.T) {
	ops, err := NewDAI(&fakeDevice{id: 2}, domain.ComponentDescriptor{ID: 2, Config: map[string]any{
		"rate": 44100, "channels": 2, "format": "s16_le",
	}})
	require.NoError(t, err)

	p := stereo32()
	require.NoError(t, ops.(runtime.HWParamsProvider).HWParams(&p))
	assert.Equal(t, uint32(44100), p.Rate)
	assert.Equal(t, domain.FormatS16LE, p.FrameFmt)

	mismatch := stereo32()
	assert.ErrorIs(t, ops.Params(&mismatch), domain.ErrConflict)
}

func TestDAIRejectsBadConfig(t *testing.T) {
	_, err := NewDAI(&fakeDevice{}, domain.ComponentDescriptor{Config: map[string]any{"format": "u8"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = NewDAI(&fakeDevice{}, domain.ComponentDescriptor{Config: map[string]any{"channels": 12}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDAIPlaybackUnderrun(t *testing.T) {
	source := newFakeStream(1, 4*period)
	source.Write(ramp(period / 2))
	dev := &fakeDevice{id: 2, dir: domain.DirectionPlayback, periodUS: 1000, sources: []runtime.Stream{source}}
	ops, err := NewDAI(dev, domain.ComponentDescriptor{ID: 2})
	require.NoError(t, err)
	start(t, ops, stereo32())

	require.NoError(t, ops.Copy())
	assert.Equal(t, period/2, dev.xrun)

	out, err := ops.Cmd("read", map[string]any{"bytes": period})
	require.NoError(t, err)
	assert.Equal(t, ramp(period/2), out["data"])
}

func TestDAIPlaybackNoXrunDetect(t *testing.T) {
	source := newFakeStream(1, 4*period)
	dev := &fakeDevice{id: 2, dir: domain.DirectionPlayback, periodUS: 1000, sources: []runtime.Stream{source}}
	ops, err := NewDAI(dev, domain.ComponentDescriptor{ID: 2, Config: map[string]any{"xrun_detect": false}})
	require.NoError(t, err)
	start(t, ops, stereo32())
	require.NoError(t, ops.Copy())
	assert.Zero(t, dev.xrun)
}

func TestDAICaptureOverrun(t *testing.T) {
	sink := newFakeStream(1, period/2)
	dev := &fakeDevice{id: 2, dir: domain.DirectionCapture, periodUS: 1000, sinks: []runtime.Stream{sink}}
	ops, err := NewDAI(dev, domain.ComponentDescriptor{ID: 2})
	require.NoError(t, err)
	start(t, ops, stereo32())
	_, err = ops.Cmd("write", map[string]any{"data": ramp(period)})
	require.NoError(t, err)

	require.NoError(t, ops.Copy())
	assert.Equal(t, period/2, dev.xrun)
	assert.Len(t, sink.data, period/2)
}

func s16(vals ...int16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestVolumePassthroughIsBitExact(t *testing.T) {
	source, sink := newFakeStream(1, 4*period), newFakeStream(2, 4*period)
	data := ramp(period)
	source.Write(data)
	dev := &fakeDevice{id: 3, periodUS: 1000, sources: []runtime.Stream{source}, sinks: []runtime.Stream{sink}}
	ops, err := NewVolume(dev, domain.ComponentDescriptor{ID: 3})
	require.NoError(t, err)
	start(t, ops, stereo32())

	require.NoError(t, ops.Copy())
	assert.True(t, bytes.Equal(data, sink.data))
}

func TestVolumeGainSaturates(t *testing.T) {
	p := domain.StreamParams{Rate: 4000, Channels: 1, FrameFmt: domain.FormatS16LE}
	source, sink := newFakeStream(1, 64), newFakeStream(2, 64)
	source.Write(s16(100, -100, 30000, -30000))
	dev := &fakeDevice{id: 3, periodUS: 1000, sources: []runtime.Stream{source}, sinks: []runtime.Stream{sink}}
	ops, err := NewVolume(dev, domain.ComponentDescriptor{ID: 3, Config: map[string]any{"gain": 2.0}})
	require.NoError(t, err)
	start(t, ops, p)

	require.NoError(t, ops.Copy())
	assert.Equal(t, s16(200, -200, 32767, -32768), sink.data)
}

func TestVolumeMuteAndAttributes(t *testing.T) {
	p := domain.StreamParams{Rate: 4000, Channels: 1, FrameFmt: domain.FormatS16LE}
	source, sink := newFakeStream(1, 64), newFakeStream(2, 64)
	source.Write(s16(1, 2, 3, 4))
	dev := &fakeDevice{id: 3, periodUS: 1000, sources: []runtime.Stream{source}, sinks: []runtime.Stream{sink}}
	ops, err := NewVolume(dev, domain.ComponentDescriptor{ID: 3})
	require.NoError(t, err)
	start(t, ops, p)

	_, err = ops.Cmd("mute", nil)
	require.NoError(t, err)
	require.NoError(t, ops.Copy())
	assert.Equal(t, s16(0, 0, 0, 0), sink.data)

	require.NoError(t, ops.SetAttribute("gain", "0.5"))
	g, err := ops.GetAttribute("gain")
	require.NoError(t, err)
	assert.Equal(t, 0.5, g)
	assert.ErrorIs(t, ops.SetAttribute("gain", -1.0), domain.ErrInvalidArgument)
	assert.ErrorIs(t, ops.SetAttribute("bass", 1), domain.ErrInvalidArgument)
}

func TestMixerSumsActiveSources(t *testing.T) {
	p := domain.StreamParams{Rate: 4000, Channels: 1, FrameFmt: domain.FormatS16LE}
	a, b, idle := newFakeStream(1, 64), newFakeStream(2, 64), newFakeStream(3, 64)
	a.Write(s16(1, 2, 3, 4))
	b.Write(s16(10, 20, 32767, -5))
	idle.active = false
	sink := newFakeStream(4, 64)
	dev := &fakeDevice{id: 5, periodUS: 1000, sources: []runtime.Stream{a, b, idle}, sinks: []runtime.Stream{sink}}
	ops, err := NewMixer(dev, domain.ComponentDescriptor{ID: 5})
	require.NoError(t, err)
	start(t, ops, p)

	require.NoError(t, ops.Copy())
	assert.Equal(t, s16(11, 22, 32767, -1), sink.data)
}

func TestMixerWaitsForSlowestSource(t *testing.T) {
	p := domain.StreamParams{Rate: 4000, Channels: 1, FrameFmt: domain.FormatS16LE}
	a, b := newFakeStream(1, 64), newFakeStream(2, 64)
	a.Write(s16(1, 2, 3, 4))
	b.Write(s16(1))
	sink := newFakeStream(4, 64)
	dev := &fakeDevice{id: 5, periodUS: 1000, sources: []runtime.Stream{a, b}, sinks: []runtime.Stream{sink}}
	ops, err := NewMixer(dev, domain.ComponentDescriptor{ID: 5})
	require.NoError(t, err)
	start(t, ops, p)

	require.NoError(t, ops.Copy())
	assert.Equal(t, s16(2), sink.data)
	assert.Equal(t, 6, a.Avail())
}

func TestSampleRoundTrip(t *testing.T) {
	for _, f := range []domain.FrameFormat{domain.FormatS16LE, domain.FormatS24LE, domain.FormatS32LE, domain.FormatFloat32} {
		buf := make([]byte, 4*f.SampleBytes())
		encode(buf, []float64{-3, -1, 0, 5}, f)
		assert.Equal(t, []float64{-3, -1, 0, 5}, decode(nil, buf, f), string(f))
	}
}
