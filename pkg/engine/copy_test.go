package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dsp/pkg/domain"
)

func probeChain(f *fixture, dir domain.Direction) (*Pipeline, *Component, *Component) {
	f.t.Helper()
	p := f.pipeline(1, 0, 0)
	a := f.comp(1, 1, compProbe, dir, nil)
	b := f.comp(2, 1, compProbe, dir, nil)
	c := f.comp(3, 1, compProbe, dir, nil)
	f.link(10, a, b)
	f.link(11, b, c)
	require.NoError(f.t, f.e.Complete(bg, p, a, c))
	return p, a, c
}

func TestCopyOrder(t *testing.T) {
	for _, tc := range []struct {
		name string
		dir  domain.Direction
	}{
		{"playback", domain.DirectionPlayback},
		{"capture", domain.DirectionCapture},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			p, source, sink := probeChain(f, tc.dir)
			host := source
			if tc.dir == domain.DirectionCapture {
				host = sink
			}
			require.NoError(t, f.e.Prepare(bg, p, host))
			require.NoError(t, f.e.Trigger(bg, p, host, domain.TriggerStart))
			f.log.take()

			require.NoError(t, f.e.Copy(bg, p))
			assert.Equal(t, []string{"copy:1", "copy:2", "copy:3"}, f.log.take())
		})
	}
}

func TestCopySkipsInactiveComponents(t *testing.T) {
	f := newFixture(t)
	p, a, _ := probeChain(f, domain.DirectionPlayback)
	require.NoError(t, f.e.Prepare(bg, p, a))
	f.log.take()

	require.NoError(t, f.e.Copy(bg, p))
	assert.Empty(t, f.log.take())
}

func TestCopyBeforeComplete(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(1, 0, 0)
	assert.ErrorIs(t, f.e.Copy(bg, p), domain.ErrInvalidArgument)
}

func TestCopyDrivesSamplesThroughTask(t *testing.T) {
	f := newFixture(t)
	ch := f.playbackChain(nil)
	f.start(ch)
	require.NoError(t, f.e.SetAttribute(ch.vol, "gain", 0.0))

	f.write(ch.host, ramp(2*periodBytes))
	assert.Equal(t, 1, f.tick())
	f.clock.Advance(1e6)
	assert.Equal(t, 1, f.tick())

	assert.Equal(t, make([]byte, 2*periodBytes), f.read(ch.dai, 4*periodBytes))
	assert.Empty(t, f.notifier.Sent())
}

func TestHostPositionReports(t *testing.T) {
	f := newFixture(t)
	ch := f.playbackChain(nil)
	params := stereo32(domain.DirectionPlayback)
	params.HostPeriodBytes = 2 * periodBytes
	require.NoError(t, f.e.Params(bg, ch.p, ch.host, params))
	require.NoError(t, f.e.Prepare(bg, ch.p, ch.host))
	require.NoError(t, f.e.Trigger(bg, ch.p, ch.host, domain.TriggerStart))
	f.write(ch.host, ramp(4*periodBytes))

	assert.Equal(t, 1, f.tick())
	assert.Empty(t, f.notifier.Sent())

	f.clock.Advance(1e6)
	assert.Equal(t, 1, f.tick())
	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	report := sent[0].Report
	assert.Equal(t, domain.PositionUpdate, report.Kind)
	assert.Equal(t, ch.host.ID(), report.CompID)
	assert.Equal(t, uint64(2*periodBytes), report.HostPosn)
	assert.Equal(t, uint64(2*periodBytes), report.DaiPosn)
	assert.Equal(t, uint64(f.clock.Now().UnixNano()), report.Wallclock)
	assert.Equal(t, uint64(1_000_000), report.TimestampNs)
	assert.Equal(t, ch.p.ID(), sent[0].PipelineID)
	assert.NotEmpty(t, sent[0].ID)
}

func TestTimestampAndDAILookup(t *testing.T) {
	t.Run("same pipeline", func(t *testing.T) {
		f := newFixture(t)
		ch := f.playbackChain(nil)
		assert.Same(t, ch.dai, f.e.DAIComp(ch.p, domain.DirectionPlayback))

		report := f.e.Timestamp(ch.p, ch.host)
		assert.Equal(t, ch.host.ID(), report.CompID)
		assert.Zero(t, report.HostPosn)
	})

	t.Run("through mixer", func(t *testing.T) {
		f := newFixture(t)
		m := f.mixedTopology()
		assert.Same(t, m.dai, f.e.DAIComp(m.p1, domain.DirectionPlayback))
		assert.Same(t, m.dai, f.e.DAIComp(m.p2, domain.DirectionPlayback))
	})

	t.Run("capture", func(t *testing.T) {
		f := newFixture(t)
		up, down, _, _ := f.captureChains()
		dai := f.e.DAIComp(down, domain.DirectionCapture)
		require.NotNil(t, dai)
		assert.Equal(t, up.SourceComp(), dai)
	})

	t.Run("no dai", func(t *testing.T) {
		f := newFixture(t)
		p, _, _ := probeChain(f, domain.DirectionPlayback)
		assert.Nil(t, f.e.DAIComp(p, domain.DirectionPlayback))
	})
}
