package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// mixedTopology is two host pipelines feeding a mixer pipeline that ends on
// a DAI. Pipeline 1 shares the DAI as scheduling component; pipeline 2 is
// scheduled on its own.
type mixedTopology struct {
	p1, p2, p3    *Pipeline
	host1, host2  *Component
	mixer, dai    *Component
	in1, in2, out *Buffer
}

func (f *fixture) mixedTopology() mixedTopology {
	f.t.Helper()
	var m mixedTopology
	m.p1 = f.pipeline(1, 0, 4)
	m.p2 = f.pipeline(2, 0, 0)
	m.p3 = f.pipeline(3, 0, 0)
	m.host1 = f.comp(1, 1, domain.CompHost, domain.DirectionPlayback, nil)
	m.host2 = f.comp(2, 2, domain.CompHost, domain.DirectionPlayback, nil)
	m.mixer = f.comp(3, 3, domain.CompMixer, domain.DirectionPlayback, nil)
	m.dai = f.comp(4, 3, domain.CompDAI, domain.DirectionPlayback, nil)
	m.in1 = f.link(10, m.host1, m.mixer)
	m.in2 = f.link(11, m.host2, m.mixer)
	m.out = f.link(12, m.mixer, m.dai)
	require.NoError(f.t, f.e.Complete(bg, m.p3, m.mixer, m.dai))
	require.NoError(f.t, f.e.Complete(bg, m.p1, m.host1, m.host1))
	require.NoError(f.t, f.e.Complete(bg, m.p2, m.host2, m.host2))
	return m
}

func TestGroupStartSchedulesSharedPipelinesTogether(t *testing.T) {
	f := newFixture(t)
	m := f.mixedTopology()
	assert.Same(t, m.dai, m.p1.SchedComp())
	assert.Same(t, m.dai, m.p3.SchedComp())
	assert.Same(t, m.host2, m.p2.SchedComp())

	require.NoError(t, f.e.Params(bg, m.p1, m.host1, stereo32(domain.DirectionPlayback)))
	require.NoError(t, f.e.Prepare(bg, m.p1, m.host1))
	assert.Equal(t, domain.StatePrepare, m.mixer.State(), "prepare crosses into the mixer pipeline")

	require.NoError(t, f.e.Trigger(bg, m.p1, m.host1, domain.TriggerStart))
	for _, p := range []*Pipeline{m.p1, m.p3} {
		assert.Equal(t, domain.StateActive, p.Status())
		assert.True(t, p.TaskScheduled())
	}
	assert.Equal(t, domain.StateReady, m.p2.Status())
	assert.Equal(t, domain.StateReady, m.host2.State())
	assert.Equal(t, 2, f.timer.Active())

	require.NoError(t, f.e.Trigger(bg, m.p1, m.host1, domain.TriggerStop))
	for _, p := range []*Pipeline{m.p1, m.p3} {
		assert.Equal(t, domain.StatePaused, p.Status())
		assert.False(t, p.TaskScheduled())
	}
}

func TestGroupStartFailureCommitsNothing(t *testing.T) {
	f := newFixture(t)
	m := f.mixedTopology()
	require.NoError(t, f.e.Params(bg, m.p1, m.host1, stereo32(domain.DirectionPlayback)))
	require.NoError(t, f.e.Prepare(bg, m.p1, m.host1))

	// the DAI lost its prepared state behind the engine's back
	m.dai.setState(domain.StateReady)

	err := f.e.Trigger(bg, m.p1, m.host1, domain.TriggerStart)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, domain.StatePrepare, m.p1.Status())
	assert.Equal(t, domain.StateReady, m.p3.Status())
	assert.False(t, m.p1.TaskScheduled())
	assert.False(t, m.p3.TaskScheduled())
	assert.Equal(t, 0, f.timer.Active())
}

func TestTriggerDriverFailureAborts(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(1, 0, 0)
	a := f.comp(1, 1, compProbe, domain.DirectionPlayback, nil)
	b := f.comp(2, 1, compProbe, domain.DirectionPlayback, map[string]any{"fail": "trigger"})
	f.link(10, a, b)
	require.NoError(t, f.e.Complete(bg, p, a, b))
	require.NoError(t, f.e.Prepare(bg, p, a))

	err := f.e.Trigger(bg, p, a, domain.TriggerStart)
	require.Error(t, err)
	assert.Equal(t, domain.CodeComponent, domain.CodeFor(err))
	assert.Equal(t, domain.StateActive, a.State(), "no rollback")
	assert.Equal(t, domain.StatePrepare, b.State())
	assert.Equal(t, domain.StatePrepare, p.Status())
	assert.False(t, p.TaskScheduled())
}

func TestTriggerAlreadyInStatePrunesBranch(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(1, 0, 0)
	a := f.comp(1, 1, compProbe, domain.DirectionPlayback, nil)
	b := f.comp(2, 1, compProbe, domain.DirectionPlayback, nil)
	c := f.comp(3, 1, compProbe, domain.DirectionPlayback, nil)
	f.link(10, a, b)
	f.link(11, b, c)
	require.NoError(t, f.e.Complete(bg, p, a, c))
	require.NoError(t, f.e.Prepare(bg, p, a))
	f.log.take()

	b.setState(domain.StateActive)
	require.NoError(t, f.e.Trigger(bg, p, a, domain.TriggerStart))
	assert.Equal(t, []string{"trigger:start:1"}, f.log.take())
	assert.Equal(t, domain.StatePrepare, c.State())
	// the sched component was never reached
	assert.Equal(t, domain.StatePrepare, p.Status())
}

func TestTriggerRejectsUnsupportedCommands(t *testing.T) {
	f := newFixture(t)
	ch := f.playbackChain(nil)
	assert.ErrorIs(t, f.e.Trigger(bg, ch.p, ch.host, domain.TriggerPrepare), domain.ErrInvalidArgument)
	assert.ErrorIs(t, f.e.Trigger(bg, ch.p, ch.host, domain.TriggerStart), domain.ErrInvalidArgument,
		"start from READY")
}

// captureChains builds an upstream DAI pipeline (priority 5) whose output
// feeds a capture pipeline without DAI of its own (priority 0).
func (f *fixture) captureChains() (up, down *Pipeline, upSink, host *Component) {
	f.t.Helper()
	up = f.pipeline(1, 5, 0)
	down = f.pipeline(2, 0, 0)
	dai := f.comp(1, 1, domain.CompDAI, domain.DirectionCapture, nil)
	upSink = f.comp(2, 1, domain.CompVolume, domain.DirectionCapture, nil)
	src := f.comp(3, 2, compProbe, domain.DirectionCapture, nil)
	host = f.comp(4, 2, domain.CompHost, domain.DirectionCapture, nil)
	f.link(10, dai, upSink)
	f.link(11, upSink, src)
	f.link(12, src, host)
	require.NoError(f.t, f.e.Complete(bg, up, dai, upSink))
	require.NoError(f.t, f.e.Complete(bg, down, src, host))
	require.NoError(f.t, f.e.Params(bg, down, host, stereo32(domain.DirectionCapture)))
	require.NoError(f.t, f.e.Prepare(bg, down, host))
	return up, down, upSink, host
}

func TestCaptureStartReportsNoDataFromIdleUpstream(t *testing.T) {
	f := newFixture(t)
	up, down, upSink, host := f.captureChains()
	assert.Equal(t, domain.StateReady, upSink.State(), "prepare stops at the node endpoint")

	err := f.e.Trigger(bg, down, host, domain.TriggerStart)
	require.ErrorIs(t, err, domain.ErrNoData)
	assert.Equal(t, domain.StatePrepare, down.Status())
	assert.False(t, down.TaskScheduled())
	assert.Equal(t, domain.StateReady, up.Status())
}

func TestCaptureStartWithActiveUpstream(t *testing.T) {
	f := newFixture(t)
	_, down, upSink, host := f.captureChains()
	upSink.setState(domain.StateActive)

	require.NoError(t, f.e.Trigger(bg, down, host, domain.TriggerStart))
	assert.Equal(t, domain.StateActive, down.Status())
}

func TestXrunPausesPipelineAndNotifiesOnce(t *testing.T) {
	f := newFixture(t, withoutRecovery)
	ch := f.playbackChain(nil)
	f.start(ch)
	require.True(t, ch.p.TaskScheduled())

	f.e.ReportXrun(ch.p, ch.dai, 128)

	assert.Equal(t, domain.StatePaused, ch.p.Status())
	assert.False(t, ch.p.TaskScheduled())
	assert.Equal(t, int32(128), ch.p.XrunBytes())

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.PositionXrun, sent[0].Report.Kind)
	assert.Equal(t, int32(128), sent[0].Report.XrunSize)
	assert.Equal(t, ch.dai.ID(), sent[0].Report.XrunCompID)
	assert.Equal(t, ch.host.ID(), sent[0].Report.CompID)
	assert.Equal(t, ch.p.PositionSlot(), sent[0].Slot)

	stored, err := f.mailbox.ReadPosition(ch.p.PositionSlot())
	require.NoError(t, err)
	assert.Equal(t, sent[0].Report, stored)

	f.e.ReportXrun(ch.p, ch.dai, 64)
	assert.Len(t, f.notifier.Sent(), 1, "flood suppressed")
	assert.Equal(t, []int32{128}, f.observer.xruns)
}

func TestXrunIgnoredOnIdleComponent(t *testing.T) {
	f := newFixture(t)
	ch := f.playbackChain(nil)
	f.e.ReportXrun(ch.p, ch.dai, 128)
	assert.Zero(t, ch.p.XrunBytes())
	assert.Empty(t, f.notifier.Sent())
}

func TestTriggerAfterXrun(t *testing.T) {
	f := newFixture(t, withoutRecovery)
	ch := f.playbackChain(nil)
	f.start(ch)
	f.e.ReportXrun(ch.p, ch.dai, 128)

	require.NoError(t, f.e.Trigger(bg, ch.p, ch.host, domain.TriggerStop))
	assert.Equal(t, domain.StatePaused, ch.p.Status())
	assert.Equal(t, int32(128), ch.p.XrunBytes(), "stop after xrun is a no-op")

	require.NoError(t, f.e.Trigger(bg, ch.p, ch.host, domain.TriggerStart))
	assert.Equal(t, domain.StateActive, ch.p.Status())
	assert.Zero(t, ch.p.XrunBytes())
	assert.True(t, ch.p.TaskScheduled())
}

func TestTaskRecoversFromUnderrun(t *testing.T) {
	f := newFixture(t)
	ch := f.playbackChain(nil)
	f.start(ch)
	f.write(ch.host, ramp(periodBytes))

	assert.Equal(t, 1, f.tick())
	assert.Empty(t, f.notifier.Sent())

	// nothing left to play: the DAI underruns
	f.clock.Advance(1e6)
	assert.Equal(t, 1, f.tick())
	assert.Equal(t, domain.StatePaused, ch.p.Status())
	assert.Equal(t, int32(periodBytes), ch.p.XrunBytes())
	assert.True(t, ch.p.TaskScheduled(), "task kept for recovery")
	require.Len(t, f.notifier.Sent(), 1)

	f.write(ch.host, ramp(periodBytes))
	f.clock.Advance(1e6)
	assert.Equal(t, 1, f.tick())
	assert.Equal(t, domain.StateActive, ch.p.Status())
	assert.Zero(t, ch.p.XrunBytes())
	assert.True(t, ch.p.TaskScheduled())

	f.clock.Advance(1e6)
	assert.Equal(t, 1, f.tick())
	assert.Equal(t, domain.StateActive, ch.p.Status())
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestTaskStopsWhenRecoveryDisabled(t *testing.T) {
	f := newFixture(t, withoutRecovery)
	ch := f.playbackChain(nil)
	f.start(ch)

	assert.Equal(t, 1, f.tick())
	assert.Equal(t, domain.StatePaused, ch.p.Status())
	assert.False(t, ch.p.TaskScheduled())

	f.clock.Advance(1e6)
	assert.Equal(t, 0, f.tick())
}

func TestCopyFailureStopsPipelineWithoutRecovery(t *testing.T) {
	f := newFixture(t, withoutRecovery)
	p := f.pipeline(1, 0, 0)
	a := f.comp(1, 1, compProbe, domain.DirectionPlayback, nil)
	b := f.comp(2, 1, compProbe, domain.DirectionPlayback, map[string]any{"fail": "copy"})
	f.link(10, a, b)
	require.NoError(t, f.e.Complete(bg, p, a, b))
	require.NoError(t, f.e.Prepare(bg, p, a))
	require.NoError(t, f.e.Trigger(bg, p, a, domain.TriggerStart))

	assert.Equal(t, 1, f.tick())
	assert.NotEqual(t, domain.StateActive, p.Status())
	assert.False(t, p.TaskScheduled())
}

func TestXrunOnMixerPipelineRelocatesToHost(t *testing.T) {
	f := newFixture(t, withoutRecovery)
	m := f.mixedTopology()
	require.NoError(t, f.e.Params(bg, m.p1, m.host1, stereo32(domain.DirectionPlayback)))
	require.NoError(t, f.e.Prepare(bg, m.p1, m.host1))
	require.NoError(t, f.e.Trigger(bg, m.p1, m.host1, domain.TriggerStart))

	f.e.ReportXrun(m.p3, m.dai, 32)

	for _, p := range []*Pipeline{m.p1, m.p3} {
		assert.Equal(t, domain.StatePaused, p.Status())
		assert.False(t, p.TaskScheduled())
	}
	assert.Equal(t, domain.StateReady, m.host1.State())

	// every host feeding the mixer hears about it
	var hosts []uint32
	for _, n := range f.notifier.Sent() {
		assert.Equal(t, int32(32), n.Report.XrunSize)
		assert.Equal(t, m.dai.ID(), n.Report.XrunCompID)
		hosts = append(hosts, n.Report.CompID)
	}
	assert.ElementsMatch(t, []uint32{m.host1.ID(), m.host2.ID()}, hosts)
}

func TestXrunOnMixerPipelineRecoversWholeGroup(t *testing.T) {
	f := newFixture(t)
	m := f.mixedTopology()
	require.NoError(t, f.e.Params(bg, m.p1, m.host1, stereo32(domain.DirectionPlayback)))
	require.NoError(t, f.e.Prepare(bg, m.p1, m.host1))
	require.NoError(t, f.e.Trigger(bg, m.p1, m.host1, domain.TriggerStart))

	f.e.ReportXrun(m.p3, m.dai, 128)
	assert.Equal(t, int32(1), m.p1.XrunBytes(), "linked pipeline marked for recovery")
	assert.Equal(t, int32(128), m.p3.XrunBytes())
	for _, p := range []*Pipeline{m.p1, m.p3} {
		assert.Equal(t, domain.StatePaused, p.Status())
		assert.True(t, p.TaskScheduled(), "task kept for recovery")
	}

	// the host pipeline restarts the group; the mixer pipeline only re-arms
	assert.Equal(t, 2, f.tick())
	for _, p := range []*Pipeline{m.p1, m.p3} {
		assert.Equal(t, domain.StateActive, p.Status())
		assert.Zero(t, p.XrunBytes())
		assert.True(t, p.TaskScheduled())
	}
	for _, c := range []*Component{m.host1, m.mixer, m.dai} {
		assert.Equal(t, domain.StateActive, c.State())
	}
	assert.Equal(t, domain.StateReady, m.host2.State())

	f.write(m.host1, ramp(periodBytes))
	f.clock.Advance(1e6)
	assert.Equal(t, 2, f.tick())
	for _, p := range []*Pipeline{m.p1, m.p3} {
		assert.Equal(t, domain.StateActive, p.Status())
	}
	assert.Len(t, f.read(m.dai, periodBytes), periodBytes, "audio reaches the DAI again")

	xruns := 0
	for _, n := range f.notifier.Sent() {
		if n.Report.Kind == domain.PositionXrun {
			xruns++
		}
	}
	assert.Equal(t, 2, xruns, "no further xrun after recovery")
	assert.Equal(t, []int32{128}, f.observer.xruns)
}
