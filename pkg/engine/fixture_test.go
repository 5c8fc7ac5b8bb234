package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/drivers"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
	"github.com/polisai/polis-dsp/pkg/schedule"
	"github.com/polisai/polis-dsp/pkg/storage"
)

const (
	compProbe domain.CompType = "probe"
	// 48 kHz stereo S32 over 1 ms.
	periodBytes = 384
)

var bg = context.Background()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// probeLog records driver calls in order.
type probeLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *probeLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *probeLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.calls
	l.calls = nil
	return out
}

// probe is a driver that records its calls and fails the operation named by
// its "fail" config key.
type probe struct {
	runtime.BaseOps
	dev  runtime.Device
	log  *probeLog
	fail string
}

func (p *probe) check(op string) error {
	if p.fail == op {
		return fmt.Errorf("probe %d: injected %s failure", p.dev.ID(), op)
	}
	return nil
}

func (p *probe) Params(*domain.StreamParams) error {
	p.log.add("params:%d", p.dev.ID())
	return p.check("params")
}

func (p *probe) Prepare() error {
	p.log.add("prepare:%d", p.dev.ID())
	return p.check("prepare")
}

func (p *probe) Trigger(cmd domain.TriggerCmd) error {
	p.log.add("trigger:%s:%d", cmd, p.dev.ID())
	return p.check("trigger")
}

func (p *probe) Copy() error {
	p.log.add("copy:%d", p.dev.ID())
	return p.check("copy")
}

func (p *probe) Reset() error {
	p.log.add("reset:%d", p.dev.ID())
	return p.check("reset")
}

type statusEvent struct {
	pipeline uint32
	status   domain.CompState
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []statusEvent
	xruns    []int32
}

func (o *recordingObserver) PipelineStatus(id uint32, s domain.CompState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, statusEvent{id, s})
}

func (o *recordingObserver) Xrun(_, _ uint32, bytes int32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.xruns = append(o.xruns, bytes)
}

type fixture struct {
	t        *testing.T
	e        *Engine
	clock    *fakeClock
	timer    *schedule.Scheduler
	dma      *schedule.Scheduler
	mailbox  *storage.MemoryMailbox
	notifier *storage.MemoryNotifier
	log      *probeLog
	observer *recordingObserver
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	log := &probeLog{}

	reg := NewRegistry()
	drivers.RegisterDefaults(reg)
	reg.Register(runtime.DriverFunc{Kind: compProbe, New: func(dev runtime.Device, desc domain.ComponentDescriptor) (runtime.Ops, error) {
		fail, _ := desc.Config["fail"].(string)
		return &probe{dev: dev, log: log, fail: fail}, nil
	}})

	f := &fixture{
		t:        t,
		clock:    clock,
		timer:    schedule.New(schedule.Config{Kind: schedule.KindTimer, Clock: clock.Now}),
		dma:      schedule.New(schedule.Config{Kind: schedule.KindDMA, Clock: clock.Now}),
		mailbox:  storage.NewMemoryMailbox(DefaultPositionSlots),
		notifier: storage.NewMemoryNotifier(0),
		log:      log,
		observer: &recordingObserver{},
	}
	cfg := Config{
		Drivers:        reg,
		TimerScheduler: f.timer,
		DMAScheduler:   f.dma,
		Mailbox:        f.mailbox,
		Notifier:       f.notifier,
		Clock:          clock.Now,
		Observer:       f.observer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.e = New(cfg)
	return f
}

func withoutRecovery(cfg *Config) { cfg.DisableXrunRecovery = true }

func (f *fixture) pipeline(id uint32, priority int, schedComp uint32) *Pipeline {
	f.t.Helper()
	p, err := f.e.NewPipeline(domain.PipelineDescriptor{
		ID: id, Priority: priority, PeriodUS: 1000, SchedCompID: schedComp,
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) comp(id, pipelineID uint32, typ domain.CompType, dir domain.Direction, cfg map[string]any) *Component {
	f.t.Helper()
	c, err := f.e.NewComponent(domain.ComponentDescriptor{
		ID: id, Type: typ, PipelineID: pipelineID, Direction: dir, Config: cfg,
	})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) link(id uint32, src, sink *Component) *Buffer {
	f.t.Helper()
	b, err := f.e.NewBuffer(domain.BufferDescriptor{ID: id, PipelineID: src.pipelineID, Size: 4 * periodBytes})
	require.NoError(f.t, err)
	require.NoError(f.t, f.e.Connect(src, b, CompToBuffer))
	require.NoError(f.t, f.e.Connect(sink, b, BufferToComp))
	return b
}

func (f *fixture) tick() int {
	return f.timer.Tick(f.clock.Now())
}

func (f *fixture) write(host *Component, data []byte) {
	f.t.Helper()
	out, err := f.e.Cmd(host, "write", map[string]any{"data": data})
	require.NoError(f.t, err)
	require.Equal(f.t, len(data), out["written"])
}

func (f *fixture) read(c *Component, n int) []byte {
	f.t.Helper()
	out, err := f.e.Cmd(c, "read", map[string]any{"bytes": n})
	require.NoError(f.t, err)
	return out["data"].([]byte)
}

func stereo32(dir domain.Direction) domain.StreamParams {
	return domain.StreamParams{Direction: dir, Rate: 48000, Channels: 2, FrameFmt: domain.FormatS32LE}
}

func ramp(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

// playbackChain is Host -> Volume -> DAI in pipeline 1.
type playbackChain struct {
	p               *Pipeline
	host, vol, dai  *Component
	hostBuf, daiBuf *Buffer
}

func (f *fixture) playbackChain(hostCfg map[string]any) playbackChain {
	f.t.Helper()
	var ch playbackChain
	ch.p = f.pipeline(1, 0, 0)
	ch.host = f.comp(1, 1, domain.CompHost, domain.DirectionPlayback, hostCfg)
	ch.vol = f.comp(2, 1, domain.CompVolume, domain.DirectionPlayback, nil)
	ch.dai = f.comp(3, 1, domain.CompDAI, domain.DirectionPlayback, nil)
	ch.hostBuf = f.link(10, ch.host, ch.vol)
	ch.daiBuf = f.link(11, ch.vol, ch.dai)
	require.NoError(f.t, f.e.Complete(bg, ch.p, ch.host, ch.dai))
	return ch
}

// start negotiates, prepares and starts the chain.
func (f *fixture) start(ch playbackChain) {
	f.t.Helper()
	require.NoError(f.t, f.e.Params(bg, ch.p, ch.host, stereo32(domain.DirectionPlayback)))
	require.NoError(f.t, f.e.Prepare(bg, ch.p, ch.host))
	require.NoError(f.t, f.e.Trigger(bg, ch.p, ch.host, domain.TriggerStart))
}
