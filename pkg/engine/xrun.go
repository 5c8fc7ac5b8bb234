package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/storage"
	"github.com/polisai/polis-dsp/pkg/telemetry"
)

var errRecoveryDisabled = errors.New("xrun recovery disabled")

// ReportXrun stops p after an under/overrun detected on dev and notifies
// every host endpoint reachable from dev. Further reports are suppressed
// until the pipeline recovers.
func (e *Engine) ReportXrun(p *Pipeline, dev *Component, bytes int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reportXrun(p, dev, bytes)
}

func (e *Engine) reportXrun(p *Pipeline, dev *Component, bytes int32) {
	if p.XrunBytes() != 0 || dev.State() != domain.StateActive || bytes == 0 {
		return
	}

	e.logger.Warn("pipeline xrun", "pipeline_id", p.id, "comp_id", dev.id, "bytes", bytes)
	if err := e.trigger(p, p.sourceComp, domain.TriggerXrun); err != nil {
		e.logger.Error("xrun trigger failed", "pipeline_id", p.id, "error", err)
	}

	p.msg = domain.PositionReport{
		Kind:       domain.PositionXrun,
		CompID:     dev.id,
		XrunCompID: dev.id,
		XrunSize:   bytes,
	}
	p.xrunBytes.Store(bytes)

	hostward := dirOf(dev.direction).opposite()
	w := walker{
		dir: hostward,
		enter: func(c *Component, _ *Buffer) (verdict, error) {
			if c.typ != domain.CompHost {
				return descend, nil
			}
			report := e.timestamp(p, c)
			report.Kind = domain.PositionXrun
			report.XrunCompID = dev.id
			report.XrunSize = bytes
			e.publish(p, report)
			return prune, nil
		},
	}
	// enter never fails
	_ = w.run(dev)

	if e.observer != nil {
		e.observer.Xrun(p.id, dev.id, bytes)
	}
	telemetry.RecordXrun(context.Background(), telemetry.XrunMetrics{
		PipelineID: p.id,
		CompID:     dev.id,
		Bytes:      int64(bytes),
	})
}

// xrunRecover re-prepares p from its host end and restarts it.
func (e *Engine) xrunRecover(p *Pipeline) error {
	if !e.xrunRecovery {
		return errRecoveryDisabled
	}
	host := p.hostEnd()
	if host == nil {
		return fmt.Errorf("%w: pipeline %d has no host endpoint", domain.ErrInvalidArgument, p.id)
	}
	if err := e.prepare(p, host); err != nil {
		return err
	}
	p.xrunBytes.Store(0)
	if err := e.trigger(p, host, domain.TriggerStart); err != nil {
		return err
	}
	e.logger.Info("pipeline recovered from xrun", "pipeline_id", p.id)
	return nil
}

// xrunHandleTrigger applies a host trigger to a pipeline stopped by an
// XRUN. done reports that the command needs no further propagation.
func (e *Engine) xrunHandleTrigger(p *Pipeline, cmd domain.TriggerCmd) (bool, error) {
	switch cmd {
	case domain.TriggerStart:
		host := p.hostEnd()
		if err := e.prepare(p, host); err != nil {
			return true, err
		}
		p.xrunBytes.Store(0)
		return false, nil
	case domain.TriggerStop, domain.TriggerPause, domain.TriggerXrun:
		if p.task != nil {
			p.sched.Cancel(p.task)
		}
		p.setStatus(domain.StatePaused)
		return true, nil
	default:
		return false, nil
	}
}

// sendPosition answers a position request raised by host component c.
func (e *Engine) sendPosition(p *Pipeline, c *Component) {
	report := e.timestamp(p, c)
	report.Kind = domain.PositionUpdate
	e.publish(p, report)
}

func (e *Engine) publish(p *Pipeline, report domain.PositionReport) {
	p.msg = report
	if err := e.mailbox.WritePosition(p.posnSlot, report); err != nil {
		e.logger.Warn("mailbox write failed", "pipeline_id", p.id, "slot", p.posnSlot, "error", err)
		return
	}
	err := e.notifier.Notify(context.Background(), storage.Notification{
		PipelineID: p.id,
		Slot:       p.posnSlot,
		Report:     report,
		Time:       e.clock(),
	})
	if err != nil {
		e.logger.Warn("position notification failed", "pipeline_id", p.id, "error", err)
	}
}
