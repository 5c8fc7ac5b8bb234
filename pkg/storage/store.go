// Package storage provides the host-visible mailbox the engine writes stream
// position reports to, and the notification channel announcing them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// ErrNotFound is returned when a mailbox slot has never been written.
var ErrNotFound = errors.New("position slot not written")

// ErrSlotRange is returned for a slot outside the mailbox stream region.
var ErrSlotRange = errors.New("position slot out of range")

// Mailbox exposes the stream region of the host mailbox, one report per slot.
type Mailbox interface {
	WritePosition(slot int, report domain.PositionReport) error
	ReadPosition(slot int) (domain.PositionReport, error)
}

// Notification announces a freshly written mailbox slot to the host.
type Notification struct {
	ID         string
	PipelineID uint32
	Slot       int
	Report     domain.PositionReport
	Time       time.Time
}

// Notifier delivers notifications asynchronously. Notify never blocks on a
// slow receiver.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
