package storage

import (
	"fmt"
	"sync"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// MemoryMailbox is an in-memory implementation of Mailbox.
type MemoryMailbox struct {
	mu      sync.RWMutex
	slots   int
	reports map[int]domain.PositionReport
}

// NewMemoryMailbox creates a mailbox with the given number of slots. A
// non-positive count leaves the region unbounded.
func NewMemoryMailbox(slots int) *MemoryMailbox {
	return &MemoryMailbox{
		slots:   slots,
		reports: make(map[int]domain.PositionReport),
	}
}

func (m *MemoryMailbox) check(slot int) error {
	if slot < 0 || (m.slots > 0 && slot >= m.slots) {
		return fmt.Errorf("%w: %d", ErrSlotRange, slot)
	}
	return nil
}

// WritePosition overwrites slot with report.
func (m *MemoryMailbox) WritePosition(slot int, report domain.PositionReport) error {
	if err := m.check(slot); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[slot] = report
	return nil
}

// ReadPosition returns the last report written to slot.
func (m *MemoryMailbox) ReadPosition(slot int) (domain.PositionReport, error) {
	if err := m.check(slot); err != nil {
		return domain.PositionReport{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	report, ok := m.reports[slot]
	if !ok {
		return domain.PositionReport{}, fmt.Errorf("%w: %d", ErrNotFound, slot)
	}
	return report, nil
}
