package engine

import (
	"fmt"
	"sync"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// PositionTable hands out the mailbox slots pipelines write their position
// reports to.
type PositionTable struct {
	mu   sync.Mutex
	used []bool
}

// NewPositionTable creates a table with the given number of slots.
func NewPositionTable(slots int) *PositionTable {
	return &PositionTable{used: make([]bool, slots)}
}

// Reserve returns the first free slot.
func (t *PositionTable) Reserve() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, used := range t.used {
		if !used {
			t.used[i] = true
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no free position slot", domain.ErrNoMemory)
}

// Release frees slot. Out of range slots are ignored.
func (t *PositionTable) Release(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot >= 0 && slot < len(t.used) {
		t.used[slot] = false
	}
}

// InUse returns the number of reserved slots.
func (t *PositionTable) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, used := range t.used {
		if used {
			n++
		}
	}
	return n
}
