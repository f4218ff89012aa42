package clock

import (
	"sync"
	"time"
)

// Clock reports the current ledger slot. Slots increase monotonically and
// every window or deadline check in the lottery is expressed in slots.
type Clock interface {
	Slot() uint64
}

// Wall derives slots from wall time: slot n begins at Genesis + n*SlotDuration.
type Wall struct {
	Genesis      time.Time
	SlotDuration time.Duration
}

// NewWall creates a Wall clock. A non-positive slot duration falls back to
// 400ms, the slot time of the ledger the lottery was first deployed on.
func NewWall(genesis time.Time, slotDuration time.Duration) *Wall {
	if slotDuration <= 0 {
		slotDuration = 400 * time.Millisecond
	}
	return &Wall{Genesis: genesis, SlotDuration: slotDuration}
}

// Slot returns the slot containing time.Now. Times before genesis map to 0.
func (w *Wall) Slot() uint64 {
	elapsed := time.Since(w.Genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / w.SlotDuration)
}

// Fake is a manually driven clock for tests and simulations.
type Fake struct {
	mu   sync.Mutex
	slot uint64
}

// NewFake returns a Fake clock positioned at slot.
func NewFake(slot uint64) *Fake {
	return &Fake{slot: slot}
}

func (f *Fake) Slot() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot
}

// Set moves the clock to slot. Moving backwards panics: ledger time never
// rewinds and a test doing so is broken.
func (f *Fake) Set(slot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot < f.slot {
		panic("clock: Fake.Set moved backwards")
	}
	f.slot = slot
}

// Advance moves the clock forward by n slots and returns the new slot.
func (f *Fake) Advance(n uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slot += n
	return f.slot
}
