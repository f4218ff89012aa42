// Package oracle defines the randomness oracle the lottery commits to and
// two implementations of it: a BLS beacon that reveals after a fixed delay
// and a manual oracle whose values are revealed by an operator.
package oracle

import (
	"errors"
	"sync"

	"github.com/google/logger"
	"github.com/google/uuid"

	"tokenlottery/internal/clock"
)

var ErrUnknownCommitment = errors.New("oracle: unknown commitment")

// Commitment is an oracle request. CommitSlot is the slot at which the
// oracle fixed the request; its value was unknown to everyone at that time.
type Commitment struct {
	Ref        string
	CommitSlot uint64
}

// Oracle is polled, never awaited: RevealedValue reports ok=false until the
// value for ref exists.
type Oracle interface {
	RequestCommitment() (Commitment, error)
	RevealedValue(ref string) (value uint64, ok bool, err error)
}

// Manual is an oracle whose values are supplied through Reveal.
type Manual struct {
	mu      sync.Mutex
	clock   clock.Clock
	commits map[string]uint64
	values  map[string]uint64
}

func NewManual(clk clock.Clock) *Manual {
	return &Manual{
		clock:   clk,
		commits: make(map[string]uint64),
		values:  make(map[string]uint64),
	}
}

func (m *Manual) RequestCommitment() (Commitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Commitment{Ref: uuid.NewString(), CommitSlot: m.clock.Slot()}
	m.commits[c.Ref] = c.CommitSlot
	logger.Infof("oracle: manual commitment %s at slot %d", c.Ref, c.CommitSlot)
	return c, nil
}

// Reveal publishes value for ref. A value is revealed at most once.
func (m *Manual) Reveal(ref string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commits[ref]; !ok {
		return ErrUnknownCommitment
	}
	if _, ok := m.values[ref]; ok {
		return errors.New("oracle: value already revealed")
	}
	m.values[ref] = value
	return nil
}

func (m *Manual) RevealedValue(ref string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commits[ref]; !ok {
		return 0, false, ErrUnknownCommitment
	}
	v, ok := m.values[ref]
	return v, ok, nil
}

// Pending lists refs that have not been revealed yet.
func (m *Manual) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []string
	for ref := range m.commits {
		if _, ok := m.values[ref]; !ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
