package consensus

import (
	"fmt"
	"sync"
)

// defaultReserveBlock is how many sequence numbers are reserved per store write.
const defaultReserveBlock = 1024

// SequenceStore persists the sequence ceiling: every number below it may
// already have been handed out.
type SequenceStore interface {
	LoadSequenceCeiling() (uint64, error)
	StoreSequenceCeiling(ceiling uint64) error
}

// Sequencer hands out strictly increasing sequence numbers, never reusing
// one, including across restarts when backed by a store.
// It is safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	next    uint64        // next is the number handed out by the next call
	ceiling uint64        // ceiling is the exclusive bound of the persisted reservation
	block   uint64        // block is the reservation size
	store   SequenceStore // store is nil for a purely in-memory sequencer
}

// NewSequencer creates a sequencer resuming after the stored ceiling.
// A nil store keeps the counter in memory only.
func NewSequencer(store SequenceStore, block uint64) (*Sequencer, error) {
	if block == 0 {
		block = defaultReserveBlock
	}

	s := &Sequencer{next: 1, block: block, store: store}

	if store == nil {
		return s, nil
	}

	ceiling, err := store.LoadSequenceCeiling()
	if err != nil {
		return nil, fmt.Errorf("load sequence ceiling:\n%w", err)
	}

	if ceiling > s.next {
		s.next = ceiling
	}
	s.ceiling = s.next

	return s, nil
}

// Next returns a fresh sequence number.
func (s *Sequencer) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil && s.next >= s.ceiling {
		ceiling := s.next + s.block
		if err := s.store.StoreSequenceCeiling(ceiling); err != nil {
			return 0, fmt.Errorf("reserve sequences:\n%w", err)
		}
		s.ceiling = ceiling
	}

	seq := s.next
	s.next++

	return seq, nil
}

// Last returns the most recently allocated number, or 0 if none.
func (s *Sequencer) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next - 1
}
