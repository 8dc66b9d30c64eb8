package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// memSequenceStore is an in-memory SequenceStore.
type memSequenceStore struct {
	mu      sync.Mutex
	ceiling uint64
	writes  int
	fail    bool
}

func (m *memSequenceStore) LoadSequenceCeiling() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ceiling, nil
}

func (m *memSequenceStore) StoreSequenceCeiling(c uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return errors.New("disk full")
	}

	m.ceiling = c
	m.writes++

	return nil
}

func TestSequencerStrictlyIncreasing(t *testing.T) {
	s, _ := NewSequencer(nil, 0)

	var last uint64
	for i := 0; i < 100; i++ {
		seq, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}

		if seq <= last {
			t.Fatalf("sequence %d not greater than %d", seq, last)
		}
		last = seq
	}

	if s.Last() != last {
		t.Errorf("Last() = %d, want %d", s.Last(), last)
	}
}

func TestSequencerConcurrentUnique(t *testing.T) {
	s, _ := NewSequencer(&memSequenceStore{}, 8)

	const workers, perWorker = 8, 200

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq, err := s.Next()
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}

				mu.Lock()
				if seen[seq] {
					t.Errorf("sequence %d allocated twice", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("allocated %d sequences, want %d", len(seen), workers*perWorker)
	}
}

func TestSequencerResumesAfterRestart(t *testing.T) {
	store := &memSequenceStore{}

	s1, _ := NewSequencer(store, 10)
	var last uint64
	for i := 0; i < 3; i++ {
		last, _ = s1.Next()
	}

	s2, err := NewSequencer(store, 10)
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}

	next, _ := s2.Next()
	if next <= last {
		t.Errorf("restarted sequencer reused %d (last before restart %d)", next, last)
	}

	if store.writes != 2 {
		t.Errorf("expected one reservation per sequencer, got %d writes", store.writes)
	}
}

func TestSequencerStoreFailure(t *testing.T) {
	s, _ := NewSequencer(&memSequenceStore{fail: true}, 4)

	if _, err := s.Next(); err == nil {
		t.Error("Next should fail when the reservation cannot be persisted")
	}
}

func TestSequenceNotReusedAfterAbort(t *testing.T) {
	failing := &ScriptedVoteSource{}
	c := newTestCoordinator(t, 4, 1, failing, nil)
	payload, digest := testPayload(t)

	first := c.Run(context.Background(), digest, payload)
	second := c.Run(context.Background(), digest, payload)

	if first.Phase != PhaseAborted {
		t.Fatalf("expected first round to abort, got %s", first.Phase)
	}

	if second.Sequence <= first.Sequence {
		t.Errorf("sequence reused after abort: %d then %d", first.Sequence, second.Sequence)
	}

	if c.LastSequence() != second.Sequence {
		t.Errorf("LastSequence = %d, want %d", c.LastSequence(), second.Sequence)
	}
}

func TestSigningBytesBindPhase(t *testing.T) {
	_, digest := testPayload(t)

	prepare := SigningBytes(VotePrepare, 0, 1, digest)
	commit := SigningBytes(VoteCommit, 0, 1, digest)
	other := SigningBytes(VotePrepare, 0, 2, digest)

	if string(prepare) == string(commit) || string(prepare) == string(other) {
		t.Error("signing bytes must differ across phase and sequence")
	}

	if len(prepare) != 32 {
		t.Errorf("signing bytes length %d, want 32", len(prepare))
	}
}
