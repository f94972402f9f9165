package worker

import (
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/subbatch"
)

// batchSet is the per-chain collection of batches for one worker. A member
// lives in exactly one batch; new batches are created when every existing
// one is full. Not safe for concurrent use, callers hold the worker mutex.
type batchSet struct {
	chainID  chains.ID
	newBatch func(index int) *subbatch.Batch
	batches  []*subbatch.Batch
}

func newBatchSet(chainID chains.ID, newBatch func(index int) *subbatch.Batch) *batchSet {
	return &batchSet{chainID: chainID, newBatch: newBatch}
}

// findOrCreate returns a batch with spare capacity, growing the set when
// all are full.
func (s *batchSet) findOrCreate() *subbatch.Batch {
	for _, b := range s.batches {
		if b.HasCapacity() {
			return b
		}
	}
	b := s.newBatch(len(s.batches))
	s.batches = append(s.batches, b)
	return b
}

// find returns the batch holding a key, or nil.
func (s *batchSet) find(key string) *subbatch.Batch {
	for _, b := range s.batches {
		if b.HasMember(key) {
			return b
		}
	}
	return nil
}

func (s *batchSet) hasMember(key string) bool {
	return s.find(key) != nil
}

// addAll partitions members across batches, filling each before growing.
func (s *batchSet) addAll(members []subbatch.Member) error {
	for _, m := range members {
		if s.hasMember(m.Key) {
			continue
		}
		if err := s.findOrCreate().AddMember(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *batchSet) removeMember(key string) {
	if b := s.find(key); b != nil {
		b.RemoveMember(key)
	}
}

func (s *batchSet) members() []subbatch.Member {
	var out []subbatch.Member
	for _, b := range s.batches {
		out = append(out, b.Members()...)
	}
	return out
}

func (s *batchSet) memberCount() int {
	n := 0
	for _, b := range s.batches {
		n += b.MemberCount()
	}
	return n
}

func (s *batchSet) stats() []subbatch.Stats {
	out := make([]subbatch.Stats, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b.Stats())
	}
	return out
}

func (s *batchSet) stopAll() {
	for _, b := range s.batches {
		b.Stop()
	}
}
