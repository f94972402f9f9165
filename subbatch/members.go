package subbatch

import (
	"context"
	"fmt"
)

// AddMember adds a member and re-establishes the subscription so the new
// filter takes effect. Adding a key that is already present updates its
// metadata and leaves the connection alone. An empty stopped batch is
// started again.
func (b *Batch) AddMember(m Member) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.members[m.Key]; exists {
		b.members[m.Key] = m
		return nil
	}
	if len(b.members) >= b.opts.MaxMembers {
		return fmt.Errorf("%w: %d members", ErrCapacityExceeded, len(b.members))
	}

	b.members[m.Key] = m

	switch b.state {
	case Connected, Connecting, Reconnecting:
		b.reconnectLocked()
	case Idle, Stopped:
		if b.runCtx != nil {
			b.stopped = false
			b.reconnectAttempts = 0
			if err := b.connectLocked(); err != nil {
				b.log.Warn(fmt.Sprintf("subbatch: chain %d batch %d start on add failed: %v", b.chainID, b.batchIndex, err))
			}
		}
	}
	return nil
}

// RemoveMember removes a member and reconnects with the narrowed filter.
// Removing the last member stops the batch entirely. Removing an absent
// key is a no-op.
func (b *Batch) RemoveMember(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.members[key]; !exists {
		return
	}
	delete(b.members, key)
	delete(b.bufferingMembers, key)

	if len(b.members) == 0 {
		b.stopLocked()
		return
	}
	switch b.state {
	case Connected, Connecting, Reconnecting:
		b.reconnectLocked()
	}
}

func (b *Batch) HasMember(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.members[key]
	return ok
}

func (b *Batch) HasCapacity() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members) < b.opts.MaxMembers
}

func (b *Batch) MemberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// Members returns a snapshot of the current member set.
func (b *Batch) Members() []Member {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Member, 0, len(b.members))
	for _, m := range b.members {
		out = append(out, m)
	}
	return out
}

// State reports the connection state.
func (b *Batch) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetBlockObserver installs the best-effort block number callback.
func (b *Batch) SetBlockObserver(cb BlockObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockObserver = cb
}

// EnableBuffering holds all streamed events for the whole batch in arrival
// order instead of publishing them. Used while a catch-up scan runs so the
// scan's output lands first.
func (b *Batch) EnableBuffering() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffering = true
}

// FlushBufferAndDisableBuffering publishes everything buffered since
// EnableBuffering, in arrival order, then resumes direct publishing.
// Publish failures are logged and do not stop the flush.
func (b *Batch) FlushBufferAndDisableBuffering(ctx context.Context) {
	// hold the lock for the whole drain so events streaming in during the
	// flush queue up behind the buffered ones instead of jumping ahead
	b.mu.Lock()
	defer b.mu.Unlock()

	buffered := b.globalBuf
	b.globalBuf = nil
	b.buffering = false
	b.publishedCount += uint64(len(buffered))

	for _, lg := range buffered {
		if err := b.publish(ctx, lg); err != nil {
			b.log.Warn(fmt.Sprintf("subbatch: chain %d batch %d flush publish failed for tx %s idx %d: %v",
				b.chainID, b.batchIndex, lg.TxHash.Hex(), lg.Index, err))
		}
	}
}

// EnableBufferingForMember holds events for one member only, keyed the
// same way the live filter keys them. Events for other members keep
// flowing. Used for the single-position catch-up on position.created.
func (b *Batch) EnableBufferingForMember(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bufferingMembers[key]; !ok {
		b.bufferingMembers[key] = nil
	}
}

// FlushMemberBufferAndDisableBuffering drains one member's buffer in
// arrival order and resumes direct publishing for it.
func (b *Batch) FlushMemberBufferAndDisableBuffering(ctx context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buffered, ok := b.bufferingMembers[key]
	if !ok {
		return
	}
	delete(b.bufferingMembers, key)
	b.publishedCount += uint64(len(buffered))

	for _, lg := range buffered {
		if err := b.publish(ctx, lg); err != nil {
			b.log.Warn(fmt.Sprintf("subbatch: chain %d batch %d member %s flush publish failed for tx %s idx %d: %v",
				b.chainID, b.batchIndex, key, lg.TxHash.Hex(), lg.Index, err))
		}
	}
}

// Stats snapshots the batch for status reports.
func (b *Batch) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		ChainID:           b.chainID,
		BatchIndex:        b.batchIndex,
		State:             b.state.String(),
		Members:           len(b.members),
		Buffering:         b.buffering,
		BufferedEvents:    len(b.globalBuf),
		BufferingMembers:  len(b.bufferingMembers),
		ReconnectAttempts: b.reconnectAttempts,
		Published:         b.publishedCount,
		DroppedRemoved:    b.droppedRemoved,
	}
	for _, queue := range b.bufferingMembers {
		s.BufferedEvents += len(queue)
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}
