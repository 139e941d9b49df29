package pending

import (
	"context"
	"fmt"
	"sync"

	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

// DuplicateIndex answers O(1) membership checks over the union of known
// confirmed keys and current pending contents. It is a latency optimisation
// only: a miss is corrected later by the authoritative check, but the index
// must never report a key the authoritative store could still accept.
type DuplicateIndex struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewDuplicateIndex builds an empty index.
func NewDuplicateIndex() *DuplicateIndex {
	idx := new(DuplicateIndex)
	idx.keys = make(map[string]struct{})
	return idx
}

// Seed loads the index from the pending store contents, typically at startup.
func (idx *DuplicateIndex) Seed(ctx context.Context, store *Store) error {
	events, err := store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("duplicate index: seed: %w", err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, evt := range events {
		idx.keys[evt.Key().String()] = struct{}{}
	}
	return nil
}

// IsKnownDuplicate reports whether the uniqueness key is already held locally.
func (idx *DuplicateIndex) IsKnownDuplicate(participantRef, checkpointID string) bool {
	key := schema.UniquenessKey{ParticipantRef: participantRef, CheckpointID: checkpointID}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.keys[key.String()]
	return ok
}

// Add records a uniqueness key, either freshly pending or confirmed upstream.
func (idx *DuplicateIndex) Add(key schema.UniquenessKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.keys[key.String()] = struct{}{}
}

// Forget drops a key whose event was abandoned before confirmation. Keeping it
// would reject a future scan that a clean store would accept.
func (idx *DuplicateIndex) Forget(key schema.UniquenessKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.keys, key.String())
}

// Len reports the number of indexed keys.
func (idx *DuplicateIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keys)
}
