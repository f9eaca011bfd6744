package engine

import (
	"fmt"
	"sync"
)

// lockTable serializes operations per engagement. A second caller entering
// while an operation is in flight fails fast instead of queueing; distinct
// engagements proceed concurrently.
//
// Entries are retained for the process lifetime, including terminal
// engagements: deleting one races a concurrent LoadOrStore, which could hand
// two callers different mutexes for the same engagement. One mutex per
// engagement ever touched is the cost of that guarantee.
type lockTable struct {
	locks sync.Map
}

func (t *lockTable) acquire(engagementID string) (func(), error) {
	v, _ := t.locks.LoadOrStore(engagementID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: engagement %s has an operation in progress", ErrState, engagementID)
	}
	return mu.Unlock, nil
}
