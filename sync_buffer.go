package worldsync

import (
	"context"
	"sync"
)

// accumulates incoming deltas prior to flushing them downstream
type SyncBuffer struct {
	resolver *OobResolver

	stateLock  sync.Mutex
	changes    []SyncChange
	deliveries []Delivery
}

func NewSyncBuffer(resolver *OobResolver) *SyncBuffer {
	return &SyncBuffer{
		resolver: resolver,
	}
}

// absorbs one delta, returns the count of entity changes absorbed
func (self *SyncBuffer) Update(delta *SyncDelta) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.deliveries = append(self.deliveries, delta.Deliveries...)
	self.changes = append(self.changes, delta.Changes...)
	return len(delta.Changes)
}

// destructive snapshot. The buffer is reset to empty.
func (self *SyncBuffer) Flush() *ConsumableSyncBuffer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := newConsumableSyncBuffer(self.resolver, self.changes, self.deliveries)
	self.changes = nil
	self.deliveries = nil
	return out
}

// a flushed batch. LoadChanges resolves bare-id references out of band
// exactly once, every caller gets the same result.
type ConsumableSyncBuffer struct {
	resolver   *OobResolver
	changes    []SyncChange
	deliveries []Delivery

	loadOnce sync.Once
	loaded   []*Change
	loadErr  error
}

func newConsumableSyncBuffer(resolver *OobResolver, changes []SyncChange, deliveries []Delivery) *ConsumableSyncBuffer {
	return &ConsumableSyncBuffer{
		resolver:   resolver,
		changes:    changes,
		deliveries: deliveries,
	}
}

func (self *ConsumableSyncBuffer) Deliveries() []Delivery {
	return self.deliveries
}

func (self *ConsumableSyncBuffer) ChangeCount() int {
	return len(self.changes)
}

// resolved changes in arrival order. Bare-id references are filled into
// their original slots so per-entity ordering survives resolution.
func (self *ConsumableSyncBuffer) LoadChanges(ctx context.Context, mode LoadMode) ([]*Change, error) {
	self.loadOnce.Do(func() {
		self.loaded, self.loadErr = self.doLoadChanges(ctx, mode)
	})
	return self.loaded, self.loadErr
}

func (self *ConsumableSyncBuffer) doLoadChanges(ctx context.Context, mode LoadMode) ([]*Change, error) {
	changes := make([]*Change, len(self.changes))
	// a repeated bare id is fetched once and filled into every slot
	slots := map[EntityId][]int{}
	referenceIds := []EntityId{}
	for i, syncChange := range self.changes {
		if syncChange.IsReference() {
			if _, ok := slots[syncChange.EntityId]; !ok {
				referenceIds = append(referenceIds, syncChange.EntityId)
			}
			slots[syncChange.EntityId] = append(slots[syncChange.EntityId], i)
		} else {
			changes[i] = syncChange.Change
		}
	}
	if len(referenceIds) == 0 {
		return changes, nil
	}

	resolved, err := self.resolver.Resolve(ctx, referenceIds, mode)
	if err != nil {
		return nil, err
	}
	for i, entityId := range referenceIds {
		for _, slot := range slots[entityId] {
			changes[slot] = resolved[i]
		}
	}
	return changes, nil
}
