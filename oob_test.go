package worldsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type memoryFetcher struct {
	stateLock  sync.Mutex
	entities   map[EntityId]OobResult
	batchSizes []int
	fetchCalls int
	err        error
}

func newMemoryFetcher() *memoryFetcher {
	return &memoryFetcher{
		entities: map[EntityId]OobResult{},
	}
}

func (self *memoryFetcher) put(entityId EntityId, version Version, iced bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entities[entityId] = OobResult{
		Version: version,
		Entity: &Entity{
			EntityId: entityId,
			Iced:     iced,
			State:    json.RawMessage(`{}`),
		},
	}
}

func (self *memoryFetcher) Fetch(ctx context.Context, entityIds []EntityId) ([]OobResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.fetchCalls += 1
	self.batchSizes = append(self.batchSizes, len(entityIds))
	if self.err != nil {
		return nil, self.err
	}
	results := make([]OobResult, len(entityIds))
	for i, entityId := range entityIds {
		// absent ids come back as the zero result, a tombstone
		results[i] = self.entities[entityId]
	}
	return results, nil
}

func (self *memoryFetcher) calls() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.fetchCalls
}

func TestOobResolveOrderAndBatching(t *testing.T) {
	ctx := context.Background()

	fetcher := newMemoryFetcher()
	resolver := NewOobResolver(fetcher, &OobResolverSettings{
		BootstrapBatchSize: 1000,
		SyncBatchSize:      100,
	})

	entityIds := []EntityId{}
	for i := 0; i < 250; i += 1 {
		entityId := EntityId(i + 1)
		entityIds = append(entityIds, entityId)
		fetcher.put(entityId, Version(i+1), false)
	}

	changes, err := resolver.Resolve(ctx, entityIds, LoadModeSync)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changes), 250)
	for i, change := range changes {
		assert.Equal(t, change.EntityId, EntityId(i+1))
		assert.Equal(t, change.Version, Version(i+1))
		assert.Equal(t, change.IsTombstone(), false)
	}

	assert.Equal(t, fetcher.calls(), 3)
	total := 0
	for _, size := range fetcher.batchSizes {
		assert.Equal(t, size <= 100, true)
		total += size
	}
	assert.Equal(t, total, 250)
}

func TestOobResolveBootstrapSingleBatch(t *testing.T) {
	ctx := context.Background()

	fetcher := newMemoryFetcher()
	resolver := NewOobResolverWithDefaults(fetcher)

	entityIds := []EntityId{}
	for i := 0; i < 500; i += 1 {
		entityId := EntityId(i + 1)
		entityIds = append(entityIds, entityId)
		fetcher.put(entityId, 1, false)
	}

	_, err := resolver.Resolve(ctx, entityIds, LoadModeBootstrap)
	assert.Equal(t, err, nil)
	assert.Equal(t, fetcher.calls(), 1)
}

func TestOobResolveMissingAndIced(t *testing.T) {
	ctx := context.Background()

	fetcher := newMemoryFetcher()
	resolver := NewOobResolverWithDefaults(fetcher)

	fetcher.put(1, 4, false)
	fetcher.put(3, 9, true)
	// 2 is never stored

	changes, err := resolver.Resolve(ctx, []EntityId{1, 2, 3}, LoadModeSync)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changes), 3)

	assert.Equal(t, changes[0].IsTombstone(), false)
	assert.Equal(t, changes[1].IsTombstone(), true)
	// iced entities surface as tombstones
	assert.Equal(t, changes[2].IsTombstone(), true)
	assert.Equal(t, changes[2].Version, Version(9))
}

func TestOobResolveError(t *testing.T) {
	ctx := context.Background()

	fetcher := newMemoryFetcher()
	fetcher.err = errors.New("backend down")
	resolver := NewOobResolverWithDefaults(fetcher)

	changes, err := resolver.Resolve(ctx, []EntityId{1, 2, 3}, LoadModeSync)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, changes, nil)
}

func TestOobResolveEmpty(t *testing.T) {
	ctx := context.Background()

	fetcher := newMemoryFetcher()
	resolver := NewOobResolverWithDefaults(fetcher)

	changes, err := resolver.Resolve(ctx, []EntityId{}, LoadModeSync)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changes), 0)
	assert.Equal(t, fetcher.calls(), 0)
}

type shortFetcher struct{}

func (self *shortFetcher) Fetch(ctx context.Context, entityIds []EntityId) ([]OobResult, error) {
	return []OobResult{}, nil
}

func TestOobResolveShortResponse(t *testing.T) {
	ctx := context.Background()

	resolver := NewOobResolverWithDefaults(&shortFetcher{})

	_, err := resolver.Resolve(ctx, []EntityId{1, 2}, LoadModeSync)
	assert.NotEqual(t, err, nil)
}
