package worldsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// one fetched entry. A nil entity means the entity is gone server-side.
type OobResult struct {
	Version Version
	Entity  *Entity
}

// batch-fetches full entity state for entities the server sent as bare ids
type OobFetcher interface {
	Fetch(ctx context.Context, entityIds []EntityId) ([]OobResult, error)
}

type LoadMode string

const (
	// one large batch per request, used exactly once per bootstrap
	LoadModeBootstrap LoadMode = "bootstrap"
	// smaller batches bound per-update latency in steady state
	LoadModeSync LoadMode = "sync"
)

type OobResolverSettings struct {
	BootstrapBatchSize int
	SyncBatchSize      int
}

func DefaultOobResolverSettings() *OobResolverSettings {
	return &OobResolverSettings{
		BootstrapBatchSize: 1000,
		SyncBatchSize:      100,
	}
}

type OobResolver struct {
	fetcher  OobFetcher
	settings *OobResolverSettings
}

func NewOobResolverWithDefaults(fetcher OobFetcher) *OobResolver {
	return NewOobResolver(fetcher, DefaultOobResolverSettings())
}

func NewOobResolver(fetcher OobFetcher, settings *OobResolverSettings) *OobResolver {
	return &OobResolver{
		fetcher:  fetcher,
		settings: settings,
	}
}

func (self *OobResolver) batchSize(mode LoadMode) int {
	if mode == LoadModeBootstrap {
		return self.settings.BootstrapBatchSize
	}
	return self.settings.SyncBatchSize
}

// fetches the given ids in concurrent batches and returns one change per id,
// in the order the ids were given. Entities flagged iced and entities missing
// from the response both come back as tombstones, by distinct paths.
// any batch error fails the whole resolve, there are no partial drops.
func (self *OobResolver) Resolve(ctx context.Context, entityIds []EntityId, mode LoadMode) ([]*Change, error) {
	if len(entityIds) == 0 {
		return []*Change{}, nil
	}

	batches := chunkSlice(entityIds, self.batchSize(mode))
	results := make([][]OobResult, len(batches))
	errs := make([]error, len(batches))

	waitGroup := sync.WaitGroup{}
	for i, batch := range batches {
		waitGroup.Add(1)
		go func(i int, batch []EntityId) {
			defer waitGroup.Done()
			results[i], errs[i] = self.fetcher.Fetch(ctx, batch)
		}(i, batch)
	}
	waitGroup.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("oob fetch batch %d/%d: %w", i+1, len(batches), err)
		}
		if len(results[i]) != len(batches[i]) {
			return nil, fmt.Errorf("oob fetch batch %d/%d: %d results for %d ids", i+1, len(batches), len(results[i]), len(batches[i]))
		}
	}

	// zip back to the original request order
	changes := make([]*Change, 0, len(entityIds))
	for i, batch := range batches {
		for j, entityId := range batch {
			result := results[i][j]
			if result.Entity != nil && result.Entity.Iced {
				// a race can ice an entity between the delta and the fetch
				glog.V(2).Infof("[oob]iced %d@%d\n", entityId, result.Version)
			}
			changes = append(changes, StateToChange(entityId, result.Version, result.Entity))
		}
	}
	return changes, nil
}
