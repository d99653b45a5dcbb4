package worldsync

import (
	"sync/atomic"
	"time"
)

// counters for monitoring sync progress.
// bootstrapped and streamed changes are tracked separately so that a
// stalled steady state is distinguishable from a slow bootstrap.
type SyncStats struct {
	startTime time.Time

	lastUpdateMillis   atomic.Int64
	lastChangeMillis   atomic.Int64
	lastDeliveryMillis atomic.Int64

	bootstrappedChanges atomic.Int64
	streamedChanges     atomic.Int64
}

func NewSyncStats() *SyncStats {
	return &SyncStats{
		startTime: time.Now(),
	}
}

func (self *SyncStats) markUpdate() {
	self.lastUpdateMillis.Store(time.Now().UnixMilli())
}

func (self *SyncStats) markChange() {
	self.lastChangeMillis.Store(time.Now().UnixMilli())
}

func (self *SyncStats) markDelivery() {
	self.lastDeliveryMillis.Store(time.Now().UnixMilli())
}

func (self *SyncStats) addChanges(bootstrapped bool, count int) {
	if bootstrapped {
		self.streamedChanges.Add(int64(count))
	} else {
		self.bootstrappedChanges.Add(int64(count))
	}
}

func (self *SyncStats) BootstrappedChanges() int64 {
	return self.bootstrappedChanges.Load()
}

func (self *SyncStats) StreamedChanges() int64 {
	return self.streamedChanges.Load()
}

// zero duration means never
func sinceMillis(millis int64) time.Duration {
	if millis == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(millis))
}

func (self *SyncStats) LastUpdateAge() time.Duration {
	return sinceMillis(self.lastUpdateMillis.Load())
}

func (self *SyncStats) LastChangeAge() time.Duration {
	return sinceMillis(self.lastChangeMillis.Load())
}

func (self *SyncStats) LastDeliveryAge() time.Duration {
	return sinceMillis(self.lastDeliveryMillis.Load())
}

func (self *SyncStats) TimeSinceStart() time.Duration {
	return time.Since(self.startTime)
}
