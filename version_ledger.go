package worldsync

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// gzip of the json-encoded EntityId -> Version map
type EncodedVersionLedger []byte

type VersionLedgerSettings struct {
	// entries beyond this are evicted least-recently-touched first.
	// under-reporting is safe, the server just sends more catch-up.
	MaxEntries int
}

func DefaultVersionLedgerSettings() *VersionLedgerSettings {
	return &VersionLedgerSettings{
		MaxEntries: 32 * 1024,
	}
}

// last-applied version per entity, sent on every (re)subscribe so the
// server can compute a minimal catch-up set. For a given entity the
// stored version only increases.
type VersionLedger struct {
	settings *VersionLedgerSettings

	stateLock sync.Mutex
	entries   *simplelru.LRU[EntityId, Version]
}

func NewVersionLedgerWithDefaults() *VersionLedger {
	return NewVersionLedger(DefaultVersionLedgerSettings())
}

func NewVersionLedger(settings *VersionLedgerSettings) *VersionLedger {
	entries, err := simplelru.NewLRU[EntityId, Version](settings.MaxEntries, nil)
	if err != nil {
		panic(err)
	}
	return &VersionLedger{
		settings: settings,
		entries:  entries,
	}
}

func (self *VersionLedger) RecordVersion(entityId EntityId, version Version) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if current, ok := self.entries.Get(entityId); ok && version <= current {
		// the get refreshed recency, keep the newer version
		return
	}
	self.entries.Add(entityId, version)
}

func (self *VersionLedger) Version(entityId EntityId) (Version, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.entries.Peek(entityId)
}

func (self *VersionLedger) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.entries.Len()
}

func (self *VersionLedger) Snapshot() (EncodedVersionLedger, error) {
	self.stateLock.Lock()
	versions := make(map[EntityId]Version, self.entries.Len())
	for _, entityId := range self.entries.Keys() {
		if version, ok := self.entries.Peek(entityId); ok {
			versions[entityId] = version
		}
	}
	self.stateLock.Unlock()

	encoded, err := json.Marshal(versions)
	if err != nil {
		return nil, fmt.Errorf("encode version ledger: %w", err)
	}

	out := &bytes.Buffer{}
	w := gzip.NewWriter(out)
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("compress version ledger: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress version ledger: %w", err)
	}
	return EncodedVersionLedger(out.Bytes()), nil
}

func DecodeVersionLedger(encoded EncodedVersionLedger) (map[EntityId]Version, error) {
	r, err := gzip.NewReader(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decompress version ledger: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress version ledger: %w", err)
	}

	versions := map[EntityId]Version{}
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, fmt.Errorf("decode version ledger: %w", err)
	}
	return versions, nil
}
