package worldsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestVersionLedgerMonotonic(t *testing.T) {
	ledger := NewVersionLedgerWithDefaults()

	ledger.RecordVersion(1, 5)
	version, ok := ledger.Version(1)
	assert.Equal(t, ok, true)
	assert.Equal(t, version, Version(5))

	// a stale version must not regress the entry
	ledger.RecordVersion(1, 3)
	version, _ = ledger.Version(1)
	assert.Equal(t, version, Version(5))

	ledger.RecordVersion(1, 7)
	version, _ = ledger.Version(1)
	assert.Equal(t, version, Version(7))
}

func TestVersionLedgerEviction(t *testing.T) {
	ledger := NewVersionLedger(&VersionLedgerSettings{
		MaxEntries: 2,
	})

	ledger.RecordVersion(1, 1)
	ledger.RecordVersion(2, 1)
	ledger.RecordVersion(3, 1)

	assert.Equal(t, ledger.Len(), 2)
	_, ok := ledger.Version(1)
	assert.Equal(t, ok, false)
	_, ok = ledger.Version(3)
	assert.Equal(t, ok, true)
}

func TestVersionLedgerRecordTouchesRecency(t *testing.T) {
	ledger := NewVersionLedger(&VersionLedgerSettings{
		MaxEntries: 2,
	})

	ledger.RecordVersion(1, 1)
	ledger.RecordVersion(2, 1)
	// touch 1 so that 2 is now the least recently used
	ledger.RecordVersion(1, 2)
	ledger.RecordVersion(3, 1)

	_, ok := ledger.Version(1)
	assert.Equal(t, ok, true)
	_, ok = ledger.Version(2)
	assert.Equal(t, ok, false)
}

func TestVersionLedgerSnapshotRoundTrip(t *testing.T) {
	ledger := NewVersionLedgerWithDefaults()
	ledger.RecordVersion(1, 10)
	ledger.RecordVersion(2, 20)
	ledger.RecordVersion(3, 30)

	encoded, err := ledger.Snapshot()
	assert.Equal(t, err, nil)

	versions, err := DecodeVersionLedger(encoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(versions), 3)
	assert.Equal(t, versions[1], Version(10))
	assert.Equal(t, versions[2], Version(20))
	assert.Equal(t, versions[3], Version(30))
}

func TestVersionLedgerEmptySnapshot(t *testing.T) {
	ledger := NewVersionLedgerWithDefaults()

	encoded, err := ledger.Snapshot()
	assert.Equal(t, err, nil)

	versions, err := DecodeVersionLedger(encoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(versions), 0)
}
