package worldsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSyncChangeReferenceJson(t *testing.T) {
	encoded, err := json.Marshal(ReferenceSyncChange(42))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(encoded), "42")

	var decoded SyncChange
	assert.Equal(t, json.Unmarshal(encoded, &decoded), nil)
	assert.Equal(t, decoded.IsReference(), true)
	assert.Equal(t, decoded.EntityId, EntityId(42))
}

func TestSyncChangeFullJson(t *testing.T) {
	change := &Change{
		EntityId: 7,
		Version:  3,
		Entity: &Entity{
			EntityId: 7,
			State:    json.RawMessage(`{"hp":10}`),
		},
	}

	encoded, err := json.Marshal(FullSyncChange(change))
	assert.Equal(t, err, nil)

	var decoded SyncChange
	assert.Equal(t, json.Unmarshal(encoded, &decoded), nil)
	assert.Equal(t, decoded.IsReference(), false)
	assert.Equal(t, decoded.EntityId, EntityId(7))
	assert.Equal(t, decoded.Change.Version, Version(3))
	assert.Equal(t, string(decoded.Change.Entity.State), `{"hp":10}`)
}

func TestSyncDeltaMixedChanges(t *testing.T) {
	// a delta mixes bare ids and full changes on the wire
	src := `{
		"changes": [12, {"entityId": 7, "version": 3}, 15],
		"bootstrapComplete": true
	}`

	var delta SyncDelta
	assert.Equal(t, json.Unmarshal([]byte(src), &delta), nil)
	assert.Equal(t, len(delta.Changes), 3)
	assert.Equal(t, delta.Changes[0].IsReference(), true)
	assert.Equal(t, delta.Changes[0].EntityId, EntityId(12))
	assert.Equal(t, delta.Changes[1].IsReference(), false)
	assert.Equal(t, delta.Changes[1].EntityId, EntityId(7))
	assert.Equal(t, delta.Changes[2].EntityId, EntityId(15))
	assert.Equal(t, delta.BootstrapComplete, true)
}

func TestTombstoneChangeJson(t *testing.T) {
	src := `{"entityId": 9, "version": 4}`

	var decoded SyncChange
	assert.Equal(t, json.Unmarshal([]byte(src), &decoded), nil)
	assert.Equal(t, decoded.IsReference(), false)
	assert.Equal(t, decoded.Change.IsTombstone(), true)
}

func TestStateToChangeIced(t *testing.T) {
	iced := &Entity{
		EntityId: 1,
		Iced:     true,
	}
	change := StateToChange(1, 5, iced)
	assert.Equal(t, change.IsTombstone(), true)
	assert.Equal(t, change.Version, Version(5))

	live := &Entity{
		EntityId: 2,
	}
	change = StateToChange(2, 6, live)
	assert.Equal(t, change.IsTombstone(), false)

	change = StateToChange(3, 7, nil)
	assert.Equal(t, change.IsTombstone(), true)
}

func TestIdJsonRoundTrip(t *testing.T) {
	id := NewId()

	encoded, err := json.Marshal(&id)
	assert.Equal(t, err, nil)

	var decoded Id
	assert.Equal(t, json.Unmarshal(encoded, &decoded), nil)
	assert.Equal(t, decoded, id)

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)
}
