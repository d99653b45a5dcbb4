package worldsync

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

/*
Keeps a client replica of a server-authoritative entity graph consistent
over an unreliable, reconnecting channel, with properties:
- the bootstrap snapshot is consumed exactly once
- incremental deltas are applied strictly in arrival order
- reconnects resume from the version ledger, without gaps or duplicates
- server handover swaps channels without a gap in delivery
- at most one client session publishes mutations for a user at a time
*/

// id for client sessions and channels
// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// stable, opaque identifier assigned by the server for an entity's lifetime
type EntityId uint64

// monotonically increasing per-entity tick assigned by the server
type Version uint64

// entity state as replicated. The business meaning of `State` is opaque here,
// only identity, the soft-delete flag, and the version matter.
type Entity struct {
	EntityId EntityId        `json:"entityId"`
	Iced     bool            `json:"iced,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

// a create/update carries the entity. A tombstone carries none.
type Change struct {
	EntityId EntityId `json:"entityId"`
	Version  Version  `json:"version"`
	Entity   *Entity  `json:"entity,omitempty"`
}

func (self *Change) IsTombstone() bool {
	return self.Entity == nil
}

// converts fetched state into a change.
// iced entities surface as tombstones, never as live state.
func StateToChange(entityId EntityId, version Version, entity *Entity) *Change {
	if entity != nil && entity.Iced {
		entity = nil
	}
	return &Change{
		EntityId: entityId,
		Version:  version,
		Entity:   entity,
	}
}
