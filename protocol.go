package worldsync

import (
	"encoding/json"
	"fmt"
)

// whose view is being replicated
type SyncTargetKind string

const (
	SyncTargetLocalUser SyncTargetKind = "localUser"
	SyncTargetObserver  SyncTargetKind = "observer"
)

type SyncTarget struct {
	Kind   SyncTargetKind `json:"kind"`
	UserId uint64         `json:"userId"`
}

func LocalUserTarget(userId uint64) SyncTarget {
	return SyncTarget{
		Kind:   SyncTargetLocalUser,
		UserId: userId,
	}
}

func ObserverTarget(userId uint64) SyncTarget {
	return SyncTarget{
		Kind:   SyncTargetObserver,
		UserId: userId,
	}
}

// either a full change or a bare entity id.
// a bare id means the payload is unchanged and already known via another path,
// refetch out of band if the full value is needed.
// on the wire a bare id is a json number, a full change is an object.
type SyncChange struct {
	EntityId EntityId
	Change   *Change
}

func FullSyncChange(change *Change) SyncChange {
	return SyncChange{
		EntityId: change.EntityId,
		Change:   change,
	}
}

func ReferenceSyncChange(entityId EntityId) SyncChange {
	return SyncChange{
		EntityId: entityId,
	}
}

func (self SyncChange) IsReference() bool {
	return self.Change == nil
}

func (self SyncChange) MarshalJSON() ([]byte, error) {
	if self.Change == nil {
		return json.Marshal(uint64(self.EntityId))
	}
	return json.Marshal(self.Change)
}

func (self *SyncChange) UnmarshalJSON(src []byte) error {
	if len(src) == 0 {
		return fmt.Errorf("empty sync change")
	}
	if src[0] != '{' {
		var entityId uint64
		if err := json.Unmarshal(src, &entityId); err != nil {
			return err
		}
		self.EntityId = EntityId(entityId)
		self.Change = nil
		return nil
	}
	change := &Change{}
	if err := json.Unmarshal(src, change); err != nil {
		return err
	}
	self.EntityId = change.EntityId
	self.Change = change
	return nil
}

// out-of-band payload carried alongside deltas (mail/chat), opaque here
type Delivery = json.RawMessage

// diagnostic instruction from the server, executed asynchronously
type Eval struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

type EvalResult struct {
	Token  string `json:"token"`
	Result string `json:"result"`
}

// server to client message batch
type SyncDelta struct {
	Changes           []SyncChange `json:"changes,omitempty"`
	Deliveries        []Delivery   `json:"deliveries,omitempty"`
	SecondsSinceEpoch *float64     `json:"secondsSinceEpoch,omitempty"`
	BuildId           string       `json:"buildId,omitempty"`
	BootstrapComplete bool         `json:"bootstrapComplete,omitempty"`
	Evals             []Eval       `json:"evals,omitempty"`
}

// rebuilt fresh on every subscribe attempt so the server can compute
// a minimal catch-up set
type SubscribeRequest struct {
	Bootstrapped            bool                 `json:"bootstrapped"`
	Radius                  int                  `json:"radius"`
	CompressedVersionLedger EncodedVersionLedger `json:"compressedVersionLedger,omitempty"`
	SyncTarget              SyncTarget           `json:"syncTarget"`
}

// a client-originated mutation, opaque to the session layer
type Event struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// per-event ack-or-error
type PublishResult struct {
	Error string `json:"error,omitempty"`
}

func (self PublishResult) Ok() bool {
	return self.Error == ""
}

// state transition that happened concurrently with a successful
// primary-writer claim
type SessionCatchup struct {
	Change *Change `json:"change,omitempty"`
}

// websocket envelope type identifiers
const (
	typeSubscribe     = "subscribe"
	typeDelta         = "delta"
	typePublish       = "publish"
	typePublishOneWay = "publishOneWay"
	typeKeepAlive     = "keepAlive"
	typeTakeSession   = "takeSession"
	typeChangeRadius  = "changeRadius"
	typeReturnEval    = "returnEval"
	typeAck           = "ack"
	typeHello         = "hello"
	typeLameDuck      = "lameDuck"
	typeReloadRequest = "reloadRequest"
)

// client to server envelope
type clientMessage struct {
	Type       string            `json:"type"`
	RequestId  uint64            `json:"requestId,omitempty"`
	Subscribe  *SubscribeRequest `json:"subscribe,omitempty"`
	Events     []Event           `json:"events,omitempty"`
	RttMillis  *float64          `json:"rttMillis,omitempty"`
	Radius     *int              `json:"radius,omitempty"`
	EvalResult *EvalResult       `json:"evalResult,omitempty"`
}

// server to client envelope
type serverMessage struct {
	Type            string          `json:"type"`
	RequestId       uint64          `json:"requestId,omitempty"`
	Delta           *SyncDelta      `json:"delta,omitempty"`
	Results         []PublishResult `json:"results,omitempty"`
	Catchup         *SessionCatchup `json:"catchup,omitempty"`
	Error           string          `json:"error,omitempty"`
	ServerSessionId string          `json:"serverSessionId,omitempty"`
}
