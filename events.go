package worldsync

import (
	"time"
)

// status events published on the controller's event bus.
// subscribe with eventbus.Subscribe on Events().

type ChannelStatusEvent struct {
	Stats ChannelStats
}

type BuildIdChangedEvent struct {
	BuildId string
}

// the current session cannot be resumed safely.
// the host application must fully restart the controller.
type ForceReloadEvent struct {
	Reason string
}

type HandoverCompleteEvent struct {
	ChannelId       Id
	ServerSessionId string
}

type SyncTargetChangedEvent struct {
	Target SyncTarget
}

type KeepAliveEvent struct {
	Rtt time.Duration
}
