package worldsync

import (
	"context"
	"errors"
	"time"
)

var ErrChannelClosed = errors.New("channel closed")

type ChannelStatus string

const (
	ChannelStatusConnecting ChannelStatus = "connecting"
	ChannelStatusReady      ChannelStatus = "ready"
	ChannelStatusClosed     ChannelStatus = "closed"
)

type ChannelStats struct {
	ChannelId       Id
	ServerSessionId string
	Status          ChannelStatus
	ConnectedAt     time.Time
}

// one physical bidirectional channel to a sync server.
// a channel carries at most one subscription stream at a time, plus
// request/response calls and fire-and-forget sends.
type Channel interface {
	ChannelId() Id
	ServerSessionId() string
	Stats() ChannelStats

	// blocks until the channel is connected and authenticated
	WaitForReady(ctx context.Context) error

	// opens the delta stream. The returned channel closes when the
	// underlying stream ends, resubscribe to resume.
	Subscribe(ctx context.Context, request *SubscribeRequest) (<-chan *SyncDelta, error)

	Publish(ctx context.Context, events []Event) ([]PublishResult, error)
	PublishOneWay(ctx context.Context, events []Event) error
	KeepAlive(ctx context.Context, rttHint time.Duration) error
	TakeSession(ctx context.Context) (*SessionCatchup, error)
	ChangeRadius(ctx context.Context, radius int) error
	ReturnEval(ctx context.Context, result EvalResult) error

	// each Add returns a remove function
	AddStatusCallback(callback func(stats ChannelStats)) func()
	AddLameDuckCallback(callback func()) func()
	AddReloadCallback(callback func()) func()

	Close()
}

// resolves the endpoint for a sync target.
// local-user and observer targets may sync against different endpoints.
type UrlResolverFunc func(target SyncTarget) string

// opens a new physical channel. Called once per session, and again for the
// replacement channel during handover.
type ChannelFactory func(ctx context.Context, clientSessionId Id, target SyncTarget) (Channel, error)
