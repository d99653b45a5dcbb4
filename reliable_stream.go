package worldsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// the stream gave up after exhausting retries. The subscription's
// sequencing state can no longer be trusted, the owner must fully restart.
var ErrStreamFatal = errors.New("reliable stream gave up")

// builds a fresh subscribe request. Called on every attempt so that retries
// pick up the current bootstrap, radius and version ledger state.
type RequestBuilderFunc func(ctx context.Context) (*SubscribeRequest, error)

// opens one subscription attempt. The returned channel closes when the
// underlying stream ends for any reason.
type SubscribeFunc func(ctx context.Context, request *SubscribeRequest) (<-chan *SyncDelta, error)

type ReliableStreamSettings struct {
	ReconnectTimeout time.Duration
	// consecutive attempts without a single received delta before giving up
	MaxConsecutiveFailures int
}

func DefaultReliableStreamSettings() *ReliableStreamSettings {
	return &ReliableStreamSettings{
		ReconnectTimeout:       500 * time.Millisecond,
		MaxConsecutiveFailures: 20,
	}
}

// runs one logical subscription across any number of physical attempts.
// transient failures back off and resubscribe with a freshly built request,
// the server resumes from the version ledger in that request so no delta is
// lost between attempts. Receiving a delta resets the failure count.
// returns nil only when ctx ends, otherwise an error wrapping ErrStreamFatal.
func reliableStream(
	ctx context.Context,
	name string,
	subscribe SubscribeFunc,
	buildRequest RequestBuilderFunc,
	receive func(delta *SyncDelta),
	settings *ReliableStreamSettings,
) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		reconnect := NewReconnect(settings.ReconnectTimeout)

		attempt := func() (received bool, err error) {
			request, err := buildRequest(ctx)
			if err != nil {
				return false, fmt.Errorf("build request: %w", err)
			}
			deltas, err := subscribe(ctx, request)
			if err != nil {
				return false, fmt.Errorf("subscribe: %w", err)
			}
			for {
				select {
				case delta, ok := <-deltas:
					if !ok {
						// server or channel ended the stream
						return received, nil
					}
					received = true
					failures = 0
					receive(delta)
				case <-ctx.Done():
					return received, nil
				}
			}
		}

		received, err := attempt()
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err != nil {
			glog.Infof("[stream]%s attempt error = %s\n", name, err)
		} else {
			glog.V(2).Infof("[stream]%s ended (received=%t)\n", name, received)
		}
		if !received {
			failures += 1
			if settings.MaxConsecutiveFailures <= failures {
				glog.Errorf("[stream]%s giving up after %d attempts\n", name, failures)
				return fmt.Errorf("%s: %d consecutive failures: %w", name, failures, ErrStreamFatal)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-reconnect.After():
		}
	}
}
