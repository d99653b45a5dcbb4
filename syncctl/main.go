package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	eventbus "github.com/jilio/ebu"

	"github.com/arvale/worldsync"
)

const SyncCtlVersion = "0.0.1"

func main() {
	usage := `Sync control.

Usage:
    syncctl observe --url=<url> --jwt=<jwt> --user=<user_id>
        [--radius=<radius>]
        [--duration=<seconds>]
    syncctl watch-user --url=<url> --jwt=<jwt>
        [--radius=<radius>]
        [--duration=<seconds>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Sync server websocket url.
    --jwt=<jwt>            Your platform JWT.
    --user=<user_id>       User to observe.
    --radius=<radius>      Initial sync radius.
    --duration=<seconds>   Exit after this many seconds.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Set("v", "1")
	flag.Parse()

	if observe_, _ := opts.Bool("observe"); observe_ {
		observe(opts)
	} else if watchUser_, _ := opts.Bool("watch-user"); watchUser_ {
		watchUser(opts)
	}
}

// observe another user's surroundings read-only
func observe(opts docopt.Opts) {
	userId, _ := opts.Int("--user")
	run(opts, worldsync.ObserverTarget(uint64(userId)))
}

// sync as the authenticated user and claim the primary session
func watchUser(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	byJwt, err := worldsync.ParseByJwtUnverified(jwt)
	if err != nil {
		fmt.Printf("Invalid JWT (%s).\n", err)
		return
	}
	run(opts, worldsync.LocalUserTarget(byJwt.UserId))
}

func run(opts docopt.Opts, target worldsync.SyncTarget) {
	url, _ := opts.String("--url")
	jwt, _ := opts.String("--jwt")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := &worldsync.ClientAuth{
		ByJwt:      jwt,
		InstanceId: worldsync.NewId(),
		AppVersion: SyncCtlVersion,
	}
	factory := worldsync.NewWebSocketChannelFactory(
		func(target worldsync.SyncTarget) string {
			return url
		},
		auth,
		worldsync.DefaultWebSocketChannelSettings(),
	)

	settings := worldsync.DefaultSyncControllerSettings()
	if radius, err := opts.Int("--radius"); err == nil && 0 < radius {
		settings.InitialSyncRadius = radius
	}

	controller := worldsync.NewSyncController(
		cancelCtx,
		factory,
		&httpOobFetcher{url: url, jwt: jwt},
		&logConsumer{},
		&logMail{},
		target,
		settings,
	)

	eventbus.Subscribe(controller.Events(), func(event worldsync.ChannelStatusEvent) {
		glog.Infof("channel %s status=%s\n", event.Stats.ChannelId, event.Stats.Status)
	})
	eventbus.Subscribe(controller.Events(), func(event worldsync.HandoverCompleteEvent) {
		glog.Infof("handover complete to channel %s\n", event.ChannelId)
	})
	eventbus.Subscribe(controller.Events(), func(event worldsync.ForceReloadEvent) {
		glog.Errorf("force reload: %s\n", event.Reason)
		cancel()
	})
	eventbus.Subscribe(controller.Events(), func(event worldsync.KeepAliveEvent) {
		glog.V(1).Infof("keep alive rtt=%s\n", event.Rtt)
	})

	initialState, err := controller.Start(cancelCtx)
	if err != nil {
		glog.Errorf("bootstrap failed = %s\n", err)
		return
	}
	glog.Infof(
		"bootstrapped with %d changes, %d deliveries\n",
		len(initialState.Changes),
		len(initialState.Deliveries),
	)
	for _, change := range initialState.Changes {
		printChange(change)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if seconds, err := opts.Int("--duration"); err == nil && 0 < seconds {
		select {
		case <-stop:
		case <-time.After(time.Duration(seconds) * time.Second):
		case <-cancelCtx.Done():
		}
	} else {
		select {
		case <-stop:
		case <-cancelCtx.Done():
		}
	}

	controller.Stop("syncctl exit")
}

type logConsumer struct{}

func (self *logConsumer) Push(changes []*worldsync.Change) {
	for _, change := range changes {
		printChange(change)
	}
}

func printChange(change *worldsync.Change) {
	if change.IsTombstone() {
		fmt.Printf("%d@%d tombstone\n", change.EntityId, change.Version)
	} else {
		fmt.Printf("%d@%d %s\n", change.EntityId, change.Version, change.Entity.State)
	}
}

type logMail struct{}

func (self *logMail) Accept(delivery worldsync.Delivery) {
	out, _ := json.Marshal(delivery)
	fmt.Printf("delivery %s\n", out)
}
