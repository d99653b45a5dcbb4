package worldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	eventbus "github.com/jilio/ebu"
	"github.com/jonboulle/clockwork"
)

// the downstream replica, e.g. a local entity table.
// must apply pushed changes in order and idempotently.
type ChangeConsumer interface {
	Push(changes []*Change)
}

// accepts the opaque out-of-band deliveries carried alongside deltas
type MailAcceptor interface {
	Accept(delivery Delivery)
}

// authoritative clock sample from the server
type ServerTime struct {
	SecondsSinceEpoch float64
	ReceivedAt        time.Time
	EstimatedRtt      time.Duration
}

type SyncControllerSettings struct {
	// will be limited by the server
	InitialSyncRadius   int
	RadiusPollInterval  time.Duration
	RadiusErrorHoldoff  time.Duration
	TakeSessionAttempts int
	TakeSessionBackoff  time.Duration
	ChannelIdHistory    int

	Session  *SessionSettings
	Resolver *OobResolverSettings
	Ledger   *VersionLedgerSettings

	// e.g. player creation before subscribing as a local user
	Prepare PrepareFunc
	// handler for server eval instructions. Nil reports unsupported.
	Eval EvalFunc

	// nil means the real clock
	Clock clockwork.Clock
}

func DefaultSyncControllerSettings() *SyncControllerSettings {
	return &SyncControllerSettings{
		InitialSyncRadius:   128,
		RadiusPollInterval:  1 * time.Second,
		RadiusErrorHoldoff:  5 * time.Second,
		TakeSessionAttempts: 3,
		TakeSessionBackoff:  1 * time.Second,
		ChannelIdHistory:    10,
		Session:             DefaultSessionSettings(),
		Resolver:            DefaultOobResolverSettings(),
		Ledger:              DefaultVersionLedgerSettings(),
	}
}

// owns the currently active session and orchestrates bootstrap-once,
// server handover, sync-target swaps, radius adjustment and
// primary-writer arbitration.
type SyncController struct {
	tasks *TaskController

	factory  ChannelFactory
	resolver *OobResolver
	consumer ChangeConsumer
	mail     MailAcceptor
	settings *SyncControllerSettings
	clock    clockwork.Clock

	bus    *eventbus.EventBus
	ledger *VersionLedger
	stats  *SyncStats
	rtt    *RttWindow

	stateLock       sync.Mutex
	clientSessionId Id
	started         bool
	stopped         bool
	swappingTarget  bool
	target          SyncTarget
	initial         *Delayed[*Consumable[*InitialState]]
	activeSession   *Session
	// generation counter on the active-session slot. Handover swaps
	// compare generations instead of pointers, a stale handover that
	// finishes late sees a newer generation and discards itself.
	activeGeneration uint64
	currentRadius    int
	lastSentRadius   int
	serverTime       ServerTime
	serverBuildId    string
	channelIds       []Id
}

func NewSyncControllerWithDefaults(
	ctx context.Context,
	factory ChannelFactory,
	fetcher OobFetcher,
	consumer ChangeConsumer,
	mail MailAcceptor,
	target SyncTarget,
) *SyncController {
	return NewSyncController(ctx, factory, fetcher, consumer, mail, target, DefaultSyncControllerSettings())
}

func NewSyncController(
	ctx context.Context,
	factory ChannelFactory,
	fetcher OobFetcher,
	consumer ChangeConsumer,
	mail MailAcceptor,
	target SyncTarget,
	settings *SyncControllerSettings,
) *SyncController {
	clock := settings.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SyncController{
		tasks:           NewTaskController(ctx),
		factory:         factory,
		resolver:        NewOobResolver(fetcher, settings.Resolver),
		consumer:        consumer,
		mail:            mail,
		settings:        settings,
		clock:           clock,
		bus:             eventbus.New(),
		ledger:          NewVersionLedger(settings.Ledger),
		stats:           NewSyncStats(),
		rtt:             DefaultRttWindow(),
		clientSessionId: NewId(),
		target:          target,
		initial:         NewDelayed[*Consumable[*InitialState]](),
		currentRadius:   settings.InitialSyncRadius,
		lastSentRadius:  settings.InitialSyncRadius,
	}
}

// status events are published here, see events.go for the types
func (self *SyncController) Events() *eventbus.EventBus {
	return self.bus
}

func (self *SyncController) Stats() *SyncStats {
	return self.stats
}

func (self *SyncController) VersionLedger() *VersionLedger {
	return self.ledger
}

func (self *SyncController) ClientSessionId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.clientSessionId
}

func (self *SyncController) SyncTarget() SyncTarget {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.target
}

func (self *SyncController) Bootstrapped() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.initial.Satisfied()
}

func (self *SyncController) ServerTime() ServerTime {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.serverTime
}

func (self *SyncController) ServerBuildId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.serverBuildId
}

// most recent channel ids, newest last
func (self *SyncController) ChannelIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]Id, len(self.channelIds))
	copy(out, self.channelIds)
	return out
}

func (self *SyncController) SyncRadius() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.currentRadius
}

// takes effect asynchronously via the radius loop,
// never delays delta processing
func (self *SyncController) SetSyncRadius(radius int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.currentRadius = radius
}

// runs bootstrap, then primary-writer arbitration, then steady state.
// blocks until the bootstrap snapshot is complete and returns it.
// calling Start on a started or stopped controller is a programming
// error and panics.
func (self *SyncController) Start(ctx context.Context) (*InitialState, error) {
	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		panic("sync controller already started")
	}
	if self.stopped {
		self.stateLock.Unlock()
		panic("sync controller already stopped")
	}
	self.started = true
	target := self.target
	self.stateLock.Unlock()

	self.tasks.Background("update-radius", self.periodicRadiusUpdate)

	session, err := self.newSessionFor(target)
	if err != nil {
		return nil, err
	}
	self.activate(session)

	initialState, err := self.finishBootstrap(ctx, session)
	if err != nil {
		// don't leak the channel and its loops behind a failed start
		session.Stop(false)
		return nil, err
	}
	session.Release()
	return initialState, nil
}

func (self *SyncController) finishBootstrap(ctx context.Context, session *Session) (*InitialState, error) {
	if err := session.WaitForBootstrap(ctx); err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	initial := self.initial
	self.stateLock.Unlock()

	consumable, err := initial.Wait(ctx)
	if err != nil {
		return nil, err
	}
	initialState, ok := consumable.Consume()
	if !ok {
		panic("bootstrap already consumed")
	}

	self.tryTakeSession(ctx, session, initialState)
	return initialState, nil
}

func (self *SyncController) newSessionFor(target SyncTarget) (*Session, error) {
	self.stateLock.Lock()
	clientSessionId := self.clientSessionId
	initial := self.initial
	self.stateLock.Unlock()

	channel, err := self.factory(self.tasks.Context(), clientSessionId, target)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	session := newSession(self.tasks, &sessionConfig{
		channel:      channel,
		target:       target,
		resolver:     self.resolver,
		ledger:       self.ledger,
		consumer:     self.consumer,
		mail:         self.mail,
		stats:        self.stats,
		clock:        self.clock,
		rtt:          self.rtt,
		settings:     self.settings.Session,
		initial:      initial,
		radius:       self.SyncRadius,
		prepare:      self.settings.Prepare,
		eval:         self.settings.Eval,
		onServerTime: self.onServerTime,
		onBuildId:    self.onBuildId,
		onKeepAlive:  self.onKeepAlive,
		onFatal:      self.onFatal,
	})

	channel.AddStatusCallback(func(stats ChannelStats) {
		if self.isActiveSession(session) {
			eventbus.Publish(self.bus, ChannelStatusEvent{Stats: stats})
		}
	})
	channel.AddLameDuckCallback(func() {
		self.onLameDuck(session)
	})
	channel.AddReloadCallback(func() {
		// we don't care which channel told us
		eventbus.Publish(self.bus, ForceReloadEvent{Reason: "server requested reload"})
	})

	session.Start()
	return session, nil
}

func (self *SyncController) isActiveSession(session *Session) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.activeSession == session
}

func (self *SyncController) activate(session *Session) uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.activeSession = session
	self.activeGeneration += 1
	self.pushChannelId(session.Channel().ChannelId())
	return self.activeGeneration
}

// must be called inside the state lock
func (self *SyncController) pushChannelId(channelId Id) {
	self.channelIds = append(self.channelIds, channelId)
	if self.settings.ChannelIdHistory < len(self.channelIds) {
		self.channelIds = self.channelIds[1:]
	}
}

func (self *SyncController) generation() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.activeGeneration
}

// a server draining for shutdown told this session's channel to migrate.
// bring up a replacement session and swap it in without a delivery gap.
// losing the swap race to a concurrent handover is an expected outcome,
// the loser discards itself silently.
func (self *SyncController) onLameDuck(from *Session) {
	self.stateLock.Lock()
	if self.activeSession != from {
		// stale notice from a superseded session
		self.stateLock.Unlock()
		return
	}
	fromGeneration := self.activeGeneration
	target := self.target
	self.stateLock.Unlock()

	glog.Infof(
		"[ho]server %s initiating lame duck mode for %s\n",
		from.Channel().ServerSessionId(),
		from.SessionId(),
	)

	self.tasks.Background(fmt.Sprintf("handover:%s", from.SessionId()), func(ctx context.Context) {
		newSession, err := self.newSessionFor(target)
		if err != nil {
			glog.Errorf("[ho]handover channel error = %s\n", err)
			return
		}
		glog.Infof("[ho]handover started to %s\n", newSession.SessionId())

		abort := func(reason string) {
			glog.Infof("[ho]handover aborted (%s): %s\n", reason, newSession.SessionId())
			newSession.Stop(false)
		}

		if err := newSession.Channel().WaitForReady(ctx); err != nil {
			// told to shut down while waiting for the new one
			abort("not ready")
			return
		}
		if self.generation() != fromGeneration {
			abort("superseded")
			return
		}
		if err := newSession.WaitForBootstrap(ctx); err != nil {
			abort("unhealthy")
			return
		}

		self.stateLock.Lock()
		if self.activeGeneration != fromGeneration {
			// another handover happened and won, just give up
			self.stateLock.Unlock()
			abort("lost race")
			return
		}
		self.activeSession = newSession
		self.activeGeneration += 1
		self.pushChannelId(newSession.Channel().ChannelId())
		self.stateLock.Unlock()

		// close the old session only after the swap, and let its queued
		// batches drain before the new session starts delivering
		from.Stop(true)
		newSession.Release()

		eventbus.Publish(self.bus, ChannelStatusEvent{Stats: newSession.Channel().Stats()})
		eventbus.Publish(self.bus, HandoverCompleteEvent{
			ChannelId:       newSession.Channel().ChannelId(),
			ServerSessionId: newSession.Channel().ServerSessionId(),
		})
		glog.Infof("[ho]handover complete to %s\n", newSession.SessionId())
	})
}

// tears down the current session, re-bootstraps against the new target,
// and pushes the entire new snapshot downstream as one atomic batch.
// consumers never observe a partial mix of old and new target entities.
func (self *SyncController) SwapSyncTarget(ctx context.Context, target SyncTarget) error {
	self.stateLock.Lock()
	if !self.started {
		self.stateLock.Unlock()
		panic("sync controller not started")
	}
	if !self.initial.Satisfied() {
		self.stateLock.Unlock()
		panic("sync target swap during bootstrap")
	}
	if self.swappingTarget {
		self.stateLock.Unlock()
		return fmt.Errorf("sync target swap already in progress")
	}
	self.swappingTarget = true
	old := self.activeSession
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.swappingTarget = false
		self.stateLock.Unlock()
	}()

	glog.Infof("[ctl]swapping sync target to %s:%d\n", target.Kind, target.UserId)

	old.Stop(true)

	self.stateLock.Lock()
	self.target = target
	self.initial = NewDelayed[*Consumable[*InitialState]]()
	self.clientSessionId = NewId()
	self.stateLock.Unlock()

	session, err := self.newSessionFor(target)
	if err != nil {
		return fmt.Errorf("swap sync target: %w", err)
	}
	self.activate(session)

	initialState, err := self.finishBootstrap(ctx, session)
	if err != nil {
		session.Stop(false)
		return fmt.Errorf("swap sync target: %w", err)
	}

	// the snapshot goes downstream before the delivery gate opens so the
	// consumer never sees a post-swap delta ahead of the new base state
	for _, delivery := range initialState.Deliveries {
		self.mail.Accept(delivery)
	}
	self.consumer.Push(initialState.Changes)
	session.Release()

	eventbus.Publish(self.bus, SyncTargetChangedEvent{Target: target})
	return nil
}

// claims primary-writer status for local-user targets. A successful claim
// may return a catch-up change for a transition that raced the claim, it
// is appended to the initial state so it lands before any post-bootstrap
// change. Exhausting all attempts degrades to read-only, not an error.
func (self *SyncController) tryTakeSession(ctx context.Context, session *Session, initialState *InitialState) {
	self.stateLock.Lock()
	target := self.target
	self.stateLock.Unlock()
	if target.Kind != SyncTargetLocalUser {
		return
	}

	for attempt := 0; attempt < self.settings.TakeSessionAttempts; attempt += 1 {
		catchup, err := session.Channel().TakeSession(ctx)
		if err == nil {
			if catchup != nil && catchup.Change != nil {
				// a positive version association, apply the change
				// in advance of the server sync
				initialState.Changes = append(initialState.Changes, catchup.Change)
				self.ledger.RecordVersion(catchup.Change.EntityId, catchup.Change.Version)
			}
			return
		}
		glog.Warningf("[ctl]error trying to become primary session = %s\n", err)
		select {
		case <-ctx.Done():
			return
		case <-self.clock.After(self.settings.TakeSessionBackoff):
		}
	}
	glog.Errorf("[ctl]failed to become primary session\n")
}

func (self *SyncController) periodicRadiusUpdate(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-self.clock.After(self.settings.RadiusPollInterval):
		}

		self.stateLock.Lock()
		session := self.activeSession
		radius := self.currentRadius
		lastSent := self.lastSentRadius
		self.stateLock.Unlock()

		if session == nil || radius == lastSent {
			continue
		}
		if err := session.Channel().ChangeRadius(ctx, radius); err != nil {
			glog.Warningf("[ctl]could not adjust sync radius = %s\n", err)
			select {
			case <-ctx.Done():
				return
			case <-self.clock.After(self.settings.RadiusErrorHoldoff):
			}
			continue
		}
		self.stateLock.Lock()
		self.lastSentRadius = radius
		self.stateLock.Unlock()
	}
}

// no-op unless the sync target is the local authenticated user
func (self *SyncController) Publish(ctx context.Context, events []Event) ([]PublishResult, error) {
	self.stateLock.Lock()
	target := self.target
	session := self.activeSession
	self.stateLock.Unlock()

	if target.Kind != SyncTargetLocalUser || len(events) == 0 {
		return []PublishResult{}, nil
	}
	if session == nil {
		return nil, fmt.Errorf("sync controller not started")
	}
	return session.Channel().Publish(ctx, events)
}

// fire and forget. No-op unless the sync target is the local user.
func (self *SyncController) PublishOneWay(ctx context.Context, events []Event) error {
	self.stateLock.Lock()
	target := self.target
	session := self.activeSession
	self.stateLock.Unlock()

	if target.Kind != SyncTargetLocalUser || len(events) == 0 {
		return nil
	}
	if session == nil {
		return fmt.Errorf("sync controller not started")
	}
	return session.Channel().PublishOneWay(ctx, events)
}

func (self *SyncController) onServerTime(secondsSinceEpoch float64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.serverTime = ServerTime{
		SecondsSinceEpoch: secondsSinceEpoch,
		ReceivedAt:        time.Now(),
		EstimatedRtt:      self.rtt.Latest(),
	}
}

func (self *SyncController) onBuildId(buildId string) {
	self.stateLock.Lock()
	changed := self.serverBuildId != buildId
	self.serverBuildId = buildId
	self.stateLock.Unlock()
	if changed {
		eventbus.Publish(self.bus, BuildIdChangedEvent{BuildId: buildId})
	}
}

func (self *SyncController) onKeepAlive(rtt time.Duration) {
	eventbus.Publish(self.bus, KeepAliveEvent{Rtt: rtt})
}

func (self *SyncController) onFatal(err error) {
	glog.Errorf("[ctl]fatal stream error = %s\n", err)
	eventbus.Publish(self.bus, ForceReloadEvent{Reason: err.Error()})
}

// cancels every background loop, drains nothing, and closes the active
// channel. Stop is terminal, a stopped controller cannot be restarted,
// build a new one instead. Safe to call more than once.
func (self *SyncController) Stop(reason string) {
	self.stateLock.Lock()
	if self.stopped {
		self.stateLock.Unlock()
		return
	}
	self.stopped = true
	self.stateLock.Unlock()

	glog.Warningf("[ctl]shutting down sync: %s\n", reason)
	self.tasks.CancelAndWait()

	self.stateLock.Lock()
	session := self.activeSession
	self.activeSession = nil
	self.stateLock.Unlock()
	if session != nil {
		session.Stop(false)
	}
}
