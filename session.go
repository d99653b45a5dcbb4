package worldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

// the bootstrap snapshot: the first fully-resolved batch of changes plus
// deliveries, wrapped by the controller so it can be consumed at most once
type InitialState struct {
	Changes    []*Change
	Deliveries []Delivery
}

// run before each subscribe attempt for local-user targets,
// e.g. to ensure the player entity exists server-side
type PrepareFunc func(ctx context.Context, channel Channel) error

// executes an opaque diagnostic instruction from the server
type EvalFunc func(ctx context.Context, code string) (string, error)

type SessionSettings struct {
	KeepAliveInterval time.Duration
	Stream            *ReliableStreamSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		KeepAliveInterval: 10 * time.Second,
		Stream:            DefaultReliableStreamSettings(),
	}
}

type sessionConfig struct {
	channel  Channel
	target   SyncTarget
	resolver *OobResolver
	ledger   *VersionLedger
	consumer ChangeConsumer
	mail     MailAcceptor
	stats    *SyncStats
	clock    clockwork.Clock
	rtt      *RttWindow
	settings *SessionSettings

	// controller-owned, shared across sessions so a handover session
	// never produces a second bootstrap
	initial *Delayed[*Consumable[*InitialState]]

	radius  func() int
	prepare PrepareFunc
	eval    EvalFunc

	onServerTime func(secondsSinceEpoch float64)
	onBuildId    func(buildId string)
	onKeepAlive  func(rtt time.Duration)
	onFatal      func(err error)
}

// one physical channel, one subscription loop, one keep-alive loop,
// and one strictly ordered delivery queue.
// multiple sessions may be alive during handover, at most one delivers.
type Session struct {
	sessionId Id

	// subscribe, keep-alive and eval tasks. Cancelled first on stop.
	loopTasks *TaskController
	// the delivery drain. Cancelled only after the queue is drained
	// (or abandoned on a no-drain stop).
	deliveryTasks *TaskController

	channel  Channel
	target   SyncTarget
	resolver *OobResolver
	ledger   *VersionLedger
	consumer ChangeConsumer
	mail     MailAcceptor
	stats    *SyncStats
	clock    clockwork.Clock
	rtt      *RttWindow
	settings *SessionSettings

	initial *Delayed[*Consumable[*InitialState]]

	radius  func() int
	prepare PrepareFunc
	eval    EvalFunc

	onServerTime func(secondsSinceEpoch float64)
	onBuildId    func(buildId string)
	onKeepAlive  func(rtt time.Duration)
	onFatal      func(err error)

	buffer *SyncBuffer

	// signaled when this session's subscription has seen bootstrapComplete
	bootstrapped *Latch
	// delivery is held until the owner releases it, so an arbitration
	// catch-up lands in the initial state before any post-bootstrap change
	releaseDeliveries *Latch
	// unbounded so the subscribe loop never blocks while the gate is
	// closed. The server controls the size of a handover catch-up, the
	// client cannot bound it.
	deliveries     *syncBufferQueue
	deliveriesDone *Latch

	fatal    *Latch
	fatalErr error

	stopOnce sync.Once
}

func newSession(tasks *TaskController, config *sessionConfig) *Session {
	return &Session{
		sessionId:         config.channel.ChannelId(),
		loopTasks:         tasks.Chain(),
		deliveryTasks:     tasks.Chain(),
		channel:           config.channel,
		target:            config.target,
		resolver:          config.resolver,
		ledger:            config.ledger,
		consumer:          config.consumer,
		mail:              config.mail,
		stats:             config.stats,
		clock:             config.clock,
		rtt:               config.rtt,
		settings:          config.settings,
		initial:           config.initial,
		radius:            config.radius,
		prepare:           config.prepare,
		eval:              config.eval,
		onServerTime:      config.onServerTime,
		onBuildId:         config.onBuildId,
		onKeepAlive:       config.onKeepAlive,
		onFatal:           config.onFatal,
		buffer:            NewSyncBuffer(config.resolver),
		bootstrapped:      NewLatch(),
		releaseDeliveries: NewLatch(),
		deliveries:        newSyncBufferQueue(),
		deliveriesDone:    NewLatch(),
		fatal:             NewLatch(),
	}
}

func (self *Session) SessionId() Id {
	return self.sessionId
}

func (self *Session) Channel() Channel {
	return self.channel
}

func (self *Session) Start() {
	subscriptionName := fmt.Sprintf("subscription:%s", self.sessionId)
	self.loopTasks.Background(subscriptionName, func(ctx context.Context) {
		defer self.deliveries.close()
		err := reliableStream(
			ctx,
			subscriptionName,
			self.channel.Subscribe,
			self.buildRequest,
			self.handleDelta,
			self.settings.Stream,
		)
		if err != nil {
			// the subscription's sequencing state can no longer be
			// trusted, the owner must fully restart
			self.fatalErr = err
			self.fatal.Signal()
			if self.onFatal != nil {
				self.onFatal(err)
			}
		}
	})
	self.deliveryTasks.Background(fmt.Sprintf("delivery:%s", self.sessionId), self.deliveryLoop)
	self.loopTasks.Background(fmt.Sprintf("keepAlive:%s", self.sessionId), self.keepAlivePeriodically)
}

// blocks until the subscription has seen bootstrapComplete.
// for the first session of a controller this is the bootstrap snapshot,
// for a handover session it confirms the catch-up stream is healthy.
func (self *Session) WaitForBootstrap(ctx context.Context) error {
	select {
	case <-self.bootstrapped.Done():
		return nil
	case <-self.fatal.Done():
		return self.fatalErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// opens the gate for ordered delivery to the downstream consumer
func (self *Session) Release() {
	self.releaseDeliveries.Signal()
}

// rebuilt fresh on every attempt, never reused across retries
func (self *Session) buildRequest(ctx context.Context) (*SubscribeRequest, error) {
	if self.prepare != nil && self.target.Kind == SyncTargetLocalUser {
		if err := self.prepare(ctx, self.channel); err != nil {
			return nil, err
		}
	}
	encoded, err := self.ledger.Snapshot()
	if err != nil {
		return nil, err
	}
	return &SubscribeRequest{
		Bootstrapped:            self.initial.Satisfied(),
		Radius:                  self.radius(),
		CompressedVersionLedger: encoded,
		SyncTarget:              self.target,
	}, nil
}

func (self *Session) handleDelta(delta *SyncDelta) {
	self.stats.markUpdate()
	count := self.buffer.Update(delta)
	satisfied := self.initial.Satisfied()
	self.stats.addChanges(satisfied, count)

	// clock and build id are order-independent side effects
	if delta.SecondsSinceEpoch != nil && self.onServerTime != nil {
		self.onServerTime(*delta.SecondsSinceEpoch)
	}
	if delta.BuildId != "" && self.onBuildId != nil {
		self.onBuildId(delta.BuildId)
	}

	if satisfied {
		self.enqueue(self.buffer.Flush())
		if delta.BootstrapComplete {
			// a handover subscription confirming catch-up is done
			self.bootstrapped.Signal()
		}
	} else if delta.BootstrapComplete {
		self.completeBootstrap()
	}

	for _, eval := range delta.Evals {
		self.runEval(eval)
	}
}

func (self *Session) completeBootstrap() {
	firstBuffer := self.buffer.Flush()
	changes, err := firstBuffer.LoadChanges(self.loopTasks.Context(), LoadModeBootstrap)
	if err != nil {
		if self.loopTasks.Context().Err() != nil {
			return
		}
		glog.Errorf("[sub]%s bootstrap load error = %s\n", self.sessionId, err)
		self.fatalErr = fmt.Errorf("bootstrap load: %w", err)
		self.fatal.Signal()
		if self.onFatal != nil {
			self.onFatal(self.fatalErr)
		}
		return
	}

	for _, change := range changes {
		self.ledger.RecordVersion(change.EntityId, change.Version)
	}

	glog.Infof(
		"[sub]%s bootstrap complete with %d changes, %d deliveries\n",
		self.sessionId,
		len(changes),
		len(firstBuffer.Deliveries()),
	)

	resolved := self.initial.Resolve(NewConsumable(&InitialState{
		Changes:    changes,
		Deliveries: firstBuffer.Deliveries(),
	}))
	if !resolved {
		// race, it completed while doing the bootstrap load.
		// consume it normally.
		self.enqueue(firstBuffer)
	}
	self.bootstrapped.Signal()
}

func (self *Session) enqueue(buffer *ConsumableSyncBuffer) {
	self.deliveries.add(buffer)
}

func (self *Session) deliveryLoop(ctx context.Context) {
	defer self.deliveriesDone.Signal()

	select {
	case <-self.releaseDeliveries.Done():
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buffer, ok := self.deliveries.next(ctx)
		if !ok {
			return
		}
		self.deliver(ctx, buffer)
	}
}

func (self *Session) deliver(ctx context.Context, buffer *ConsumableSyncBuffer) {
	for _, delivery := range buffer.Deliveries() {
		self.stats.markDelivery()
		self.mail.Accept(delivery)
	}

	changes, err := buffer.LoadChanges(ctx, LoadModeSync)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// skipping a batch would leave a gap, the owner must restart
		glog.Errorf("[sub]%s delta resolve error = %s\n", self.sessionId, err)
		if self.onFatal != nil {
			self.onFatal(fmt.Errorf("resolve delta batch: %w", err))
		}
		return
	}
	if 0 < len(changes) {
		self.stats.markChange()
		for _, change := range changes {
			self.ledger.RecordVersion(change.EntityId, change.Version)
		}
		self.consumer.Push(changes)
	}
}

func (self *Session) keepAlivePeriodically(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-self.clock.After(self.settings.KeepAliveInterval):
		}
		self.keepAlive(ctx)
	}
}

func (self *Session) keepAlive(ctx context.Context) {
	sendTime := time.Now()
	// the hint is the clamped window mean, never zero
	err := self.channel.KeepAlive(ctx, self.rtt.ScaledRtt())
	if err != nil {
		glog.Warningf("[ka]%s failed = %s\n", self.sessionId, err)
		return
	}
	self.rtt.Observe(sendTime, time.Now())
	if self.onKeepAlive != nil {
		self.onKeepAlive(self.rtt.Latest())
	}
}

func (self *Session) runEval(eval Eval) {
	self.loopTasks.Background(fmt.Sprintf("eval:%s", eval.Token), func(ctx context.Context) {
		var result string
		if self.eval == nil {
			result = "[error: eval unsupported]"
		} else if out, err := self.eval(ctx, eval.Code); err != nil {
			result = fmt.Sprintf("[error: %s]", err)
		} else {
			result = out
		}
		err := self.channel.ReturnEval(ctx, EvalResult{
			Token:  eval.Token,
			Result: result,
		})
		if err != nil {
			glog.Warningf("[sub]%s eval return failed = %s\n", self.sessionId, err)
		}
	})
}

// tears the session down. With drain, everything already flushed is
// delivered downstream before the channel closes, which is what keeps
// handover gap-free. Without drain, queued batches are abandoned.
// safe to call more than once.
func (self *Session) Stop(drain bool) {
	self.stopOnce.Do(func() {
		self.loopTasks.CancelAndWait()
		if drain {
			self.releaseDeliveries.Signal()
			select {
			case <-self.deliveriesDone.Done():
			case <-self.deliveryTasks.Context().Done():
			}
		}
		self.deliveryTasks.CancelAndWait()
		self.channel.Close()
	})
}

// fifo of flushed batches between the subscribe loop and the delivery
// drain. Grows as needed, adds never block.
type syncBufferQueue struct {
	stateLock sync.Mutex
	buffers   []*ConsumableSyncBuffer
	closed    bool
	notify    chan struct{}
}

func newSyncBufferQueue() *syncBufferQueue {
	return &syncBufferQueue{
		notify: make(chan struct{}, 1),
	}
}

func (self *syncBufferQueue) add(buffer *ConsumableSyncBuffer) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.buffers = append(self.buffers, buffer)
	self.stateLock.Unlock()
	self.signal()
}

// no more adds. Pending buffers stay readable.
func (self *syncBufferQueue) close() {
	self.stateLock.Lock()
	self.closed = true
	self.stateLock.Unlock()
	self.signal()
}

func (self *syncBufferQueue) signal() {
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

// blocks until a buffer is available. False when the queue closed empty
// or the context ended.
func (self *syncBufferQueue) next(ctx context.Context) (*ConsumableSyncBuffer, bool) {
	for {
		self.stateLock.Lock()
		if 0 < len(self.buffers) {
			buffer := self.buffers[0]
			self.buffers = self.buffers[1:]
			self.stateLock.Unlock()
			return buffer, true
		}
		closed := self.closed
		self.stateLock.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-self.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}
