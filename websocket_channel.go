package worldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WebSocketChannelSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	CallTimeout        time.Duration
	SendBufferSize     int
	DeltaBufferSize    int
}

func DefaultWebSocketChannelSettings() *WebSocketChannelSettings {
	return &WebSocketChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		CallTimeout:        10 * time.Second,
		SendBufferSize:     32,
		DeltaBufferSize:    64,
	}
}

// first frame after the websocket handshake
type wsAuthFrame struct {
	ByJwt           string     `json:"byJwt"`
	AppVersion      string     `json:"appVersion,omitempty"`
	InstanceId      Id         `json:"instanceId"`
	ClientSessionId Id         `json:"clientSessionId"`
	SyncTarget      SyncTarget `json:"syncTarget"`
	DesireAnonymous bool       `json:"desireAnonymous,omitempty"`
}

// Channel over a single websocket endpoint.
// the connection reconnects internally. A disconnect fails in-flight calls
// and closes the active subscription stream so the owner resubscribes with
// fresh parameters.
type WebSocketChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url             string
	auth            *ClientAuth
	clientSessionId Id
	target          SyncTarget
	settings        *WebSocketChannelSettings

	channelId Id

	statusCallbacks   *CallbackList[func(stats ChannelStats)]
	lameDuckCallbacks *CallbackList[func()]
	reloadCallbacks   *CallbackList[func()]

	stateLock       sync.Mutex
	status          ChannelStatus
	serverSessionId string
	connectedAt     time.Time
	ready           chan struct{}
	send            chan []byte
	nextRequestId   uint64
	pending         map[uint64]chan *serverMessage
	subscription    chan *SyncDelta
}

func NewWebSocketChannelWithDefaults(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	clientSessionId Id,
	target SyncTarget,
) *WebSocketChannel {
	return NewWebSocketChannel(ctx, url, auth, clientSessionId, target, DefaultWebSocketChannelSettings())
}

func NewWebSocketChannel(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	clientSessionId Id,
	target SyncTarget,
	settings *WebSocketChannelSettings,
) *WebSocketChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &WebSocketChannel{
		ctx:               cancelCtx,
		cancel:            cancel,
		url:               url,
		auth:              auth,
		clientSessionId:   clientSessionId,
		target:            target,
		settings:          settings,
		channelId:         NewId(),
		statusCallbacks:   NewCallbackList[func(stats ChannelStats)](),
		lameDuckCallbacks: NewCallbackList[func()](),
		reloadCallbacks:   NewCallbackList[func()](),
		status:            ChannelStatusConnecting,
		ready:             make(chan struct{}),
		pending:           map[uint64]chan *serverMessage{},
	}
	go channel.run()
	return channel
}

// the default factory used by the sync controller
func NewWebSocketChannelFactory(
	urlResolver UrlResolverFunc,
	auth *ClientAuth,
	settings *WebSocketChannelSettings,
) ChannelFactory {
	return func(ctx context.Context, clientSessionId Id, target SyncTarget) (Channel, error) {
		url := urlResolver(target)
		return NewWebSocketChannel(ctx, url, auth, clientSessionId, target, settings), nil
	}
}

func (self *WebSocketChannel) run() {
	defer func() {
		self.cancel()
		self.teardown(ChannelStatusClosed)
	}()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, err := self.connect()
		if err != nil {
			glog.Infof("[ch]%s auth error = %s\n", self.channelId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.runConn(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WebSocketChannel) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := json.Marshal(&wsAuthFrame{
		ByJwt:           self.auth.ByJwt,
		AppVersion:      self.auth.AppVersion,
		InstanceId:      self.auth.InstanceId,
		ClientSessionId: self.clientSessionId,
		SyncTarget:      self.target,
		DesireAnonymous: self.target.Kind != SyncTargetLocalUser,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, helloBytes, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	hello := &serverMessage{}
	if err := json.Unmarshal(helloBytes, hello); err != nil {
		return nil, err
	}
	if hello.Type != typeHello {
		return nil, fmt.Errorf("auth response error: %s", hello.Type)
	}
	if hello.Error != "" {
		return nil, fmt.Errorf("auth rejected: %s", hello.Error)
	}

	self.stateLock.Lock()
	self.serverSessionId = hello.ServerSessionId
	self.stateLock.Unlock()

	success = true
	return ws, nil
}

func (self *WebSocketChannel) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.send = send
	self.status = ChannelStatusReady
	self.connectedAt = time.Now()
	close(self.ready)
	self.stateLock.Unlock()

	glog.Infof("[ch]%s connected to %s\n", self.channelId, self.serverSessionId)
	self.notifyStatus()

	defer func() {
		self.teardown(ChannelStatusConnecting)
		self.notifyStatus()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ch]%s-> error = %s\n", self.channelId, err)
					return
				}
				glog.V(2).Infof("[ch]%s->\n", self.channelId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[ch]%s<- error = %s\n", self.channelId, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(messageBytes) == 0 {
				// ping
				glog.V(2).Infof("[ch]ping %s<-\n", self.channelId)
				continue
			}
			message := &serverMessage{}
			if err := json.Unmarshal(messageBytes, message); err != nil {
				glog.Infof("[ch]%s<- bad message = %s\n", self.channelId, err)
				continue
			}
			if err := self.dispatch(handleCtx, message); err != nil {
				glog.Infof("[ch]%s<- %s\n", self.channelId, err)
				return
			}
		default:
			glog.V(2).Infof("[ch]other=%d %s<-\n", messageType, self.channelId)
		}
	}
}

func (self *WebSocketChannel) dispatch(handleCtx context.Context, message *serverMessage) error {
	switch message.Type {
	case typeDelta:
		if message.Delta == nil {
			return nil
		}
		self.stateLock.Lock()
		subscription := self.subscription
		self.stateLock.Unlock()
		if subscription == nil {
			glog.V(2).Infof("[ch]%s<- delta with no subscription\n", self.channelId)
			return nil
		}
		select {
		case <-handleCtx.Done():
		case subscription <- message.Delta:
			glog.V(2).Infof("[ch]%s<- delta\n", self.channelId)
		case <-time.After(self.settings.ReadTimeout):
			// dropping the delta would leave a gap the ledger resubscribe
			// never repairs. End the connection instead so the stream
			// closes and the owner resubscribes from the ledger.
			return fmt.Errorf("delta backpressure, ending connection")
		}
	case typeAck:
		self.stateLock.Lock()
		response, ok := self.pending[message.RequestId]
		if ok {
			delete(self.pending, message.RequestId)
		}
		self.stateLock.Unlock()
		if ok {
			response <- message
		}
	case typeLameDuck:
		glog.Infof("[ch]%s<- lame duck from %s\n", self.channelId, self.serverSessionId)
		for _, callback := range self.lameDuckCallbacks.Get() {
			callback()
		}
	case typeReloadRequest:
		glog.Infof("[ch]%s<- reload request\n", self.channelId)
		for _, callback := range self.reloadCallbacks.Get() {
			callback()
		}
	default:
		glog.V(2).Infof("[ch]%s<- unknown type %s\n", self.channelId, message.Type)
	}
	return nil
}

// fails in-flight calls and ends the active subscription stream
func (self *WebSocketChannel) teardown(status ChannelStatus) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.status == ChannelStatusClosed && status == ChannelStatusConnecting {
		return
	}
	self.status = status
	self.send = nil
	select {
	case <-self.ready:
		// was ready, arm a fresh latch for the next connection
		self.ready = make(chan struct{})
	default:
	}
	for requestId, response := range self.pending {
		close(response)
		delete(self.pending, requestId)
	}
	if self.subscription != nil {
		close(self.subscription)
		self.subscription = nil
	}
}

func (self *WebSocketChannel) notifyStatus() {
	stats := self.Stats()
	for _, callback := range self.statusCallbacks.Get() {
		callback(stats)
	}
}

func (self *WebSocketChannel) ChannelId() Id {
	return self.channelId
}

func (self *WebSocketChannel) ServerSessionId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.serverSessionId
}

func (self *WebSocketChannel) Stats() ChannelStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return ChannelStats{
		ChannelId:       self.channelId,
		ServerSessionId: self.serverSessionId,
		Status:          self.status,
		ConnectedAt:     self.connectedAt,
	}
}

func (self *WebSocketChannel) WaitForReady(ctx context.Context) error {
	for {
		self.stateLock.Lock()
		status := self.status
		ready := self.ready
		self.stateLock.Unlock()

		switch status {
		case ChannelStatusReady:
			return nil
		case ChannelStatusClosed:
			return ErrChannelClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrChannelClosed
		case <-ready:
		}
	}
}

func (self *WebSocketChannel) Subscribe(ctx context.Context, request *SubscribeRequest) (<-chan *SyncDelta, error) {
	if err := self.WaitForReady(ctx); err != nil {
		return nil, err
	}

	deltas := make(chan *SyncDelta, self.settings.DeltaBufferSize)

	self.stateLock.Lock()
	if self.subscription != nil {
		self.stateLock.Unlock()
		return nil, fmt.Errorf("subscription already active on channel %s", self.channelId)
	}
	self.subscription = deltas
	self.stateLock.Unlock()

	err := self.sendMessage(ctx, &clientMessage{
		Type:      typeSubscribe,
		Subscribe: request,
	})
	if err != nil {
		self.stateLock.Lock()
		if self.subscription == deltas {
			self.subscription = nil
		}
		self.stateLock.Unlock()
		return nil, err
	}
	return deltas, nil
}

func (self *WebSocketChannel) sendMessage(ctx context.Context, message *clientMessage) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()
	if send == nil {
		return ErrChannelClosed
	}

	select {
	case send <- messageBytes:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrChannelClosed
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send backpressure timeout")
	}
}

func (self *WebSocketChannel) call(ctx context.Context, message *clientMessage) (*serverMessage, error) {
	response := make(chan *serverMessage, 1)

	self.stateLock.Lock()
	self.nextRequestId += 1
	requestId := self.nextRequestId
	message.RequestId = requestId
	self.pending[requestId] = response
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.pending, requestId)
		self.stateLock.Unlock()
	}()

	if err := self.sendMessage(ctx, message); err != nil {
		return nil, err
	}

	select {
	case result, ok := <-response:
		if !ok {
			return nil, ErrChannelClosed
		}
		if result.Error != "" {
			return nil, fmt.Errorf("%s error: %s", message.Type, result.Error)
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrChannelClosed
	case <-time.After(self.settings.CallTimeout):
		return nil, fmt.Errorf("%s timeout", message.Type)
	}
}

func (self *WebSocketChannel) Publish(ctx context.Context, events []Event) ([]PublishResult, error) {
	result, err := self.call(ctx, &clientMessage{
		Type:   typePublish,
		Events: events,
	})
	if err != nil {
		return nil, err
	}
	return result.Results, nil
}

func (self *WebSocketChannel) PublishOneWay(ctx context.Context, events []Event) error {
	return self.sendMessage(ctx, &clientMessage{
		Type:   typePublishOneWay,
		Events: events,
	})
}

func (self *WebSocketChannel) KeepAlive(ctx context.Context, rttHint time.Duration) error {
	message := &clientMessage{
		Type: typeKeepAlive,
	}
	if 0 < rttHint {
		rttMillis := float64(rttHint) / float64(time.Millisecond)
		message.RttMillis = &rttMillis
	}
	_, err := self.call(ctx, message)
	return err
}

func (self *WebSocketChannel) TakeSession(ctx context.Context) (*SessionCatchup, error) {
	result, err := self.call(ctx, &clientMessage{
		Type: typeTakeSession,
	})
	if err != nil {
		return nil, err
	}
	return result.Catchup, nil
}

func (self *WebSocketChannel) ChangeRadius(ctx context.Context, radius int) error {
	_, err := self.call(ctx, &clientMessage{
		Type:   typeChangeRadius,
		Radius: &radius,
	})
	return err
}

func (self *WebSocketChannel) ReturnEval(ctx context.Context, result EvalResult) error {
	return self.sendMessage(ctx, &clientMessage{
		Type:       typeReturnEval,
		EvalResult: &result,
	})
}

func (self *WebSocketChannel) AddStatusCallback(callback func(stats ChannelStats)) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *WebSocketChannel) AddLameDuckCallback(callback func()) func() {
	return self.lameDuckCallbacks.Add(callback)
}

func (self *WebSocketChannel) AddReloadCallback(callback func()) func() {
	return self.reloadCallbacks.Add(callback)
}

func (self *WebSocketChannel) Close() {
	glog.Infof("[ch]%s close\n", self.channelId)
	self.cancel()
}
