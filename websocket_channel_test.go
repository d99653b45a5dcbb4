package worldsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func testWsSettings() *WebSocketChannelSettings {
	return &WebSocketChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   50 * time.Millisecond,
		PingTimeout:        100 * time.Millisecond,
		WriteTimeout:       2 * time.Second,
		ReadTimeout:        5 * time.Second,
		CallTimeout:        2 * time.Second,
		SendBufferSize:     32,
		DeltaBufferSize:    64,
	}
}

// minimal sync server endpoint: auth echo, then scripted message handling
func startWsServer(t *testing.T, handle func(connIndex int, conn *websocket.Conn, message *clientMessage)) (*httptest.Server, string) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	connCount := atomic.Int64{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connIndex := int(connCount.Add(1)) - 1

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, authBytes, err := conn.ReadMessage()
		if err != nil {
			return
		}
		auth := &wsAuthFrame{}
		if err := json.Unmarshal(authBytes, auth); err != nil {
			return
		}
		if auth.ByJwt == "" {
			writeServerMessage(conn, &serverMessage{
				Type:  typeHello,
				Error: "missing jwt",
			})
			return
		}
		writeServerMessage(conn, &serverMessage{
			Type:            typeHello,
			ServerSessionId: "srv-1",
		})

		for {
			_, messageBytes, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if len(messageBytes) == 0 {
				// ping
				continue
			}
			message := &clientMessage{}
			if err := json.Unmarshal(messageBytes, message); err != nil {
				continue
			}
			handle(connIndex, conn, message)
		}
	}))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return server, url
}

func writeServerMessage(conn *websocket.Conn, message *serverMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.BinaryMessage, messageBytes)
}

func testClientAuth() *ClientAuth {
	return &ClientAuth{
		ByJwt:      "test-jwt",
		InstanceId: NewId(),
		AppVersion: "test",
	}
}

func TestWebSocketChannelSubscribeAndCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := make(chan *clientMessage, 64)
	server, url := startWsServer(t, func(connIndex int, conn *websocket.Conn, message *clientMessage) {
		requests <- message
		switch message.Type {
		case typeSubscribe:
			writeServerMessage(conn, &serverMessage{
				Type: typeDelta,
				Delta: &SyncDelta{
					Changes:           []SyncChange{fullChange(1, 1)},
					BootstrapComplete: true,
				},
			})
		case typeKeepAlive, typeTakeSession, typeChangeRadius:
			writeServerMessage(conn, &serverMessage{
				Type:      typeAck,
				RequestId: message.RequestId,
			})
		}
	})
	defer server.Close()

	channel := NewWebSocketChannel(ctx, url, testClientAuth(), NewId(), ObserverTarget(1), testWsSettings())
	defer channel.Close()

	assert.Equal(t, channel.WaitForReady(ctx), nil)
	assert.Equal(t, channel.ServerSessionId(), "srv-1")
	assert.Equal(t, channel.Stats().Status, ChannelStatusReady)

	deltas, err := channel.Subscribe(ctx, &SubscribeRequest{Radius: 32})
	assert.Equal(t, err, nil)

	select {
	case delta := <-deltas:
		assert.Equal(t, delta.BootstrapComplete, true)
		assert.Equal(t, len(delta.Changes), 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no delta")
	}

	// one subscription per channel
	_, err = channel.Subscribe(ctx, &SubscribeRequest{})
	assert.NotEqual(t, err, nil)

	assert.Equal(t, channel.KeepAlive(ctx, 10*time.Millisecond), nil)
	catchup, err := channel.TakeSession(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, catchup, nil)
	assert.Equal(t, channel.ChangeRadius(ctx, 64), nil)

	subscribe := <-requests
	assert.Equal(t, subscribe.Type, typeSubscribe)
	assert.Equal(t, subscribe.Subscribe.Radius, 32)
	keepAlive := <-requests
	assert.Equal(t, keepAlive.Type, typeKeepAlive)
	assert.NotEqual(t, keepAlive.RttMillis, nil)
	takeSession := <-requests
	assert.Equal(t, takeSession.Type, typeTakeSession)
	changeRadius := <-requests
	assert.Equal(t, changeRadius.Type, typeChangeRadius)
	assert.Equal(t, *changeRadius.Radius, 64)
}

func TestWebSocketChannelReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, url := startWsServer(t, func(connIndex int, conn *websocket.Conn, message *clientMessage) {
		if message.Type != typeSubscribe {
			return
		}
		if connIndex == 0 {
			// kill the first connection mid-session
			conn.Close()
			return
		}
		writeServerMessage(conn, &serverMessage{
			Type:  typeDelta,
			Delta: &SyncDelta{BootstrapComplete: true},
		})
	})
	defer server.Close()

	channel := NewWebSocketChannel(ctx, url, testClientAuth(), NewId(), ObserverTarget(1), testWsSettings())
	defer channel.Close()

	assert.Equal(t, channel.WaitForReady(ctx), nil)
	deltas, err := channel.Subscribe(ctx, &SubscribeRequest{})
	assert.Equal(t, err, nil)

	// the dead connection ends the stream instead of stalling it
	select {
	case _, ok := <-deltas:
		assert.Equal(t, ok, false)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}

	// the channel reconnects on its own and can subscribe again
	assert.Equal(t, channel.WaitForReady(ctx), nil)
	deltas, err = channel.Subscribe(ctx, &SubscribeRequest{})
	assert.Equal(t, err, nil)

	select {
	case delta := <-deltas:
		assert.Equal(t, delta.BootstrapComplete, true)
	case <-time.After(5 * time.Second):
		t.Fatal("no delta after reconnect")
	}
}

func TestWebSocketChannelBackpressureEndsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testWsSettings()
	settings.DeltaBufferSize = 1
	settings.ReadTimeout = 500 * time.Millisecond

	server, url := startWsServer(t, func(connIndex int, conn *websocket.Conn, message *clientMessage) {
		if message.Type != typeSubscribe {
			return
		}
		if connIndex == 0 {
			// more deltas than the stalled consumer's buffer holds
			for version := 1; version <= 3; version += 1 {
				writeServerMessage(conn, &serverMessage{
					Type: typeDelta,
					Delta: &SyncDelta{
						Changes: []SyncChange{fullChange(1, Version(version))},
					},
				})
			}
			return
		}
		writeServerMessage(conn, &serverMessage{
			Type: typeDelta,
			Delta: &SyncDelta{
				Changes: []SyncChange{fullChange(1, 4)},
			},
		})
	})
	defer server.Close()

	channel := NewWebSocketChannel(ctx, url, testClientAuth(), NewId(), ObserverTarget(1), settings)
	defer channel.Close()

	assert.Equal(t, channel.WaitForReady(ctx), nil)
	deltas, err := channel.Subscribe(ctx, &SubscribeRequest{})
	assert.Equal(t, err, nil)

	// the consumer stalls past the backpressure window before draining
	time.Sleep(1 * time.Second)

	// the stream must end rather than stay open with deltas missing.
	// an ended stream is recoverable, the owner resubscribes with its
	// ledger. A silent gap is not.
	received := []Version{}
	drained := false
	for !drained {
		select {
		case delta, ok := <-deltas:
			if !ok {
				drained = true
				break
			}
			received = append(received, delta.Changes[0].Change.Version)
		case <-time.After(5 * time.Second):
			t.Fatal("stream still open after undeliverable delta")
		}
	}
	for i, version := range received {
		assert.Equal(t, version, Version(i+1))
	}
	assert.Equal(t, len(received) < 3, true)

	// the channel reconnects and a fresh subscription works.
	// the scripted server stays quiet between subscriptions so the
	// connection may recycle, retry until one sticks.
	var recovered *SyncDelta
	waitFor(t, "no delta after reconnect", func() bool {
		if err := channel.WaitForReady(ctx); err != nil {
			return false
		}
		deltas, err := channel.Subscribe(ctx, &SubscribeRequest{})
		if err != nil {
			return false
		}
		select {
		case delta, ok := <-deltas:
			if ok {
				recovered = delta
				return true
			}
		case <-time.After(1 * time.Second):
		}
		return false
	})
	assert.Equal(t, recovered.Changes[0].Change.Version, Version(4))
}

func TestWebSocketChannelAuthRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, url := startWsServer(t, func(connIndex int, conn *websocket.Conn, message *clientMessage) {})
	defer server.Close()

	auth := &ClientAuth{
		// rejected by the server
		ByJwt:      "",
		InstanceId: NewId(),
	}
	channel := NewWebSocketChannel(ctx, url, auth, NewId(), ObserverTarget(1), testWsSettings())
	defer channel.Close()

	readyCtx, readyCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer readyCancel()
	assert.NotEqual(t, channel.WaitForReady(readyCtx), nil)
}

func TestWebSocketChannelLameDuck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, url := startWsServer(t, func(connIndex int, conn *websocket.Conn, message *clientMessage) {
		if message.Type == typeSubscribe {
			writeServerMessage(conn, &serverMessage{Type: typeLameDuck})
			writeServerMessage(conn, &serverMessage{Type: typeReloadRequest})
		}
	})
	defer server.Close()

	channel := NewWebSocketChannel(ctx, url, testClientAuth(), NewId(), ObserverTarget(1), testWsSettings())
	defer channel.Close()

	lameDuck := make(chan struct{}, 1)
	channel.AddLameDuckCallback(func() {
		lameDuck <- struct{}{}
	})
	reload := make(chan struct{}, 1)
	channel.AddReloadCallback(func() {
		reload <- struct{}{}
	})

	assert.Equal(t, channel.WaitForReady(ctx), nil)
	_, err := channel.Subscribe(ctx, &SubscribeRequest{})
	assert.Equal(t, err, nil)

	select {
	case <-lameDuck:
	case <-time.After(5 * time.Second):
		t.Fatal("no lame duck callback")
	}
	select {
	case <-reload:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload callback")
	}
}

func TestWebSocketChannelClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, url := startWsServer(t, func(connIndex int, conn *websocket.Conn, message *clientMessage) {})
	defer server.Close()

	channel := NewWebSocketChannel(ctx, url, testClientAuth(), NewId(), ObserverTarget(1), testWsSettings())
	assert.Equal(t, channel.WaitForReady(ctx), nil)

	channel.Close()
	waitFor(t, "channel did not close", func() bool {
		return channel.Stats().Status == ChannelStatusClosed
	})

	assert.Equal(t, channel.WaitForReady(ctx), ErrChannelClosed)
	_, err := channel.Subscribe(ctx, &SubscribeRequest{})
	assert.NotEqual(t, err, nil)
}
