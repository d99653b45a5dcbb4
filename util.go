package worldsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(self.callbackIds, i, i+1)
	delete(self.callbacks, callbackId)
}

// fixed backoff between attempts.
// the window opens when the reconnect is created so that time spent
// attempting counts against the backoff.
type Reconnect struct {
	timeout   time.Duration
	startTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout:   timeout,
		startTime: time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.startTime)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}

// one-shot signal
type Latch struct {
	once sync.Once
	c    chan struct{}
}

func NewLatch() *Latch {
	return &Latch{
		c: make(chan struct{}),
	}
}

func (self *Latch) Signal() {
	self.once.Do(func() {
		close(self.c)
	})
}

func (self *Latch) Done() <-chan struct{} {
	return self.c
}

func (self *Latch) Wait(ctx context.Context) error {
	select {
	case <-self.c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// a value that can be consumed at most once.
// a second consume returns false instead of re-delivering.
type Consumable[T any] struct {
	mutex    sync.Mutex
	value    T
	consumed bool
}

func NewConsumable[T any](value T) *Consumable[T] {
	return &Consumable[T]{
		value: value,
	}
}

func (self *Consumable[T]) Consume() (T, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.consumed {
		var empty T
		return empty, false
	}
	self.consumed = true
	return self.value, true
}

// a value resolved at most once, awaited by many
type Delayed[T any] struct {
	mutex     sync.Mutex
	value     T
	satisfied bool
	c         chan struct{}
}

func NewDelayed[T any]() *Delayed[T] {
	return &Delayed[T]{
		c: make(chan struct{}),
	}
}

// the first resolve wins. Later resolves are ignored.
func (self *Delayed[T]) Resolve(value T) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.satisfied {
		return false
	}
	self.value = value
	self.satisfied = true
	close(self.c)
	return true
}

func (self *Delayed[T]) Satisfied() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.satisfied
}

func (self *Delayed[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-self.c:
		self.mutex.Lock()
		defer self.mutex.Unlock()
		return self.value, nil
	case <-ctx.Done():
		var empty T
		return empty, ctx.Err()
	}
}

func chunkSlice[T any](values []T, size int) [][]T {
	if size <= 0 {
		panic("chunk size must be positive")
	}
	chunks := [][]T{}
	for i := 0; i < len(values); i += size {
		end := min(i+size, len(values))
		chunks = append(chunks, values[i:end])
	}
	return chunks
}
