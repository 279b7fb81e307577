package wishsync

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Reconnect spaces retry attempts so that the delay covers the work done
// since the reconnect was created.
type Reconnect struct {
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		startTime: time.Now(),
		timeout:   timeout,
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

// makes a copy of the list on update, so Get never races a mutation
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	ids       []int
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// Add registers a callback and returns a function that removes it
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	self.ids = append(slices.Clone(self.ids), callbackId)
	self.callbacks = append(slices.Clone(self.callbacks), callback)

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.ids, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.ids = slices.Delete(slices.Clone(self.ids), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}
