package syncengine

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that iteration during callbacks
// never races with add/remove
type CallbackList[T any] struct {
	stateLock sync.Mutex
	nextId    int
	ids       []int
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.callbacks
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	nextIds := slices.Clone(self.ids)
	nextCallbacks := slices.Clone(self.callbacks)
	self.ids = append(nextIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.ids, callbackId)
	if i < 0 {
		// not present
		return
	}
	nextIds := slices.Clone(self.ids)
	nextCallbacks := slices.Clone(self.callbacks)
	self.ids = slices.Delete(nextIds, i, i+1)
	self.callbacks = slices.Delete(nextCallbacks, i, i+1)
}

// counts down a fixed interval from the time it was created,
// so that time spent working counts against the wait
type Reconnect struct {
	endTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		endTime: time.Now().Add(timeout),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(time.Until(self.endTime))
}

// persisted timestamps are unix milliseconds

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(millis int64) time.Time {
	if millis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
