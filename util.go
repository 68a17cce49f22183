package worldsync

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// runs `do` and recovers from any panic, so a misbehaving callback cannot
// take down the event loop. optional handlers receive the recovered error.
func HandleError(do func(), handlers ...func(error)) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// notifies waiters by closing the current channel and creating a new one
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
	return self.update
}

// makes a copy of the list on get, so callbacks can be added and removed
// while a dispatch is in progress
type CallbackList[T any] struct {
	mutex      sync.Mutex
	callbackId int
	callbacks  map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, callback := range self.callbacks {
		callbacks = append(callbacks, callback)
	}
	return callbacks
}

// returns an idempotent remove function
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbackId += 1
	callbackId := self.callbackId
	self.callbacks[callbackId] = callback

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.callbacks, callbackId)
	}
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}
