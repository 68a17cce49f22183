package worldsync

import (
	"context"
	"sync"
)

// all replica mutation, registry mutation and reconciliation happen on one
// logical event loop, so none of it needs locking. async completions from
// the transport are posted back onto the loop.

type EventLoop struct {
	ctx    context.Context
	cancel context.CancelFunc

	// the queue grows as needed, so a loop event can post any number of
	// follow-up events without blocking the loop goroutine
	stateLock sync.Mutex
	queue     []func()
	monitor   *Monitor

	closeOnce sync.Once
}

func NewEventLoop(ctx context.Context) *EventLoop {
	cancelCtx, cancel := context.WithCancel(ctx)

	eventLoop := &EventLoop{
		ctx:     cancelCtx,
		cancel:  cancel,
		monitor: NewMonitor(),
	}
	go eventLoop.run()
	return eventLoop
}

func (self *EventLoop) run() {
	for {
		self.stateLock.Lock()
		var event func()
		if 0 < len(self.queue) {
			event = self.queue[0]
			self.queue = self.queue[1:]
		}
		self.stateLock.Unlock()

		if event != nil {
			HandleError(event)
			continue
		}

		// take the notify channel before re-checking the queue so a
		// concurrent post is never missed
		notify := self.monitor.NotifyChannel()
		self.stateLock.Lock()
		queued := 0 < len(self.queue)
		self.stateLock.Unlock()
		if queued {
			continue
		}

		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}
	}
}

// queues `event` to run on the loop. never blocks, so posting from inside a
// loop event is safe. returns false if the loop is closed.
func (self *EventLoop) Post(event func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	self.stateLock.Lock()
	self.queue = append(self.queue, event)
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
	return true
}

// runs `event` on the loop and waits for it to complete
func (self *EventLoop) Call(event func()) bool {
	done := make(chan struct{})
	posted := self.Post(func() {
		defer close(done)
		event()
	})
	if !posted {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-done:
		return true
	}
}

func (self *EventLoop) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *EventLoop) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
	})
}
