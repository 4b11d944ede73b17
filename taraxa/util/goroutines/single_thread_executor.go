package goroutines

import (
	"sync"
)

// SingleThreadExecutor executes tasks one at a time in submission order.
// TrySubmit lets producers coalesce work instead of blocking when the
// queue is full. Tasks submitted after JoinAndClose are dropped.
type SingleThreadExecutor struct {
	tasks  chan func()
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func (self *SingleThreadExecutor) Init(bufferSize uint32) *SingleThreadExecutor {
	self.tasks = make(chan func(), bufferSize)
	self.done = make(chan struct{})
	go func() {
		defer close(self.done)
		for task := range self.tasks {
			task()
		}
	}()
	return self
}

// Submit blocks until the task is queued and reports false once the
// executor is closed.
func (self *SingleThreadExecutor) Submit(task func()) bool {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if self.closed {
		return false
	}
	self.tasks <- task
	return true
}

func (self *SingleThreadExecutor) TrySubmit(task func()) bool {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if self.closed {
		return false
	}
	select {
	case self.tasks <- task:
		return true
	default:
		return false
	}
}

// Join waits for every task queued so far. It returns at once on a closed
// executor.
func (self *SingleThreadExecutor) Join() {
	var m sync.Mutex
	m.Lock()
	if self.Submit(m.Unlock) {
		m.Lock()
	}
}

func (self *SingleThreadExecutor) JoinAndClose() {
	self.mu.Lock()
	if !self.closed {
		self.closed = true
		close(self.tasks)
	}
	self.mu.Unlock()
	<-self.done
}
