package goroutines

import (
	"sync"
)

// GoroutineGroup runs submitted tasks on a fixed number of goroutines.
type GoroutineGroup struct {
	tasks   chan func()
	running sync.WaitGroup
}

func (self *GoroutineGroup) Init(goroutineCount uint32, bufferSize uint32) *GoroutineGroup {
	self.tasks = make(chan func(), bufferSize)
	self.running.Add(int(goroutineCount))
	for i := uint32(0); i < goroutineCount; i++ {
		go func() {
			defer self.running.Done()
			for task := range self.tasks {
				task()
			}
		}()
	}
	return self
}

func (self *GoroutineGroup) InitSingle(bufferSize uint32) *GoroutineGroup {
	return self.Init(1, bufferSize)
}

func (self *GoroutineGroup) Submit(task func()) {
	self.tasks <- task
}

// Join waits until every task submitted before the call has been picked up
// and, for a single goroutine group, executed.
func (self *GoroutineGroup) Join() {
	var done sync.WaitGroup
	done.Add(1)
	self.Submit(done.Done)
	done.Wait()
}

func (self *GoroutineGroup) JoinAndClose() {
	close(self.tasks)
	self.running.Wait()
}
