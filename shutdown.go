package relay

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// two-phase shutdown: the owner cancels the shared context, then awaits
// all registered keep-alive operations before the process exits.

type Drain struct {
	wg sync.WaitGroup
}

func NewDrain() *Drain {
	return &Drain{}
}

// KeepAlive marks an in-flight operation that shutdown must wait for.
// The returned release function is safe to call more than once.
func (self *Drain) KeepAlive(name string) func() {
	self.wg.Add(1)
	releaseOnce := sync.OnceFunc(func() {
		self.wg.Done()
	})
	return releaseOnce
}

// Go runs `callback` in a goroutine under a keep-alive.
func (self *Drain) Go(name string, callback func()) {
	release := self.KeepAlive(name)
	go func() {
		defer release()
		callback()
	}()
}

// Await blocks until every keep-alive has been released.
func (self *Drain) Await() {
	startTime := time.Now()
	self.wg.Wait()
	glog.Infof("[drain]complete in %s\n", time.Since(startTime))
}
