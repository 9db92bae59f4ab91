package mutex

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// The waiter hub is the process-wide analogue of Atomics.wait/notify:
// goroutines park on the address of a 32-bit word and are woken whenever a
// writer touches that word. Broadcast is close-and-replace on a channel, so
// a wakeup is never lost between the value check and the park.

type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func (g *gate) current() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

func (g *gate) broadcast() {
	g.mu.Lock()
	close(g.ch)
	g.ch = make(chan struct{})
	g.mu.Unlock()
}

// Gates are keyed by word address. Addresses already distribute well, so the
// sharding function just folds the high bits in.
var waiters = cmap.NewWithCustomShardingFunction[uint64, *gate](func(key uint64) uint32 {
	return uint32(key>>2) ^ uint32(key>>34)
})

func wordKey(p *int32) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

func gateFor(key uint64) *gate {
	if g, ok := waiters.Get(key); ok {
		return g
	}
	g := &gate{ch: make(chan struct{})}
	if waiters.SetIfAbsent(key, g) {
		return g
	}
	g, _ = waiters.Get(key)
	return g
}

// AwaitChange blocks until the word at p no longer equals old, or timeout
// elapses. It returns the last observed value and whether it changed.
func AwaitChange(p *int32, old int32, timeout time.Duration) (int32, bool) {
	g := gateFor(wordKey(p))
	deadline := time.Now().Add(timeout)

	for {
		ch := g.current()
		if cur := atomic.LoadInt32(p); cur != old {
			return cur, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return atomic.LoadInt32(p), false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// NotifyWord wakes every goroutine parked on the word at p. Wakeups without
// registered waiters are free apart from one map lookup.
func NotifyWord(p *int32) {
	if g, ok := waiters.Get(wordKey(p)); ok {
		g.broadcast()
	}
}

// ForgetWords drops the gates for the `words` consecutive slots starting at
// base, waking anything still parked on them first. Buffers register gates
// lazily but the hub is process-global, so a released buffer's addresses
// would otherwise linger for the life of the process.
func ForgetWords(base *int32, words int) {
	start := wordKey(base)
	for i := 0; i < words; i++ {
		key := start + uint64(i)*4
		if g, ok := waiters.Get(key); ok {
			g.broadcast()
			waiters.Remove(key)
		}
	}
}
