package mutex

import "sync/atomic"

// Lock word states. A positive value is the count of concurrent readers;
// nothing else is valid.
const (
	Unlocked    int32 = 0
	WriteLocked int32 = -1
)

// Word is one signed 32-bit lock word living inside a shared buffer. All
// access goes through atomic operations so that every instance viewing the
// same slot, producer or consumer, observes the same state.
type Word struct {
	p *int32
}

// NewWord wraps the 32-bit slot at p. The slot must be 4-byte aligned.
func NewWord(p *int32) *Word {
	return &Word{p: p}
}

func (w *Word) Load() int32 {
	return atomic.LoadInt32(w.p)
}

func (w *Word) Store(v int32) {
	atomic.StoreInt32(w.p, v)
}

// Add atomically adds delta and returns the new value.
func (w *Word) Add(delta int32) int32 {
	return atomic.AddInt32(w.p, delta)
}

func (w *Word) CompareAndSwap(old, new int32) bool {
	return atomic.CompareAndSwapInt32(w.p, old, new)
}

// Addr exposes the backing slot for wait/notify bookkeeping.
func (w *Word) Addr() *int32 {
	return w.p
}
