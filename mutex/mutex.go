package mutex

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/nmxmxh/mutexbuf/utils"
)

// Scope selects which side of the asymmetric pair an operation targets.
type Scope int

const (
	// ScopeOutput operates on this instance's own lock word.
	ScopeOutput Scope = iota
	// ScopeInput operates on the coupled producer's lock word. An input-side
	// instance never owns a word of its own: its reads are mutually
	// exclusive only with the producer's writes, never with other readers.
	ScopeInput
)

func (s Scope) String() string {
	if s == ScopeInput {
		return "input"
	}
	return "output"
}

// Mode is the caller's intent on the shared buffer.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Options tunes the bounded-retry acquisition loop.
type Options struct {
	MaxTries       int           // acquisition attempts before giving up
	AttemptTimeout time.Duration // blocking wait on the word per attempt
	YieldInterval  time.Duration // cooperative pause between attempts
	Breaker        *BreakerOptions
	Logger         *utils.Logger
}

// DefaultOptions returns the documented tunables: 10 tries, ~90ms blocking
// wait per try, ~10ms yield between tries.
func DefaultOptions() Options {
	return Options{
		MaxTries:       10,
		AttemptTimeout: 90 * time.Millisecond,
		YieldInterval:  10 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxTries <= 0 {
		o.MaxTries = def.MaxTries
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = def.AttemptTimeout
	}
	if o.YieldInterval <= 0 {
		o.YieldInterval = def.YieldInterval
	}
	if o.Logger == nil {
		o.Logger = utils.DefaultLogger("mutex")
	}
	return o
}

var errContended = errors.New("lock word contended")

// Mutex is the asymmetric acquire/release algorithm over two lock words:
// the instance's own word (output scope) and a coupled producer's word
// (input scope). Writers transition 0 -> -1 exclusively; readers increment
// any non-negative count. There is no fairness: readers keep incrementing
// while the word stays non-negative, so a waiting writer can starve.
type Mutex struct {
	opts    Options
	log     *utils.Logger
	out     *Word
	in      *Word
	held    [4]atomic.Bool
	breaker *contentionBreaker

	// Invariant violations are defensively repaired and logged; the limiter
	// keeps a broken caller from flooding the sink.
	violations *rate.Limiter
}

// New creates an unbound Mutex. Bind the output word once a layout is
// initialized and the input word once coupled.
func New(opts Options) *Mutex {
	opts = opts.withDefaults()
	m := &Mutex{
		opts:       opts,
		log:        opts.Logger,
		violations: rate.NewLimiter(rate.Every(time.Second), 4),
	}
	if opts.Breaker != nil {
		m.breaker = newContentionBreaker("mutex", *opts.Breaker)
	}
	return m
}

// BindOutput points the output scope at this instance's own lock word.
func (m *Mutex) BindOutput(w *Word) {
	m.out = w
}

// BindInput couples the input scope to a producer's lock word.
func (m *Mutex) BindInput(w *Word) {
	m.in = w
}

func (m *Mutex) word(scope Scope) *Word {
	if scope == ScopeInput {
		return m.in
	}
	return m.out
}

func heldIndex(scope Scope, mode Mode) int {
	return int(scope)*2 + int(mode)
}

// Holds reports whether this instance marked itself as holding (scope, mode).
// Bookkeeping is one boolean per pair, so concurrent re-entrant use of the
// same instance by independent callers can over- or under-count.
func (m *Mutex) Holds(scope Scope, mode Mode) bool {
	return m.held[heldIndex(scope, mode)].Load()
}

// IsAvailable reports whether an acquisition in the given mode could
// currently succeed: the word is unlocked, or readable while read-locked.
func (m *Mutex) IsAvailable(scope Scope, mode Mode) bool {
	w := m.word(scope)
	if w == nil {
		return false
	}
	cur := w.Load()
	if cur == Unlocked {
		return true
	}
	return mode == ModeRead && cur != WriteLocked
}

// Lock acquires (scope, mode) with the configured retry budget.
func (m *Mutex) Lock(scope Scope, mode Mode) bool {
	return m.LockWithRetries(scope, mode, m.opts.MaxTries)
}

// LockWithRetries acquires (scope, mode) within maxTries attempts. Each
// attempt is one CAS; on contention the caller parks on the word for the
// attempt timeout, then yields briefly before the next try. Exhaustion is a
// value, not a panic: callers poll or retry.
func (m *Mutex) LockWithRetries(scope Scope, mode Mode, maxTries int) bool {
	w := m.word(scope)
	if w == nil {
		m.log.Error("lock on unbound scope",
			utils.String("scope", scope.String()),
			utils.String("mode", mode.String()))
		return false
	}
	if maxTries <= 0 {
		maxTries = m.opts.MaxTries
	}

	attempt := func() error {
		return m.tryAcquire(w, mode)
	}
	run := func() error {
		schedule := backoff.WithMaxRetries(
			backoff.NewConstantBackOff(m.opts.YieldInterval),
			uint64(maxTries-1),
		)
		return backoff.Retry(attempt, schedule)
	}

	var err error
	if m.breaker != nil {
		err = m.breaker.run(run)
	} else {
		err = run()
	}
	if err != nil {
		m.log.Warn("lock retries exhausted",
			utils.String("scope", scope.String()),
			utils.String("mode", mode.String()),
			utils.Int("tries", maxTries),
			utils.Err(err))
		return false
	}

	m.held[heldIndex(scope, mode)].Store(true)
	NotifyWord(w.Addr())
	return true
}

func (m *Mutex) tryAcquire(w *Word, mode Mode) error {
	cur := w.Load()
	if mode == ModeRead {
		if cur >= 0 && w.CompareAndSwap(cur, cur+1) {
			return nil
		}
	} else if w.CompareAndSwap(Unlocked, WriteLocked) {
		return nil
	}

	// Park on the word for a bounded slice; the retry schedule adds the
	// cooperative yield before the next CAS.
	AwaitChange(w.Addr(), w.Load(), m.opts.AttemptTimeout)
	return errContended
}

// Unlock releases (scope, mode). The return value reports full release:
// false means other readers remain, or the word was not in the expected
// state. Invalid states are repaired, logged, and never fatal.
func (m *Mutex) Unlock(scope Scope, mode Mode) bool {
	w := m.word(scope)
	if w == nil {
		m.log.Error("unlock on unbound scope",
			utils.String("scope", scope.String()),
			utils.String("mode", mode.String()))
		return false
	}

	fully := true
	if mode == ModeRead {
		prev := w.Add(-1) + 1
		switch {
		case prev <= 0:
			// Reader count driven below zero. Reset to a safe state.
			w.Store(Unlocked)
			m.violation("read unlock with no readers held",
				utils.String("scope", scope.String()),
				utils.Int32("word", prev))
			fully = false
		case prev > 1:
			fully = false
		}
	} else {
		if !w.CompareAndSwap(WriteLocked, Unlocked) {
			m.violation("write unlock without write lock held",
				utils.String("scope", scope.String()),
				utils.Int32("word", w.Load()))
			fully = false
		}
	}

	m.held[heldIndex(scope, mode)].Store(false)
	NotifyWord(w.Addr())
	return fully
}

// OnceAvailable suspends until IsAvailable(scope, mode) holds. There is no
// timeout: the caller must guarantee eventual release.
func (m *Mutex) OnceAvailable(scope Scope, mode Mode) {
	w := m.word(scope)
	if w == nil {
		m.log.Error("onceAvailable on unbound scope",
			utils.String("scope", scope.String()))
		return
	}
	for {
		cur := w.Load()
		if cur == Unlocked || (mode == ModeRead && cur != WriteLocked) {
			return
		}
		AwaitChange(w.Addr(), cur, m.opts.AttemptTimeout)
	}
}

// ExecuteWithLock runs body under (scope, mode). If this instance already
// holds the pair, acquisition is skipped and the caller's lock is left in
// place; otherwise the lock is taken first and released afterward regardless
// of body's outcome.
func (m *Mutex) ExecuteWithLock(scope Scope, mode Mode, body func() error) error {
	acquired := false
	if !m.Holds(scope, mode) {
		if !m.Lock(scope, mode) {
			return utils.TimeoutError("acquire " + scope.String() + " " + mode.String() + " lock")
		}
		acquired = true
	}
	if acquired {
		defer m.Unlock(scope, mode)
	}
	return body()
}

func (m *Mutex) violation(msg string, fields ...utils.Field) {
	if m.violations.Allow() {
		m.log.Error(msg, fields...)
	}
}
