// Package mutexbuf hands structured 32-bit numeric data between one
// producing goroutine and any number of consuming goroutines through a
// single flat shared buffer, without serialization. The producer owns the
// buffer, its layout, and a lock word; consumers couple read-only views and
// read locks directly to the producer's word.
package mutexbuf

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/mutexbuf/mutex"
	"github.com/nmxmxh/mutexbuf/utils"
)

// DefaultEmptyValue is the sentinel written into fresh metadata slots when
// the caller does not reserve one.
const DefaultEmptyValue = math.MinInt32

// DefaultUpdateTimeout bounds WaitForFieldUpdate.
const DefaultUpdateTimeout = 5000 * time.Millisecond

// Options configures a MutexBuffer instance.
type Options struct {
	Name          string        // component tag for diagnostics
	EmptyValue    int32         // sentinel for fresh metadata slots; zero selects DefaultEmptyValue
	UpdateTimeout time.Duration // WaitForFieldUpdate budget
	Lock          mutex.Options
	Logger        *utils.Logger
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		EmptyValue:    DefaultEmptyValue,
		UpdateTimeout: DefaultUpdateTimeout,
		Lock:          mutex.DefaultOptions(),
	}
}

// FieldKind selects which field set WaitForFieldUpdate addresses.
type FieldKind int

const (
	FieldMeta FieldKind = iota
	FieldData
)

// MutexBuffer couples one flat shared buffer with asymmetric lock semantics:
// the output side owns the buffer, its layout, and its lock word, and is the
// only writer; any number of input sides couple read-only views and their
// read locks to it. Both sides hand structured 32-bit data across goroutines
// without copying the buffer itself.
type MutexBuffer struct {
	opts Options
	log  *utils.Logger
	mu   *mutex.Mutex
	out  *Layout
	in   *inputBinding
}

// inputBinding is this instance's non-owning window into a producer's
// buffer. It stays valid only while the producer's buffer and offsets do:
// relocation on the producer side is detected via the generation tag, never
// propagated automatically.
type inputBinding struct {
	buf        []byte
	start      int
	metaFields []Field
	dataFields []Field
	prefixLen  int
	arrays     []ArrayDescriptor
	metaView   []int32
	arrayViews [][]int32
	generation uint64
	gen        *atomic.Uint64
}

// New creates an unbound MutexBuffer.
func New(opts Options) *MutexBuffer {
	if opts.EmptyValue == 0 {
		opts.EmptyValue = DefaultEmptyValue
	}
	if opts.UpdateTimeout <= 0 {
		opts.UpdateTimeout = DefaultUpdateTimeout
	}
	if opts.Logger == nil {
		component := opts.Name
		if component == "" {
			component = "mutexbuf"
		}
		opts.Logger = utils.DefaultLogger(component)
	}
	if opts.Lock.Logger == nil {
		opts.Lock.Logger = opts.Logger
	}
	return &MutexBuffer{
		opts: opts,
		log:  opts.Logger,
		mu:   mutex.New(opts.Lock),
		out:  NewLayout(opts.EmptyValue, opts.Logger),
	}
}

// Layout exposes the output-side layout for inspection.
func (b *MutexBuffer) Layout() *Layout {
	return b.out
}

// SetMetaFields defines the metadata field block. Pre-bind only.
func (b *MutexBuffer) SetMetaFields(fields []Field) bool {
	return b.out.SetMetaFields(fields)
}

// SetDataFields defines the per-array field prefix. Pre-bind only.
func (b *MutexBuffer) SetDataFields(fields []Field) bool {
	return b.out.SetDataFields(fields)
}

// SetDataArrays allocates array slots for the given payload lengths.
func (b *MutexBuffer) SetDataArrays(payloadLengths []int) bool {
	return b.out.SetDataArrays(payloadLengths)
}

// Initialize binds the supplied buffer exactly once and arms the output
// scope of the lock.
func (b *MutexBuffer) Initialize(buf []byte, start int) bool {
	if !b.out.Initialize(buf, start) {
		return false
	}
	b.mu.BindOutput(mutex.NewWord(b.out.lockWord))
	return true
}

// SetBufferStartPosition relocates this instance's views within the same
// physical buffer. Previously exported couplings go stale; re-coupling is
// the importers' explicit action.
func (b *MutexBuffer) SetBufferStartPosition(start int) bool {
	if !b.out.SetBufferStartPosition(start) {
		return false
	}
	b.mu.BindOutput(mutex.NewWord(b.out.lockWord))
	return true
}

// ReleaseBuffers tears down all views, own and coupled, and evicts this
// buffer's words from the process-global waiter hub. Irreversible.
func (b *MutexBuffer) ReleaseBuffers() {
	if b.out.bound {
		mutex.ForgetWords(b.out.lockWord, b.out.RequiredLength())
	}
	b.out.ReleaseBuffers()
	b.in = nil
	b.mu.BindOutput(nil)
	b.mu.BindInput(nil)
}

// Lock, Unlock, IsAvailable, OnceAvailable and ExecuteWithLock expose the
// asymmetric lock directly for callers composing their own critical
// sections.

func (b *MutexBuffer) Lock(scope mutex.Scope, mode mutex.Mode) bool {
	return b.mu.Lock(scope, mode)
}

func (b *MutexBuffer) LockWithRetries(scope mutex.Scope, mode mutex.Mode, maxTries int) bool {
	return b.mu.LockWithRetries(scope, mode, maxTries)
}

func (b *MutexBuffer) Unlock(scope mutex.Scope, mode mutex.Mode) bool {
	return b.mu.Unlock(scope, mode)
}

func (b *MutexBuffer) IsAvailable(scope mutex.Scope, mode mutex.Mode) bool {
	return b.mu.IsAvailable(scope, mode)
}

func (b *MutexBuffer) OnceAvailable(scope mutex.Scope, mode mutex.Mode) {
	b.mu.OnceAvailable(scope, mode)
}

func (b *MutexBuffer) ExecuteWithLock(scope mutex.Scope, mode mutex.Mode, body func() error) error {
	return b.mu.ExecuteWithLock(scope, mode, body)
}

// GetMetaFieldValue copies the named metadata field out under a read lock.
// The returned slice never aliases the live view, so it stays correct after
// the lock is released.
func (b *MutexBuffer) GetMetaFieldValue(scope mutex.Scope, name string) ([]int32, bool) {
	view, field, ok := b.metaTarget(scope, name)
	if !ok {
		return nil, false
	}
	out := make([]int32, field.Length)
	err := b.mu.ExecuteWithLock(scope, mutex.ModeRead, func() error {
		for i := range out {
			out[i] = atomic.LoadInt32(&view[field.Position+i])
		}
		return nil
	})
	if err != nil {
		b.log.Error("meta field read failed", utils.String("field", name), utils.Err(err))
		return nil, false
	}
	return out, true
}

// SetMetaFieldValue writes the named metadata field under the write lock and
// notifies waiters parked on the written words. Output side only.
func (b *MutexBuffer) SetMetaFieldValue(name string, values []int32) bool {
	if !b.out.bound {
		b.log.Error("meta field write without a bound buffer", utils.String("field", name))
		return false
	}
	field, ok := b.out.metaField(name)
	if !ok {
		b.log.Error("unknown meta field", utils.String("field", name))
		return false
	}
	if len(values) != field.Length {
		b.log.Error("meta field arity mismatch",
			utils.String("field", name),
			utils.Int("want", field.Length),
			utils.Int("got", len(values)))
		return false
	}
	b.warnOnSentinel(name, values)

	err := b.mu.ExecuteWithLock(mutex.ScopeOutput, mutex.ModeWrite, func() error {
		for i, v := range values {
			p := &b.out.metaView[field.Position+i]
			atomic.StoreInt32(p, v)
			mutex.NotifyWord(p)
		}
		return nil
	})
	if err != nil {
		b.log.Error("meta field write failed", utils.String("field", name), utils.Err(err))
		return false
	}
	return true
}

// GetDataFieldValue copies the named prefix field of one data array out
// under a read lock. arrayIndex < 0 targets the last array.
func (b *MutexBuffer) GetDataFieldValue(scope mutex.Scope, name string, arrayIndex int) ([]int32, bool) {
	view, field, ok := b.dataTarget(scope, name, arrayIndex)
	if !ok {
		return nil, false
	}
	out := make([]int32, field.Length)
	err := b.mu.ExecuteWithLock(scope, mutex.ModeRead, func() error {
		for i := range out {
			out[i] = atomic.LoadInt32(&view[field.Position+i])
		}
		return nil
	})
	if err != nil {
		b.log.Error("data field read failed", utils.String("field", name), utils.Err(err))
		return nil, false
	}
	return out, true
}

// SetDataFieldValue writes the named prefix field of one data array under
// the write lock. arrayIndex < 0 targets the last array. Output side only.
func (b *MutexBuffer) SetDataFieldValue(name string, values []int32, arrayIndex int) bool {
	if !b.out.bound {
		b.log.Error("data field write without a bound buffer", utils.String("field", name))
		return false
	}
	field, ok := b.out.dataField(name)
	if !ok {
		b.log.Error("unknown data field", utils.String("field", name))
		return false
	}
	idx, ok := resolveArray(len(b.out.arrayViews), arrayIndex)
	if !ok {
		b.log.Error("data field write to missing array",
			utils.String("field", name),
			utils.Int("array", arrayIndex))
		return false
	}
	if len(values) != field.Length {
		b.log.Error("data field arity mismatch",
			utils.String("field", name),
			utils.Int("want", field.Length),
			utils.Int("got", len(values)))
		return false
	}
	b.warnOnSentinel(name, values)

	view := b.out.arrayViews[idx]
	err := b.mu.ExecuteWithLock(mutex.ScopeOutput, mutex.ModeWrite, func() error {
		for i, v := range values {
			p := &view[field.Position+i]
			atomic.StoreInt32(p, v)
			mutex.NotifyWord(p)
		}
		return nil
	})
	if err != nil {
		b.log.Error("data field write failed", utils.String("field", name), utils.Err(err))
		return false
	}
	return true
}

// SetData writes a full payload into one data array under the write lock.
// The value count must match the array's payload length. arrayIndex < 0
// targets the last array. Output side only.
func (b *MutexBuffer) SetData(values []int32, arrayIndex int) bool {
	if !b.out.bound {
		b.log.Error("payload write without a bound buffer")
		return false
	}
	idx, ok := resolveArray(len(b.out.arrayViews), arrayIndex)
	if !ok {
		b.log.Error("payload write to missing array", utils.Int("array", arrayIndex))
		return false
	}
	view := b.out.arrayViews[idx]
	payload := len(view) - b.out.prefixLen
	if len(values) != payload {
		b.log.Error("payload arity mismatch",
			utils.Int("array", idx),
			utils.Int("want", payload),
			utils.Int("got", len(values)))
		return false
	}

	err := b.mu.ExecuteWithLock(mutex.ScopeOutput, mutex.ModeWrite, func() error {
		for i, v := range values {
			p := &view[b.out.prefixLen+i]
			atomic.StoreInt32(p, v)
			mutex.NotifyWord(p)
		}
		return nil
	})
	if err != nil {
		b.log.Error("payload write failed", utils.Int("array", idx), utils.Err(err))
		return false
	}
	return true
}

// GetData copies a full payload out of one data array under a read lock.
// arrayIndex < 0 targets the last array.
func (b *MutexBuffer) GetData(scope mutex.Scope, arrayIndex int) ([]int32, bool) {
	views, prefixLen, ok := b.arrayTarget(scope)
	if !ok {
		return nil, false
	}
	idx, ok := resolveArray(len(views), arrayIndex)
	if !ok {
		b.log.Error("payload read from missing array", utils.Int("array", arrayIndex))
		return nil, false
	}
	view := views[idx]
	out := make([]int32, len(view)-prefixLen)
	err := b.mu.ExecuteWithLock(scope, mutex.ModeRead, func() error {
		for i := range out {
			out[i] = atomic.LoadInt32(&view[prefixLen+i])
		}
		return nil
	})
	if err != nil {
		b.log.Error("payload read failed", utils.Int("array", idx), utils.Err(err))
		return nil, false
	}
	return out, true
}

// WaitForFieldUpdate suspends until the 32-bit word backing the addressed
// field changes, returning the observed value, or fails once the update
// timeout elapses. For data fields, arrayIndex < 0 targets the last array:
// arrays fill in order, so the last one indicates overall progress.
func (b *MutexBuffer) WaitForFieldUpdate(scope mutex.Scope, kind FieldKind, fieldIndex, arrayIndex int) (int32, bool) {
	p, ok := b.fieldWord(scope, kind, fieldIndex, arrayIndex)
	if !ok {
		return 0, false
	}
	old := atomic.LoadInt32(p)
	value, changed := mutex.AwaitChange(p, old, b.opts.UpdateTimeout)
	if !changed {
		b.log.Warn("field update wait timed out",
			utils.String("scope", scope.String()),
			utils.Int("field", fieldIndex),
			utils.Duration("timeout", b.opts.UpdateTimeout))
		return value, false
	}
	return value, true
}

// InputIsStale reports whether the coupled producer has relocated or
// released since SetInputMutexProperties ran.
func (b *MutexBuffer) InputIsStale() bool {
	return b.in != nil && b.in.gen != nil && b.in.gen.Load() != b.in.generation
}

func (b *MutexBuffer) warnOnSentinel(name string, values []int32) {
	for _, v := range values {
		if v == b.opts.EmptyValue {
			// Known footgun: the write proceeds, the reader cannot tell the
			// slot from an unset one.
			b.log.Warn("writing reserved empty value into field",
				utils.String("field", name),
				utils.Int32("value", v))
			return
		}
	}
}

func (b *MutexBuffer) metaTarget(scope mutex.Scope, name string) ([]int32, Field, bool) {
	if scope == mutex.ScopeInput {
		if b.in == nil {
			b.log.Error("input read before coupling", utils.String("field", name))
			return nil, Field{}, false
		}
		for _, f := range b.in.metaFields {
			if f.Name == name {
				return b.in.metaView, f, true
			}
		}
		b.log.Error("unknown meta field", utils.String("field", name))
		return nil, Field{}, false
	}

	if !b.out.bound {
		b.log.Error("meta read without a bound buffer", utils.String("field", name))
		return nil, Field{}, false
	}
	f, ok := b.out.metaField(name)
	if !ok {
		b.log.Error("unknown meta field", utils.String("field", name))
		return nil, Field{}, false
	}
	return b.out.metaView, f, true
}

func (b *MutexBuffer) dataTarget(scope mutex.Scope, name string, arrayIndex int) ([]int32, Field, bool) {
	var fields []Field
	var views [][]int32
	if scope == mutex.ScopeInput {
		if b.in == nil {
			b.log.Error("input read before coupling", utils.String("field", name))
			return nil, Field{}, false
		}
		fields = b.in.dataFields
		views = b.in.arrayViews
	} else {
		if !b.out.bound {
			b.log.Error("data read without a bound buffer", utils.String("field", name))
			return nil, Field{}, false
		}
		fields = b.out.dataFields
		views = b.out.arrayViews
	}

	idx, ok := resolveArray(len(views), arrayIndex)
	if !ok {
		b.log.Error("data read from missing array",
			utils.String("field", name),
			utils.Int("array", arrayIndex))
		return nil, Field{}, false
	}
	for _, f := range fields {
		if f.Name == name {
			return views[idx], f, true
		}
	}
	b.log.Error("unknown data field", utils.String("field", name))
	return nil, Field{}, false
}

func (b *MutexBuffer) arrayTarget(scope mutex.Scope) ([][]int32, int, bool) {
	if scope == mutex.ScopeInput {
		if b.in == nil {
			b.log.Error("input read before coupling")
			return nil, 0, false
		}
		return b.in.arrayViews, b.in.prefixLen, true
	}
	if !b.out.bound {
		b.log.Error("payload read without a bound buffer")
		return nil, 0, false
	}
	return b.out.arrayViews, b.out.prefixLen, true
}

func (b *MutexBuffer) fieldWord(scope mutex.Scope, kind FieldKind, fieldIndex, arrayIndex int) (*int32, bool) {
	var fields []Field
	var metaView []int32
	var views [][]int32
	if scope == mutex.ScopeInput {
		if b.in == nil {
			b.log.Error("field wait before coupling")
			return nil, false
		}
		metaView = b.in.metaView
		views = b.in.arrayViews
		if kind == FieldMeta {
			fields = b.in.metaFields
		} else {
			fields = b.in.dataFields
		}
	} else {
		if !b.out.bound {
			b.log.Error("field wait without a bound buffer")
			return nil, false
		}
		metaView = b.out.metaView
		views = b.out.arrayViews
		if kind == FieldMeta {
			fields = b.out.metaFields
		} else {
			fields = b.out.dataFields
		}
	}

	if fieldIndex < 0 || fieldIndex >= len(fields) {
		b.log.Error("field wait on missing field", utils.Int("field", fieldIndex))
		return nil, false
	}
	f := fields[fieldIndex]

	if kind == FieldMeta {
		return &metaView[f.Position], true
	}
	idx, ok := resolveArray(len(views), arrayIndex)
	if !ok {
		b.log.Error("field wait on missing array", utils.Int("array", arrayIndex))
		return nil, false
	}
	return &views[idx][f.Position], true
}

// resolveArray maps a caller index onto [0, n); negative selects the last.
func resolveArray(n, index int) (int, bool) {
	if n == 0 {
		return 0, false
	}
	if index < 0 {
		return n - 1, true
	}
	if index >= n {
		return 0, false
	}
	return index, true
}
