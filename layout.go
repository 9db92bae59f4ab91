package mutexbuf

import (
	"strconv"
	"sync/atomic"

	"github.com/nmxmxh/mutexbuf/utils"
)

// Layout computes and owns the placement of the lock word, the metadata
// block, and the data arrays inside one flat buffer, and builds the typed
// views over them.
//
// Word layout, in 32-bit units relative to the start offset:
//
//	[0]                 lock word (signed 32-bit)
//	[1 .. 1+metaLen)    metadata fields, packed per field descriptor
//	[1+metaLen .. end)  N data arrays, each = [shared field prefix | payload]
//
// The protocol is two-phase: field and array definitions are validated and
// recomputed freely until Initialize binds a buffer exactly once. After the
// bind the only layout mutations are SetBufferStartPosition, which rebuilds
// every view inside the same physical buffer, and ReleaseBuffers, which
// tears everything down irreversibly.
type Layout struct {
	log   *utils.Logger
	empty int32

	metaFields []Field
	dataFields []Field
	metaLen    int
	prefixLen  int
	payloads   []int
	arrays     []ArrayDescriptor

	buf      []byte
	start    int
	bound    bool
	released bool

	// generation counts layout revisions (bind, relocate, release) so that
	// coupled consumers can detect staleness instead of reading through
	// relocated offsets.
	generation atomic.Uint64

	lockWord   *int32
	metaView   []int32
	arrayViews [][]int32
}

// NewLayout creates an empty layout. The empty value is the sentinel written
// into fresh metadata slots; it is fixed for the lifetime of the instance.
func NewLayout(empty int32, log *utils.Logger) *Layout {
	if log == nil {
		log = utils.DefaultLogger("layout")
	}
	return &Layout{log: log, empty: empty}
}

// SetMetaFields defines the metadata field block. Fields without a position
// are packed sequentially. Fails without mutating state on invalid fields or
// after a buffer is bound.
func (l *Layout) SetMetaFields(fields []Field) bool {
	if !l.mutable("SetMetaFields") {
		return false
	}
	normalized, length, err := normalizeFields(fields)
	if err != nil {
		l.log.Error("meta field definition rejected", utils.Err(err))
		return false
	}
	l.metaFields = normalized
	l.metaLen = length
	l.reposition()
	return true
}

// SetDataFields defines the field prefix shared by every data array and
// re-derives each array's position.
func (l *Layout) SetDataFields(fields []Field) bool {
	if !l.mutable("SetDataFields") {
		return false
	}
	normalized, length, err := normalizeFields(fields)
	if err != nil {
		l.log.Error("data field definition rejected", utils.Err(err))
		return false
	}
	l.dataFields = normalized
	l.prefixLen = length
	l.reposition()
	return true
}

// SetDataArrays allocates one slot per requested payload length, each sized
// prefix + payload, packed sequentially after the metadata block.
func (l *Layout) SetDataArrays(payloadLengths []int) bool {
	if !l.mutable("SetDataArrays") {
		return false
	}
	for i, n := range payloadLengths {
		if n < 0 {
			l.log.Error("data array definition rejected",
				utils.Int("array", i),
				utils.Int("payload", n))
			return false
		}
	}
	l.payloads = append([]int(nil), payloadLengths...)
	l.reposition()
	return true
}

func (l *Layout) reposition() {
	pos := 1 + l.metaLen
	l.arrays = make([]ArrayDescriptor, len(l.payloads))
	for i, payload := range l.payloads {
		length := l.prefixLen + payload
		l.arrays[i] = ArrayDescriptor{Position: pos, Length: length}
		pos += length
	}
}

// RequiredLength returns the total footprint in 32-bit units: one lock word,
// the metadata block, then every data array.
func (l *Layout) RequiredLength() int {
	total := 1 + l.metaLen
	for _, a := range l.arrays {
		total += a.Length
	}
	return total
}

// Initialize binds the layout to buf at the given start offset (in 32-bit
// units). Binding happens exactly once. Fails without mutating state when
// the buffer is too small for the defined layout. On success the lock word
// is unlocked and every metadata slot holds the sentinel empty value.
func (l *Layout) Initialize(buf []byte, start int) bool {
	if l.released {
		l.log.Error("initialize after release")
		return false
	}
	if l.bound {
		l.log.Error("buffer already bound; binding happens exactly once")
		return false
	}

	lockWord, metaView, arrayViews, err := l.buildViews(buf, start)
	if err != nil {
		l.log.Error("initialize rejected",
			utils.Int("start", start),
			utils.Int("required", l.RequiredLength()),
			utils.Int("capacity", len(buf)/WordSize),
			utils.Err(err))
		return false
	}

	l.buf = buf
	l.start = start
	l.bound = true
	l.lockWord = lockWord
	l.metaView = metaView
	l.arrayViews = arrayViews
	l.generation.Add(1)

	atomic.StoreInt32(l.lockWord, 0)
	for _, f := range l.metaFields {
		for i := 0; i < f.Length; i++ {
			atomic.StoreInt32(&l.metaView[f.Position+i], l.empty)
		}
	}
	return true
}

// SetBufferStartPosition relocates every live view to the new start offset
// within the same physical buffer. Nothing previously coupled to this
// instance is touched: re-coupling is an explicit caller action.
func (l *Layout) SetBufferStartPosition(start int) bool {
	if l.released || !l.bound {
		l.log.Error("relocate without a bound buffer")
		return false
	}
	lockWord, metaView, arrayViews, err := l.buildViews(l.buf, start)
	if err != nil {
		l.log.Error("relocate rejected",
			utils.Int("start", start),
			utils.Err(err))
		return false
	}
	l.start = start
	l.lockWord = lockWord
	l.metaView = metaView
	l.arrayViews = arrayViews
	l.generation.Add(1)
	return true
}

// ReleaseBuffers tears down all views. Irreversible.
func (l *Layout) ReleaseBuffers() {
	l.buf = nil
	l.lockWord = nil
	l.metaView = nil
	l.arrayViews = nil
	l.bound = false
	l.released = true
	l.generation.Add(1)
}

// buildViews validates capacity and constructs the full view set without
// touching the layout, so failures leave the instance unchanged.
func (l *Layout) buildViews(buf []byte, start int) (*int32, []int32, [][]int32, error) {
	if start < 0 {
		return nil, nil, nil, ErrOutOfBounds
	}
	required := start + l.RequiredLength()
	if required*WordSize > len(buf) {
		return nil, nil, nil, &LayoutError{
			Code:    "BUFFER_TOO_SMALL",
			Message: "layout does not fit the supplied buffer",
		}
	}

	lockWord, err := wordPtr(buf, start)
	if err != nil {
		return nil, nil, nil, utils.WrapError(err, "lock word")
	}
	metaView, err := wordView(buf, start+1, l.metaLen)
	if err != nil {
		return nil, nil, nil, utils.WrapError(err, "metadata block")
	}
	arrayViews := make([][]int32, len(l.arrays))
	for i, a := range l.arrays {
		view, err := wordView(buf, start+a.Position, a.Length)
		if err != nil {
			return nil, nil, nil, utils.WrapError(err, "data array "+strconv.Itoa(i))
		}
		arrayViews[i] = view
	}
	return lockWord, metaView, arrayViews, nil
}

func (l *Layout) mutable(op string) bool {
	if l.released {
		l.log.Error("layout mutation after release", utils.String("op", op))
		return false
	}
	if l.bound {
		l.log.Error("layout mutation after bind; relocate is the only post-bind move",
			utils.String("op", op))
		return false
	}
	return true
}

// Bound reports whether a buffer is currently bound.
func (l *Layout) Bound() bool {
	return l.bound
}

// Start returns the current start offset in 32-bit units.
func (l *Layout) Start() int {
	return l.start
}

// Generation returns the current layout revision.
func (l *Layout) Generation() uint64 {
	return l.generation.Load()
}

// EmptyValue returns the sentinel reserved at construction time.
func (l *Layout) EmptyValue() int32 {
	return l.empty
}

func (l *Layout) metaField(name string) (Field, bool) {
	for _, f := range l.metaFields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (l *Layout) dataField(name string) (Field, bool) {
	for _, f := range l.dataFields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
