package mutexbuf

import (
	"sync/atomic"

	"github.com/nmxmxh/mutexbuf/mutex"
	"github.com/nmxmxh/mutexbuf/utils"
)

// MetaLayout describes the metadata block of an exported buffer.
type MetaLayout struct {
	Fields   []Field
	Length   int
	Position int
}

// DataLayout describes the data-array block of an exported buffer.
type DataLayout struct {
	Fields []Field
	Arrays []ArrayDescriptor
}

// CouplingDescriptor is an immutable snapshot of an output instance's buffer
// and layout, fit to cross the export boundary: it carries the raw buffer
// reference, the start offset, and positions only. No live typed view is
// ever embedded, which keeps aliasing through the boundary under the
// importer's control. Generation identifies the layout revision the
// snapshot was taken from.
type CouplingDescriptor struct {
	Buffer      []byte
	BufferStart int
	Generation  uint64
	Meta        MetaLayout
	Data        DataLayout

	// gen is a non-owning reference to the exporter's revision counter,
	// used to detect staleness after a producer relocation.
	gen *atomic.Uint64
}

// Stale reports whether the exporter has relocated or released since this
// descriptor was produced.
func (d CouplingDescriptor) Stale() bool {
	return d.gen != nil && d.gen.Load() != d.Generation
}

// PropertiesForCoupling exports this instance's buffer and layout as a
// view-free descriptor for consumers to couple against.
func (b *MutexBuffer) PropertiesForCoupling() (CouplingDescriptor, bool) {
	if !b.out.bound {
		b.log.Error("coupling export without a bound buffer")
		return CouplingDescriptor{}, false
	}
	return CouplingDescriptor{
		Buffer:      b.out.buf,
		BufferStart: b.out.start,
		Generation:  b.out.generation.Load(),
		Meta: MetaLayout{
			Fields:   cloneFields(b.out.metaFields),
			Length:   b.out.metaLen,
			Position: 1,
		},
		Data: DataLayout{
			Fields: cloneFields(b.out.dataFields),
			Arrays: append([]ArrayDescriptor(nil), b.out.arrays...),
		},
		gen: &b.out.generation,
	}, true
}

// SetInputMutexProperties builds this instance's input-side read views
// directly over the exporter's buffer at the recorded offsets, and couples
// input-scope lock operations to the exporter's own lock word. The binding
// is non-owning: if the exporter relocates afterward, these views keep the
// old offsets until the caller re-couples, and InputIsStale reports it.
func (b *MutexBuffer) SetInputMutexProperties(desc CouplingDescriptor) bool {
	lockWord, err := wordPtr(desc.Buffer, desc.BufferStart)
	if err != nil {
		b.log.Error("coupling rejected: lock word out of range", utils.Err(err))
		return false
	}
	metaView, err := wordView(desc.Buffer, desc.BufferStart+desc.Meta.Position, desc.Meta.Length)
	if err != nil {
		b.log.Error("coupling rejected: metadata block out of range", utils.Err(err))
		return false
	}
	arrayViews := make([][]int32, len(desc.Data.Arrays))
	for i, a := range desc.Data.Arrays {
		view, err := wordView(desc.Buffer, desc.BufferStart+a.Position, a.Length)
		if err != nil {
			b.log.Error("coupling rejected: data array out of range",
				utils.Int("array", i), utils.Err(err))
			return false
		}
		arrayViews[i] = view
	}

	prefixLen := 0
	for _, f := range desc.Data.Fields {
		if end := f.Position + f.Length; end > prefixLen {
			prefixLen = end
		}
	}

	b.in = &inputBinding{
		buf:        desc.Buffer,
		start:      desc.BufferStart,
		metaFields: cloneFields(desc.Meta.Fields),
		dataFields: cloneFields(desc.Data.Fields),
		prefixLen:  prefixLen,
		arrays:     append([]ArrayDescriptor(nil), desc.Data.Arrays...),
		metaView:   metaView,
		arrayViews: arrayViews,
		generation: desc.Generation,
		gen:        desc.gen,
	}
	b.mu.BindInput(mutex.NewWord(lockWord))
	return true
}
