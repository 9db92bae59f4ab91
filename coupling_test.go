package mutexbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/mutexbuf/mutex"
)

func TestDescriptorCarriesNoLiveViews(t *testing.T) {
	b := newTestProducer(t, 4)

	desc, ok := b.PropertiesForCoupling()
	require.True(t, ok)

	// Positions and lengths only; mutating the snapshot must not reach the
	// exporter's layout.
	desc.Meta.Fields[0].Position = 99
	desc.Data.Arrays[0].Position = 99

	field, ok := b.Layout().metaField("count")
	require.True(t, ok)
	assert.Equal(t, 0, field.Position)
	assert.NotEqual(t, 99, b.Layout().arrays[0].Position)
}

func TestDescriptorSharesBackingBuffer(t *testing.T) {
	b := newTestProducer(t, 4)

	desc, ok := b.PropertiesForCoupling()
	require.True(t, ok)
	require.NotEmpty(t, desc.Buffer)
	assert.Equal(t, &b.Layout().buf[0], &desc.Buffer[0],
		"coupling is zero-copy: the descriptor references the same buffer")
	assert.Equal(t, 0, desc.BufferStart)
	assert.Equal(t, 1, desc.Meta.Position)
	assert.Len(t, desc.Data.Arrays, 2)
}

func TestCoupledConsumerReadsProducerData(t *testing.T) {
	b := newTestProducer(t, 4)
	require.True(t, b.SetMetaFieldValue("count", []int32{5}))
	require.True(t, b.SetData([]int32{1, 2, 3, 4}, 0))

	c := New(fastBufferOptions("consumer"))
	desc, ok := b.PropertiesForCoupling()
	require.True(t, ok)
	require.True(t, c.SetInputMutexProperties(desc))

	got, ok := c.GetMetaFieldValue(mutex.ScopeInput, "count")
	require.True(t, ok)
	assert.Equal(t, []int32{5}, got)

	data, ok := c.GetData(mutex.ScopeInput, 0)
	require.True(t, ok)
	assert.Equal(t, []int32{1, 2, 3, 4}, data)
}

func TestConsumerReadLandsOnProducerWord(t *testing.T) {
	b := newTestProducer(t, 4)
	c := New(fastBufferOptions("consumer"))
	desc, ok := b.PropertiesForCoupling()
	require.True(t, ok)
	require.True(t, c.SetInputMutexProperties(desc))

	require.True(t, c.Lock(mutex.ScopeInput, mutex.ModeRead))
	assert.False(t, b.IsAvailable(mutex.ScopeOutput, mutex.ModeWrite),
		"the consumer's read lock must exclude the producer's writer")
	assert.True(t, b.IsAvailable(mutex.ScopeOutput, mutex.ModeRead),
		"other readers stay unaffected")
	c.Unlock(mutex.ScopeInput, mutex.ModeRead)
	assert.True(t, b.IsAvailable(mutex.ScopeOutput, mutex.ModeWrite))
}

func TestCouplingRejectsUndersizedBuffer(t *testing.T) {
	b := newTestProducer(t, 4)
	desc, ok := b.PropertiesForCoupling()
	require.True(t, ok)

	// Truncated buffer: the recorded offsets no longer fit.
	desc.Buffer = desc.Buffer[:8]

	c := New(fastBufferOptions("consumer"))
	assert.False(t, c.SetInputMutexProperties(desc))
}

func TestStalenessAfterRelocation(t *testing.T) {
	b := New(fastBufferOptions("producer"))
	require.True(t, b.SetMetaFields([]Field{
		{Name: "count", Position: AutoPosition, Length: 1, Kind: KindInt32},
	}))
	buf := make([]byte, (b.Layout().RequiredLength()+8)*WordSize)
	require.True(t, b.Initialize(buf, 0))

	c := New(fastBufferOptions("consumer"))
	desc, ok := b.PropertiesForCoupling()
	require.True(t, ok)
	require.True(t, c.SetInputMutexProperties(desc))
	assert.False(t, desc.Stale())
	assert.False(t, c.InputIsStale())

	// Relocation is not pushed: the importer keeps stale offsets but can
	// detect it and re-couple explicitly.
	require.True(t, b.SetBufferStartPosition(8))
	assert.True(t, desc.Stale())
	assert.True(t, c.InputIsStale())

	fresh, ok := b.PropertiesForCoupling()
	require.True(t, ok)
	require.True(t, c.SetInputMutexProperties(fresh))
	assert.False(t, c.InputIsStale())
	assert.Equal(t, 8, fresh.BufferStart)
}

func TestStalenessAfterRelease(t *testing.T) {
	b := newTestProducer(t, 4)
	c := New(fastBufferOptions("consumer"))
	desc, ok := b.PropertiesForCoupling()
	require.True(t, ok)
	require.True(t, c.SetInputMutexProperties(desc))

	b.ReleaseBuffers()
	assert.True(t, c.InputIsStale())
}

func TestExportBeforeBindFails(t *testing.T) {
	b := New(fastBufferOptions("producer"))
	_, ok := b.PropertiesForCoupling()
	assert.False(t, ok)
}
