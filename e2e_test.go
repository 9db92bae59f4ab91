package mutexbuf_test

import (
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/mutexbuf"
	"github.com/nmxmxh/mutexbuf/mutex"
	"github.com/nmxmxh/mutexbuf/testutil"
	"github.com/nmxmxh/mutexbuf/utils"
)

func quickOptions(name string) mutexbuf.Options {
	opts := mutexbuf.DefaultOptions()
	opts.Name = name
	opts.UpdateTimeout = 2 * time.Second
	opts.Lock = mutex.Options{
		MaxTries:       50,
		AttemptTimeout: 10 * time.Millisecond,
		YieldInterval:  time.Millisecond,
	}
	return opts
}

// TestProducerConsumerHandoff walks the full handoff: a producer seeds one
// metadata field and one ten-word array, a consumer couples to it, and both
// sides observe the same bytes before and after a locked rewrite.
func TestProducerConsumerHandoff(t *testing.T) {
	producer := mutexbuf.New(quickOptions("producer"))
	require.True(t, producer.SetMetaFields([]mutexbuf.Field{
		{Name: "count", Position: mutexbuf.AutoPosition, Length: 1, Kind: mutexbuf.KindInt32},
	}))
	require.True(t, producer.SetDataArrays([]int{10}))

	buf := testutil.WordBuffer(producer.Layout().RequiredLength())
	require.True(t, producer.Initialize(buf, 0))
	require.True(t, producer.SetMetaFieldValue("count", []int32{0}))

	seed := testutil.Sequence(0, 10)
	require.True(t, producer.SetData(seed, 0))

	consumer := mutexbuf.New(quickOptions("consumer"))
	desc, ok := producer.PropertiesForCoupling()
	require.True(t, ok)
	require.True(t, consumer.SetInputMutexProperties(desc))

	got, ok := consumer.GetData(mutex.ScopeInput, -1)
	require.True(t, ok)
	assert.Equal(t, seed, got, "consumer sees the seeded payload before any write")

	reversed := testutil.Reversed(seed)
	err := producer.ExecuteWithLock(mutex.ScopeOutput, mutex.ModeWrite, func() error {
		if !producer.SetData(reversed, 0) {
			return utils.NewError("payload write failed")
		}
		return nil
	})
	require.NoError(t, err)

	require.True(t, consumer.Lock(mutex.ScopeInput, mutex.ModeRead))
	got, ok = consumer.GetData(mutex.ScopeInput, -1)
	consumer.Unlock(mutex.ScopeInput, mutex.ModeRead)
	require.True(t, ok)
	assert.Equal(t, reversed, got, "consumer observes the rewrite after release")
}

// TestNoTornReadsUnderContention hammers one buffer with a writing producer
// and a pool of coupled readers. Every frame fills the whole payload with a
// single value, so any mixed snapshot is a torn read.
func TestNoTornReadsUnderContention(t *testing.T) {
	const payload = 256
	const frames = 50
	const readers = 3

	// No fairness exists between readers and a waiting writer, so the
	// writer gets a deep retry budget and readers yield between reads.
	producerOpts := quickOptions("producer")
	producerOpts.Lock.MaxTries = 500
	producerOpts.Lock.AttemptTimeout = 5 * time.Millisecond

	producer := mutexbuf.New(producerOpts)
	require.True(t, producer.SetDataArrays([]int{payload}))
	buf := testutil.WordBuffer(producer.Layout().RequiredLength())
	require.True(t, producer.Initialize(buf, 0))
	require.True(t, producer.SetData(make([]int32, payload), 0))

	desc, ok := producer.PropertiesForCoupling()
	require.True(t, ok)

	pool, err := ants.NewPool(readers)
	require.NoError(t, err)
	defer pool.Release()

	stop := make(chan struct{})
	torn := make(chan []int32, readers)
	var wg sync.WaitGroup

	for i := 0; i < readers; i++ {
		consumer := mutexbuf.New(quickOptions("consumer"))
		require.True(t, consumer.SetInputMutexProperties(desc))

		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				values, ok := consumer.GetData(mutex.ScopeInput, -1)
				if !ok {
					continue // contention timeout, retry
				}
				for _, v := range values {
					if v != values[0] {
						select {
						case torn <- values:
						default:
						}
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}))
	}

	frame := make([]int32, payload)
	for f := 1; f <= frames; f++ {
		for i := range frame {
			frame[i] = int32(f)
		}
		require.True(t, producer.SetData(frame, 0), "frame %d write failed", f)
	}

	close(stop)
	wg.Wait()

	select {
	case values := <-torn:
		t.Fatalf("torn read observed: %v...", values[:8])
	default:
	}
}

// TestReadersAndWriterInterleave drives reads and writes from independent
// goroutines and checks the lock word ends unlocked.
func TestReadersAndWriterInterleave(t *testing.T) {
	producer := mutexbuf.New(quickOptions("producer"))
	require.True(t, producer.SetMetaFields([]mutexbuf.Field{
		{Name: "tick", Position: mutexbuf.AutoPosition, Length: 1, Kind: mutexbuf.KindInt32},
	}))
	buf := testutil.WordBuffer(producer.Layout().RequiredLength())
	require.True(t, producer.Initialize(buf, 0))

	desc, ok := producer.PropertiesForCoupling()
	require.True(t, ok)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		consumer := mutexbuf.New(quickOptions("consumer"))
		require.True(t, consumer.SetInputMutexProperties(desc))
		g.Go(func() error {
			for n := 0; n < 50; n++ {
				if _, ok := consumer.GetMetaFieldValue(mutex.ScopeInput, "tick"); !ok {
					continue
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for n := 0; n < 50; n++ {
			if !producer.SetMetaFieldValue("tick", []int32{int32(n)}) {
				return utils.NewError("tick write failed")
			}
		}
		return nil
	})

	require.NoError(t, g.Wait())
	assert.True(t, producer.IsAvailable(mutex.ScopeOutput, mutex.ModeWrite),
		"the word must drain back to unlocked")
}

// TestFrameSignalDrivesConsumer couples WaitForFieldUpdate to a producer
// publishing frames, the update-driven consumption pattern.
func TestFrameSignalDrivesConsumer(t *testing.T) {
	producer := mutexbuf.New(quickOptions("producer"))
	require.True(t, producer.SetMetaFields([]mutexbuf.Field{
		{Name: "frame", Position: mutexbuf.AutoPosition, Length: 1, Kind: mutexbuf.KindInt32},
	}))
	require.True(t, producer.SetDataArrays([]int{16}))
	buf := testutil.WordBuffer(producer.Layout().RequiredLength())
	require.True(t, producer.Initialize(buf, 0))

	consumer := mutexbuf.New(quickOptions("consumer"))
	desc, ok := producer.PropertiesForCoupling()
	require.True(t, ok)
	require.True(t, consumer.SetInputMutexProperties(desc))

	go func() {
		payload := make([]int32, 16)
		for i := range payload {
			payload[i] = 11
		}
		time.Sleep(10 * time.Millisecond)
		producer.SetData(payload, 0)
		producer.SetMetaFieldValue("frame", []int32{1})
	}()

	frame, ok := consumer.WaitForFieldUpdate(mutex.ScopeInput, mutexbuf.FieldMeta, 0, -1)
	require.True(t, ok)
	assert.Equal(t, int32(1), frame)

	values, ok := consumer.GetData(mutex.ScopeInput, -1)
	require.True(t, ok)
	assert.Equal(t, int32(11), values[0])
}
