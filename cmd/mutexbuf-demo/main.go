// mutexbuf-demo runs one producer and a pool of consumers over a single
// shared buffer: the producer publishes numbered frames under its write
// lock, consumers couple to it and read each frame back under input-scope
// read locks.
package main

import (
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/nmxmxh/mutexbuf"
	"github.com/nmxmxh/mutexbuf/mutex"
	"github.com/nmxmxh/mutexbuf/utils"
)

func main() {
	consumers := flag.Int("consumers", 4, "number of consumer workers")
	frames := flag.Int("frames", 10, "frames to publish")
	payload := flag.Int("payload", 64, "payload length per frame in 32-bit words")
	interval := flag.Duration("interval", 20*time.Millisecond, "pause between frames")
	flag.Parse()

	log := utils.DefaultLogger("demo")

	producer := mutexbuf.New(mutexbuf.Options{Name: "producer"})
	if !producer.SetMetaFields([]mutexbuf.Field{
		{Name: "frame", Position: mutexbuf.AutoPosition, Length: 1, Kind: mutexbuf.KindInt32},
	}) {
		log.Error("meta field definition failed")
		return
	}
	if !producer.SetDataFields([]mutexbuf.Field{
		{Name: "checksum", Position: mutexbuf.AutoPosition, Length: 1, Kind: mutexbuf.KindInt32},
	}) {
		log.Error("data field definition failed")
		return
	}
	if !producer.SetDataArrays([]int{*payload}) {
		log.Error("data array definition failed")
		return
	}

	buf := make([]byte, producer.Layout().RequiredLength()*mutexbuf.WordSize)
	if !producer.Initialize(buf, 0) {
		log.Error("buffer initialization failed")
		return
	}

	desc, ok := producer.PropertiesForCoupling()
	if !ok {
		log.Error("coupling export failed")
		return
	}

	pool, err := ants.NewPool(*consumers)
	if err != nil {
		log.Error("worker pool creation failed", utils.Err(err))
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := 0; i < *consumers; i++ {
		id := i
		consumer := mutexbuf.New(mutexbuf.Options{
			Name:          fmt.Sprintf("consumer-%d", id),
			UpdateTimeout: 2 * time.Second,
		})
		if !consumer.SetInputMutexProperties(desc) {
			log.Error("coupling failed", utils.Int("consumer", id))
			continue
		}

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			clog := utils.DefaultLogger(fmt.Sprintf("consumer-%d", id))
			for {
				frame, ok := consumer.WaitForFieldUpdate(mutex.ScopeInput, mutexbuf.FieldMeta, 0, -1)
				if !ok {
					clog.Warn("no frame within timeout, giving up")
					return
				}
				values, ok := consumer.GetData(mutex.ScopeInput, -1)
				if !ok {
					clog.Error("payload read failed", utils.Int32("frame", frame))
					return
				}
				sum, ok := consumer.GetDataFieldValue(mutex.ScopeInput, "checksum", -1)
				if !ok {
					clog.Error("checksum read failed", utils.Int32("frame", frame))
					return
				}
				clog.Info("frame received",
					utils.Int32("frame", frame),
					utils.Int("words", len(values)),
					utils.Int32("checksum", sum[0]))
				if int(frame) >= *frames {
					return
				}
			}
		})
		if submitErr != nil {
			wg.Done()
			log.Error("worker submission failed", utils.Err(submitErr))
		}
	}

	values := make([]int32, *payload)
	for f := 1; f <= *frames; f++ {
		var sum int32
		for i := range values {
			values[i] = int32(f * (i + 1))
			sum += values[i]
		}
		err := producer.ExecuteWithLock(mutex.ScopeOutput, mutex.ModeWrite, func() error {
			if !producer.SetData(values, 0) {
				return utils.NewError("payload write failed")
			}
			if !producer.SetDataFieldValue("checksum", []int32{sum}, 0) {
				return utils.NewError("checksum write failed")
			}
			if !producer.SetMetaFieldValue("frame", []int32{int32(f)}) {
				return utils.NewError("frame write failed")
			}
			return nil
		})
		if err != nil {
			log.Error("frame publish failed", utils.Int("frame", f), utils.Err(err))
			return
		}
		log.Info("frame published", utils.Int("frame", f))
		time.Sleep(*interval)
	}

	wg.Wait()
	producer.ReleaseBuffers()
	log.Info("demo complete")
}
