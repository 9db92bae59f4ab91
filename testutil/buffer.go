// Package testutil provides shared-buffer fixtures for tests.
package testutil

import "encoding/binary"

// WordBuffer allocates a zeroed buffer of n 32-bit words. The backing store
// returned by make is word-aligned, which the typed views require.
func WordBuffer(words int) []byte {
	return make([]byte, words*4)
}

// BufferBuilder constructs a word buffer with selected slots pre-seeded.
type BufferBuilder struct {
	words int
	seeds map[int]int32
}

func NewBufferBuilder(words int) *BufferBuilder {
	return &BufferBuilder{
		words: words,
		seeds: make(map[int]int32),
	}
}

// WithWord seeds the 32-bit slot at the given word index.
func (b *BufferBuilder) WithWord(index int, value int32) *BufferBuilder {
	b.seeds[index] = value
	return b
}

// WithRange seeds consecutive slots starting at index.
func (b *BufferBuilder) WithRange(index int, values []int32) *BufferBuilder {
	for i, v := range values {
		b.seeds[index+i] = v
	}
	return b
}

func (b *BufferBuilder) Build() []byte {
	buf := WordBuffer(b.words)
	for index, value := range b.seeds {
		binary.LittleEndian.PutUint32(buf[index*4:], uint32(value))
	}
	return buf
}

// Sequence returns [start, start+n) as int32 values.
func Sequence(start, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(start + i)
	}
	return out
}

// Reversed returns a reversed copy of values.
func Reversed(values []int32) []int32 {
	out := make([]int32, len(values))
	for i, v := range values {
		out[len(values)-1-i] = v
	}
	return out
}
