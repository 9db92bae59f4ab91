package mutexbuf

import (
	"errors"
	"unsafe"
)

// WordSize is the only element width the lock and notify machinery support.
const WordSize = 4

var (
	ErrOutOfBounds = errors.New("offset out of buffer bounds")
	ErrMisaligned  = errors.New("buffer not 32-bit aligned")
)

// wordView builds a typed []int32 view covering the words [off, off+length)
// of buf, both in 32-bit units. The view aliases buf: stores through it are
// visible to every other view of the same region.
func wordView(buf []byte, off, length int) ([]int32, error) {
	if off < 0 || length < 0 {
		return nil, ErrOutOfBounds
	}
	byteOff := off * WordSize
	byteEnd := byteOff + length*WordSize
	if byteEnd > len(buf) {
		return nil, ErrOutOfBounds
	}
	if length == 0 {
		return []int32{}, nil
	}
	if uintptr(unsafe.Pointer(&buf[0]))%WordSize != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&buf[byteOff])), length), nil
}

// wordPtr returns a pointer to the single word at off.
func wordPtr(buf []byte, off int) (*int32, error) {
	view, err := wordView(buf, off, 1)
	if err != nil {
		return nil, err
	}
	return &view[0], nil
}
