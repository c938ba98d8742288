// Package bufferslab provides a fixed-capacity pool of equally sized byte
// buffers used for connection send and receive buffers.
package bufferslab

import (
	"sync"

	"go.uber.org/atomic"
)

const (
	DefaultSendBufferSize = 1024
	DefaultRecvBufferSize = 4096
	DefaultCapacity       = 1000
)

type Options struct {
	// BufferSize is the length of every buffer handed out by the slab.
	BufferSize int

	// Capacity is the number of buffers the slab retains.  Once they are all
	// checked out, Get allocates unpooled buffers instead.
	Capacity int

	// Preallocate carves all buffers out of one contiguous allocation up
	// front instead of allocating them lazily.
	Preallocate bool
}

type Stats struct {
	Hits     int64
	Misses   int64
	Returns  int64
	Discards int64
}

type Slab struct {
	bufferSize int
	capacity   int

	lock sync.Mutex
	free [][]byte

	// allocated counts pooled buffers created so far, never more than capacity
	allocated int

	hits     atomic.Int64
	misses   atomic.Int64
	returns  atomic.Int64
	discards atomic.Int64
}

func New(opts Options) *Slab {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultSendBufferSize
	}

	capacity := opts.Capacity
	if capacity < 0 {
		capacity = 0
	}

	s := &Slab{
		bufferSize: bufferSize,
		capacity:   capacity,
		free:       make([][]byte, 0, capacity),
	}

	if opts.Preallocate && capacity > 0 {
		backing := make([]byte, bufferSize*capacity)
		for i := 0; i < capacity; i++ {
			start := i * bufferSize
			s.free = append(s.free, backing[start:start+bufferSize:start+bufferSize])
		}
		s.allocated = capacity
	}

	return s
}

// BufferSize returns the length of the buffers this slab hands out.
func (s *Slab) BufferSize() int {
	return s.bufferSize
}

// Get checks out a buffer.  When the slab is exhausted a fresh buffer is
// allocated which the slab will only adopt on Put if it has room.
func (s *Slab) Get() []byte {
	s.lock.Lock()
	if n := len(s.free); n > 0 {
		buf := s.free[n-1]
		s.free[n-1] = nil
		s.free = s.free[:n-1]
		s.lock.Unlock()

		s.hits.Inc()
		return buf
	}

	if s.allocated < s.capacity {
		s.allocated++
		s.lock.Unlock()

		s.hits.Inc()
		return make([]byte, s.bufferSize)
	}
	s.lock.Unlock()

	s.misses.Inc()
	return make([]byte, s.bufferSize)
}

// Put returns a buffer to the slab.  Buffers of the wrong size, and buffers
// that would take the slab beyond its capacity, are dropped.
func (s *Slab) Put(buf []byte) {
	if cap(buf) != s.bufferSize {
		s.discards.Inc()
		return
	}

	s.lock.Lock()
	if len(s.free) >= s.capacity {
		s.lock.Unlock()
		s.discards.Inc()
		return
	}
	s.free = append(s.free, buf[:s.bufferSize])
	s.lock.Unlock()

	s.returns.Inc()
}

// Available returns the number of buffers currently sitting in the slab.
func (s *Slab) Available() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.free)
}

func (s *Slab) Stats() Stats {
	return Stats{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Returns:  s.returns.Load(),
		Discards: s.discards.Load(),
	}
}
