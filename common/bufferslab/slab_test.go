package bufferslab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlabGetPut(t *testing.T) {
	tests := []struct {
		name        string
		preallocate bool
	}{
		{"Lazy", false},
		{"Preallocated", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{BufferSize: 64, Capacity: 2, Preallocate: tt.preallocate})

			a := s.Get()
			b := s.Get()
			require.Len(t, a, 64)
			require.Len(t, b, 64)

			// exhausted, falls back to a fresh allocation
			c := s.Get()
			require.Len(t, c, 64)

			stats := s.Stats()
			assert.Equal(t, int64(2), stats.Hits)
			assert.Equal(t, int64(1), stats.Misses)

			s.Put(a)
			s.Put(b)
			s.Put(c)

			require.Equal(t, 2, s.Available())
			stats = s.Stats()
			assert.Equal(t, int64(2), stats.Returns)
			assert.Equal(t, int64(1), stats.Discards)
		})
	}
}

func TestSlabRejectsForeignBuffers(t *testing.T) {
	s := New(Options{BufferSize: 32, Capacity: 4})

	s.Put(make([]byte, 16))
	s.Put(make([]byte, 64))
	require.Equal(t, 0, s.Available())
	require.Equal(t, int64(2), s.Stats().Discards)

	// a resliced buffer of the right capacity is restored to full length
	buf := s.Get()
	s.Put(buf[:3])
	require.Len(t, s.Get(), 32)
}

func TestSlabPreallocatedBuffersDoNotOverlap(t *testing.T) {
	s := New(Options{BufferSize: 8, Capacity: 3, Preallocate: true})

	bufs := [][]byte{s.Get(), s.Get(), s.Get()}
	for i, buf := range bufs {
		for j := range buf {
			buf[j] = byte(i + 1)
		}
	}
	for i, buf := range bufs {
		for _, v := range buf {
			require.Equal(t, byte(i+1), v)
		}
		// appending must not bleed into the neighbouring buffer
		require.Equal(t, 8, cap(buf))
	}
}

func TestSlabConcurrentUse(t *testing.T) {
	s := New(Options{BufferSize: 128, Capacity: 16})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				buf := s.Get()
				buf[0] = byte(j)
				s.Put(buf)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, s.Available(), 16)
	stats := s.Stats()
	require.Equal(t, int64(8000), stats.Hits+stats.Misses)
	require.Equal(t, int64(8000), stats.Returns+stats.Discards)
}

func TestSlabDefaults(t *testing.T) {
	s := New(Options{})
	require.Equal(t, DefaultSendBufferSize, s.BufferSize())

	// zero capacity never retains anything
	s.Put(s.Get())
	require.Equal(t, 0, s.Available())
}
