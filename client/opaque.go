package client

import (
	"sync"

	"go.uber.org/atomic"
)

// opaqueAllocator hands out command opaques.  Ids wrap at 2^32, skip zero
// (used by internal commands) and are never reissued while still live.
type opaqueAllocator struct {
	next atomic.Uint32
	live sync.Map
}

func (a *opaqueAllocator) Acquire() uint32 {
	for {
		opaque := a.next.Inc()
		if opaque == 0 {
			continue
		}

		if _, loaded := a.live.LoadOrStore(opaque, struct{}{}); !loaded {
			return opaque
		}
	}
}

func (a *opaqueAllocator) Release(opaque uint32) {
	a.live.Delete(opaque)
}
