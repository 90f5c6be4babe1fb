// Package lifecycle holds process state shared by the readiness probe, the
// live handler and graceful shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is safe for concurrent use. The zero value is serving.
type Lifecycle struct {
	drainingSince atomic.Int64
}

// SetDraining flips the gateway into or out of drain mode. New live sessions
// are refused and readiness reports 503 while draining.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.drainingSince.Store(0)
		return
	}
	l.drainingSince.CompareAndSwap(0, time.Now().UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.drainingSince.Load() != 0
}

// DrainingSince returns when draining started, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
