package api

import (
	"sync/atomic"
	"time"
)

var (
	lastTimestamp int64
)

func nextTimestamp() int64 {
	return nextTimestampRange(1)
}

// nextTimestampRange reserves count consecutive timestamps, all greater than
// any previously issued one, and returns the first.
func nextTimestampRange(count int) int64 {
	if count <= 0 {
		return 0
	}
	n := int64(count)
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now+n-1) {
			return now
		}
	}
}
