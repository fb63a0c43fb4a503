package meshnet

import "time"

// nowMillis is the single clock source for keep-alive/timeout bookkeeping,
// kept in one place so tests can reason about it without touching every
// call site.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
