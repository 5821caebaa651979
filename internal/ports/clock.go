package ports

import "time"

// SystemClock implements Clock with the real wall clock, for production
// wiring; tests use a fake/stepped Clock instead.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 { return time.Now().UnixMilli() }

var _ Clock = SystemClock{}
