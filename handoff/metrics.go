package handoff

import (
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

// Registry holds the handoff meters. It is separate from metrics.DefaultRegistry
// so embedders can export it under their own prefix.
var Registry = metrics.NewRegistry()

var (
	registeredCounter = metrics.NewRegisteredCounter("handoff/registered", Registry)
	releasedCounter   = metrics.NewRegisteredCounter("handoff/released", Registry)
	failedCounter     = metrics.NewRegisteredCounter("handoff/failed", Registry)
	duplicateCounter  = metrics.NewRegisteredCounter("handoff/release/duplicate", Registry)
	liveBytesGauge    = metrics.NewRegisteredGauge("handoff/live/bytes", Registry)

	liveBytes atomic.Int64
)

// Counters is a snapshot of the handoff meters.
type Counters struct {
	Registered int64 // successful registrations
	Released   int64 // tokens released (exactly once each)
	Failed     int64 // registrations refused by the foreign runtime
	Duplicate  int64 // release attempts on unknown or already released tokens
	LiveBytes  int64 // payload bytes currently exposed to the foreign side
}

// Sub returns the per-field difference c - o.
func (c Counters) Sub(o Counters) Counters {
	return Counters{
		Registered: c.Registered - o.Registered,
		Released:   c.Released - o.Released,
		Failed:     c.Failed - o.Failed,
		Duplicate:  c.Duplicate - o.Duplicate,
		LiveBytes:  c.LiveBytes - o.LiveBytes,
	}
}

// ResetProfileCounters zeros the event counters. Live bytes are a level, not
// an event count, and are left alone.
func ResetProfileCounters() {
	registeredCounter.Clear()
	releasedCounter.Clear()
	failedCounter.Clear()
	duplicateCounter.Clear()
}

// ProfileCounters returns the counters accumulated since the last reset.
func ProfileCounters() Counters {
	return Counters{
		Registered: registeredCounter.Count(),
		Released:   releasedCounter.Count(),
		Failed:     failedCounter.Count(),
		Duplicate:  duplicateCounter.Count(),
		LiveBytes:  liveBytes.Load(),
	}
}

func addLiveBytes(n int) {
	liveBytesGauge.Update(liveBytes.Add(int64(n)))
}
