package metrics

import (
	"github.com/recsup/recsup/internal/events"
)

// stateCodes mirrors the lifecycle state codes reported by the API.
var stateCodes = map[events.EventType]int{
	events.RecorderStateStopped:  0,
	events.RecorderStateStarting: 1,
	events.RecorderStateRunning:  2,
	events.RecorderStateStopping: 3,
	events.RecorderStateExited:   4,
	events.RecorderStateFatal:    5,
}

// ObserveBus subscribes the collector to lifecycle events so the gauges
// and counters track the supervisor without explicit call sites.
// Returns the subscription IDs for teardown.
func (c *Collector) ObserveBus(bus *events.Bus) []uint64 {
	var ids []uint64

	for typ, code := range stateCodes {
		code := code
		ids = append(ids, bus.Subscribe(typ, func(e events.Event) {
			c.SetRecorderState(e.Data["name"], e.Data["role"], code)
		}))
	}

	ids = append(ids, bus.Subscribe(events.RecorderStateStarting, func(e events.Event) {
		c.IncRecorderStart(e.Data["name"])
	}))
	ids = append(ids, bus.Subscribe(events.RecorderStateExited, func(e events.Event) {
		c.IncRecorderExit(e.Data["name"], e.Data["exit_code"] == "0")
	}))
	ids = append(ids, bus.Subscribe(events.ConflictRejected, func(e events.Event) {
		c.ConflictRejectedTotal.WithLabelValues(e.Data["name"]).Inc()
	}))
	ids = append(ids, bus.Subscribe(events.RestartLimited, func(e events.Event) {
		c.RestartLimitedTotal.WithLabelValues(e.Data["name"]).Inc()
	}))
	ids = append(ids, bus.Subscribe(events.CleanupRun, func(e events.Event) {
		c.CleanupRunTotal.WithLabelValues(e.Data["name"]).Inc()
	}))
	ids = append(ids, bus.Subscribe(events.CleanupSkipped, func(e events.Event) {
		c.CleanupSkippedTotal.WithLabelValues(e.Data["name"]).Inc()
	}))
	ids = append(ids, bus.Subscribe(events.QuotaExceeded, func(e events.Event) {
		c.SetOverQuota(e.Data["recorder"], true)
	}))
	ids = append(ids, bus.Subscribe(events.QuotaCleared, func(e events.Event) {
		c.SetOverQuota(e.Data["recorder"], false)
	}))

	return ids
}
