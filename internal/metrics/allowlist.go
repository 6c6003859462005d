package metrics

import "time"

// SetAllowlist publishes the identity of a newly activated allow-list.
func (m *ServerMetrics) SetAllowlist(source, version string, entries int, loadedAt time.Time) {
	m.allowlistInfo.Reset()
	m.allowlistInfo.WithLabelValues(source, version).Set(1)
	m.allowlistEntries.Set(float64(entries))
	m.allowlistLoadedTs.Set(float64(loadedAt.Unix()))
}

// The methods below satisfy allowlist.WatcherMetrics.

func (m *ServerMetrics) IncAllowlistPolls() { m.allowlistPolls.Inc() }

func (m *ServerMetrics) IncAllowlistSwaps() { m.allowlistSwaps.Inc() }

func (m *ServerMetrics) IncAllowlistError(stage string) {
	m.allowlistErrors.WithLabelValues(stage).Inc()
}

func (m *ServerMetrics) ObserveAllowlistLoadDuration(seconds float64) {
	m.allowlistLoadDur.Observe(seconds)
}

func (m *ServerMetrics) SetAllowlistLastSuccess(unixSeconds float64) {
	m.allowlistLastPollTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetAllowlistStale(stale bool) { m.allowlistStale.Set(boolGauge(stale)) }
