package metrics

// FetchStarted and FetchFinished satisfy remote.FetchMetrics.

func (m *ServerMetrics) FetchStarted() { m.fetchInflight.Inc() }

func (m *ServerMetrics) FetchFinished(outcome string, bytes int, seconds float64) {
	m.fetchInflight.Dec()
	m.fetchTotal.WithLabelValues(outcome).Inc()
	m.fetchDur.WithLabelValues(outcome).Observe(seconds)
	if outcome == "ok" {
		m.fetchBytes.Observe(float64(bytes))
	}
}
