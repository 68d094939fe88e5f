package bridgeservice

import (
	"lens-account/go-bridge/internal/eventbus"
	"lens-account/go-bridge/internal/metrics"
)

// observeMetrics projects bus events onto the Prometheus collectors and
// returns the bus cancel.
func observeMetrics(bus *eventbus.Bus, m *metrics.Metrics) func() {
	return bus.Subscribe(func(evt eventbus.Event) {
		switch e := evt.(type) {
		case eventbus.PairingStatus:
			if e.State == eventbus.PairingStatePaired {
				m.PairingsTotal.Inc()
			}
		case eventbus.SessionProposalReceived:
			m.ProposalsTotal.WithLabelValues("received").Inc()
		case eventbus.SessionEstablished:
			m.ProposalsTotal.WithLabelValues("approved").Inc()
			m.SessionsActive.Set(float64(e.ActiveCount))
		case eventbus.SessionRemoved:
			m.SessionsActive.Set(float64(e.ActiveCount))
		case eventbus.SessionRequestReceived:
			m.PendingRequestGauge.Set(1)
		case eventbus.RequestResolved:
			m.PendingRequestGauge.Set(0)
			if e.Success {
				m.RequestsTotal.WithLabelValues("success").Inc()
				m.SubmissionsTotal.WithLabelValues("success").Inc()
			} else {
				m.RequestsTotal.WithLabelValues("failure").Inc()
			}
		case eventbus.BridgeError:
			m.ErrorsTotal.WithLabelValues(e.Op).Inc()
		}
	})
}
