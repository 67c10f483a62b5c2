package session

import (
	"github.com/jrsteele09/go-auth-session/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes recorded in Metrics.Refreshes.
const (
	RefreshSucceeded      = "success"
	RefreshFailed         = "failure"
	RefreshNoRefreshToken = "no_refresh_token"
)

// Metrics are the Prometheus collectors a Manager updates.
type Metrics struct {
	Refreshes     *prometheus.CounterVec
	Logouts       prometheus.Counter
	Authenticated prometheus.Gauge
	Retries       prometheus.Counter
}

// NewMetrics creates and registers the session collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsession",
			Name:      "token_refreshes_total",
			Help:      "Access token refresh calls by outcome.",
		}, []string{"outcome"}),
		Logouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authsession",
			Name:      "logouts_total",
			Help:      "Transitions to the anonymous state caused by logout or session invalidation.",
		}),
		Authenticated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "authsession",
			Name:      "authenticated",
			Help:      "1 while the session is authenticated.",
		}),
		Retries: transport.NewRetryCounter(reg),
	}
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) logout() {
	if m == nil {
		return
	}
	m.Logouts.Inc()
}

func (m *Metrics) state(s State) {
	if m == nil {
		return
	}
	if s == Authenticated {
		m.Authenticated.Set(1)
		return
	}
	m.Authenticated.Set(0)
}
