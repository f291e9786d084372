package observability

import "github.com/prometheus/client_golang/prometheus"

// AuthMetrics counts handshake and login outcomes. A nil receiver is valid
// and records nothing, so wiring metrics stays optional in tests.
type AuthMetrics struct {
	tokensIssued   *prometheus.CounterVec
	tokensVerified *prometheus.CounterVec
	logins         *prometheus.CounterVec
}

// NewAuthMetrics registers the auth counters with the given registerer.
func NewAuthMetrics(reg prometheus.Registerer) *AuthMetrics {
	issued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_tokens_issued_total",
		Help: "Handshake tokens issued, by purpose.",
	}, []string{"purpose"})
	verified := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_tokens_verified_total",
		Help: "Handshake verification attempts, by purpose and result.",
	}, []string{"purpose", "result"})
	logins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_logins_total",
		Help: "Login attempts by result.",
	}, []string{"result"})
	reg.MustRegister(issued, verified, logins)
	return &AuthMetrics{tokensIssued: issued, tokensVerified: verified, logins: logins}
}

// TokenIssued counts a minted handshake token.
func (m *AuthMetrics) TokenIssued(purpose string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(purpose).Inc()
}

// TokenVerified counts a verification attempt outcome.
func (m *AuthMetrics) TokenVerified(purpose, result string) {
	if m == nil {
		return
	}
	m.tokensVerified.WithLabelValues(purpose, result).Inc()
}

// Login counts a login attempt outcome.
func (m *AuthMetrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}
