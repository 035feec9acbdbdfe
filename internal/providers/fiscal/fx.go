package fiscal

import (
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/observability/metrics"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
	"github.com/smallbiznis/hotelier/internal/providers/fiscal/taxxa"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.fiscal",
	fx.Provide(
		fx.Annotate(NewClassifier, fx.As(new(fiscaldomain.Classifier))),
		fx.Annotate(provideBreaker, fx.As(new(fiscaldomain.CircuitGuard))),
		taxxa.New,
	),
)

func provideBreaker(clk clock.Clock, m *metrics.FiscalMetrics) *Breaker {
	m.SetCircuitState(taxxa.ProviderName, circuitGauge(BreakerClosed))
	return NewBreaker(DefaultBreakerConfig(), clk, func(state BreakerState) {
		m.SetCircuitState(taxxa.ProviderName, circuitGauge(state))
	})
}

// circuitGauge orders states by severity for the circuit_state gauge.
func circuitGauge(state BreakerState) int {
	switch state {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}
