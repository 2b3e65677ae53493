package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tradesRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_agent_trades_registered_total",
		Help: "Trades inserted into the store.",
	})
	tradesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_agent_trades_completed_total",
		Help: "Trades that reached SellOrderFilled, by outcome.",
	}, []string{"result"})
	tradesAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_agent_trades_aborted_total",
		Help: "Trades abandoned before buying anything.",
	})
	recoveryResumes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_agent_recovery_resumes_total",
		Help: "Stalled trades taken over by the recovery supervisor.",
	})
	lastPriceRead = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trading_agent_last_price_read",
		Help: "Most recent pair price observed by any watcher.",
	}, []string{"symbol"})
)

func IncTradeRegistered() { tradesRegistered.Inc() }

func IncTradeCompleted(profitable bool) {
	result := "loss"
	if profitable {
		result = "profit"
	}
	tradesCompleted.WithLabelValues(result).Inc()
}

func IncTradeAborted() { tradesAborted.Inc() }

func IncRecoveryResume() { recoveryResumes.Inc() }

func SetLastPriceRead(symbol string, price float64) {
	lastPriceRead.WithLabelValues(symbol).Set(price)
}

// Handler exposes the default registry for the /metrics route.
func Handler() http.Handler { return promhttp.Handler() }
