package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ticketsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entry_queue",
			Name:      "tickets_issued_total",
			Help:      "Ticket issuance attempts by slot and outcome.",
		},
		[]string{"slot", "outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entry_queue",
			Name:      "ticket_transitions_total",
			Help:      "Status transitions by target status and outcome.",
		},
		[]string{"status", "outcome"},
	)

	activeTickets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "entry_queue",
			Name:      "active_tickets",
			Help:      "Waiting plus calling tickets per slot at the last snapshot.",
		},
		[]string{"slot"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entry_queue",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		},
		[]string{"method", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "entry_queue",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ticketsIssued, transitions, activeTickets, httpRequests, httpDuration)
	})
}

func IncIssued(slot, outcome string) {
	ticketsIssued.WithLabelValues(slot, outcome).Inc()
}

func IncTransition(status, outcome string) {
	transitions.WithLabelValues(status, outcome).Inc()
}

func SetActive(usage map[string]int) {
	for slot, n := range usage {
		activeTickets.WithLabelValues(slot).Set(float64(n))
	}
}

func ObserveHTTP(method string, code int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
