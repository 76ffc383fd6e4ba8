package gateway

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hireloop",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

func observe(op string, start time.Time, err error) {
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case errors.Is(err, ErrUnavailable):
		result = "unavailable"
	case errors.Is(err, ErrDeclined):
		result = "declined"
	case err != nil:
		result = "error"
	}
	requestsTotal.WithLabelValues(op, result).Inc()
}
