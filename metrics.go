// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries the Prometheus instrumentation for the verb-posting and
// completion-polling fast paths. It is ambient instrumentation rather
// than a domain feature: it never influences posting/polling behavior,
// only counts it.
var (
	verbsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdmalib",
		Name:      "verbs_posted_total",
		Help:      "Work requests posted, by endpoint kind and opcode.",
	}, []string{"endpoint", "opcode"})

	cqesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdmalib",
		Name:      "cqes_completed_total",
		Help:      "Completion queue entries drained, by endpoint kind and direction.",
	}, []string{"endpoint", "direction"})

	bytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdmalib",
		Name:      "bytes_transferred_total",
		Help:      "Bytes moved by one-sided READ/WRITE verbs, by direction.",
	}, []string{"direction"})

	pollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rdmalib",
		Name:      "poll_latency_seconds",
		Help:      "Time spent in a blocking CQ poll call.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"endpoint", "direction"})
)

func recordPost(endpoint, opcode string) {
	verbsPosted.WithLabelValues(endpoint, opcode).Inc()
}

func recordCompletion(endpoint, direction string, n int) {
	cqesCompleted.WithLabelValues(endpoint, direction).Add(float64(n))
}

func recordBytes(direction string, n int) {
	bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

func recordPollLatency(endpoint, direction string, seconds float64) {
	pollLatency.WithLabelValues(endpoint, direction).Observe(seconds)
}
