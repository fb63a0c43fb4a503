package meshnet

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshwire"

var (
	connectionsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_accepted_total",
		Help:      "Total number of TCP connections accepted",
	})

	connectionsEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_established_total",
		Help:      "Total number of connections that completed registration",
	})

	connectionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_closed_total",
		Help:      "Total number of connections closed, by reason",
	}, []string{"reason"})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of connections currently in the established registry",
	})

	connectionsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_pending",
		Help:      "Number of connections awaiting UDP registration",
	})

	bytesReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_read_total",
		Help:      "Total bytes read from TCP connections, length prefixes included",
	})

	bytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_written_total",
		Help:      "Total bytes written to TCP connections, length prefixes included",
	})

	framesDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_decoded_total",
		Help:      "Total number of object frames successfully decoded",
	})

	framesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Total number of frames dropped, by error kind",
	}, []string{"kind"})

	writeBufferUtilization = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "write_buffer_utilization_ratio",
		Help:      "Observed write buffer fill ratio at send time",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	udpRegistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "udp_registrations_total",
		Help:      "Total number of successful UDP registration bindings",
	})

	udpRegistrationsIgnoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "udp_registrations_ignored_total",
		Help:      "Total number of UDP RegisterUDP datagrams ignored (unknown id or already bound)",
	})

	emptySelectCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "empty_select_cycles_total",
		Help:      "Total number of empty-select cycles observed",
	})
)

// The dashboard reads live totals back out of the process; Prometheus
// counters don't expose their current value cheaply, so these plain
// atomics are kept in lockstep with the counters above.
var (
	bytesReadCounter    atomic.Uint64
	bytesWrittenCounter atomic.Uint64
	emptySelectCounter  atomic.Uint64
)

func currentByteCounters() (read, written uint64) {
	return bytesReadCounter.Load(), bytesWrittenCounter.Load()
}

func currentEmptySelectCycles() uint64 {
	return emptySelectCounter.Load()
}

func recordConnectionAccepted() {
	connectionsAcceptedTotal.Inc()
}

func recordConnectionEstablished() {
	connectionsEstablishedTotal.Inc()
}

func recordConnectionClosed(reason string) {
	connectionsClosedTotal.WithLabelValues(reason).Inc()
}

func setActiveConnections(n int) {
	connectionsActive.Set(float64(n))
}

func setPendingConnections(n int) {
	connectionsPending.Set(float64(n))
}

func recordBytesRead(n int) {
	bytesReadTotal.Add(float64(n))
	bytesReadCounter.Add(uint64(n))
}

func recordBytesWritten(n int) {
	bytesWrittenTotal.Add(float64(n))
	bytesWrittenCounter.Add(uint64(n))
}

func recordFrameDecoded() {
	framesDecodedTotal.Inc()
}

func recordFrameDropped(kind ErrorKind) {
	framesDroppedTotal.WithLabelValues(kind.String()).Inc()
}

func observeWriteBufferUtilization(ratio float64) {
	writeBufferUtilization.Observe(ratio)
}

func recordUDPRegistration() {
	udpRegistrationsTotal.Inc()
}

func recordUDPRegistrationIgnored() {
	udpRegistrationsIgnoredTotal.Inc()
}

func recordEmptySelectCycle() {
	emptySelectCyclesTotal.Inc()
	emptySelectCounter.Add(1)
}
