// Package metrics exposes Prometheus counters and gauges for a docan
// link, grounded on the promauto registration pattern. Every increment
// helper is a no-op unless Enabled is true; the collectors themselves
// are registered with the default Prometheus registry when the package
// is initialised, whether or not metrics.StartHTTP is ever called.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Enabled gates every increment helper in this package. Off by
// default; set it (or call StartHTTP, which sets it) before wiring a
// Session to a real link.
var Enabled = false

var (
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docan_frames_sent_total",
		Help: "Total CAN frames handed to the Bus.",
	})
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docan_frames_received_total",
		Help: "Total CAN frames delivered by the Bus.",
	})
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docan_frames_dropped_total",
		Help: "Total received frames dropped, by reason.",
	}, []string{"reason"})
	MessagesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docan_messages_completed_total",
		Help: "Total messages completed (sent or received), by outcome.",
	}, []string{"direction", "cause"})
	ReceiverSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docan_receiver_slots_in_use",
		Help: "Receiver pool slots currently reassembling a message.",
	})
	TransmitterSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docan_transmitter_slots_in_use",
		Help: "Transmitter pool slots currently sending a message.",
	})
	PendingSends = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docan_pending_sends",
		Help: "Send requests queued because every transmitter slot was busy.",
	})
)

// StartHTTP enables metrics and serves them at /metrics on addr.
func StartHTTP(addr string) *http.Server {
	Enabled = true
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.WithField("addr", addr).Info("[DOCAN][METRICS] listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("[DOCAN][METRICS] http server stopped")
		}
	}()
	return srv
}

// IncFrameSent records one frame handed to the Bus.
func IncFrameSent() {
	if Enabled {
		FramesSent.Inc()
	}
}

// IncFrameReceived records one frame delivered by the Bus.
func IncFrameReceived() {
	if Enabled {
		FramesReceived.Inc()
	}
}

// IncFrameDropped records one received frame dropped for reason.
func IncFrameDropped(reason string) {
	if Enabled {
		FramesDropped.WithLabelValues(reason).Inc()
	}
}

// IncMessageCompleted records one finished send ("tx") or receive
// ("rx") under cause (a docan.ProcessedCause's String()).
func IncMessageCompleted(direction, cause string) {
	if Enabled {
		MessagesCompleted.WithLabelValues(direction, cause).Inc()
	}
}

// SetReceiverSlotsInUse reports the current receiver pool occupancy.
func SetReceiverSlotsInUse(n int) {
	if Enabled {
		ReceiverSlotsInUse.Set(float64(n))
	}
}

// SetTransmitterSlotsInUse reports the current transmitter pool
// occupancy.
func SetTransmitterSlotsInUse(n int) {
	if Enabled {
		TransmitterSlotsInUse.Set(float64(n))
	}
}

// SetPendingSends reports the current retry-queue depth.
func SetPendingSends(n int) {
	if Enabled {
		PendingSends.Set(float64(n))
	}
}
