package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dataq_active_sessions",
		Help: "Device sessions that have not reached a terminal state",
	})

	SessionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataq_sessions_failed_total",
		Help: "Device sessions that ended in the failed state",
	})

	ReadingsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataq_readings_decoded_total",
			Help: "Reading vectors produced by the decoders",
		},
		[]string{"family"},
	)

	ReadingsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataq_readings_persisted_total",
		Help: "Reading vectors written to a chunk file",
	})

	ReadingsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataq_readings_rate_limited_total",
		Help: "Reading vectors dropped by the per-device rate limit",
	})

	SyncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataq_sync_errors_total",
			Help: "Frame alignment losses recovered by resynchronisation",
		},
		[]string{"family"},
	)

	ChunkRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataq_chunk_rotations_total",
		Help: "Chunk files closed because a new time window started",
	})

	PersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataq_persist_errors_total",
		Help: "Chunk write or rotation failures",
	})

	Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataq_uploads_total",
			Help: "Chunk upload attempts by result",
		},
		[]string{"result"},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataq_alerts_total",
			Help: "Threshold alerts by delivery result",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveSessions,
			SessionsFailed,
			ReadingsDecoded,
			ReadingsPersisted,
			ReadingsRateLimited,
			SyncErrors,
			ChunkRotations,
			PersistErrors,
			Uploads,
			Alerts,
		)
	})
}

// StartMetricsServer serves /metrics and /health on addr in the background.
func StartMetricsServer(addr string, log *logrus.Logger) *http.Server {
	Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	log.Infof("metrics server listening on %s", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}
