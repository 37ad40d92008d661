package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	analysisFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tree_analysis_failures_total",
			Help: "Total tree image analysis failures.",
		},
	)
	analysisSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tree_analysis_success_total",
			Help: "Total tree image analysis successes.",
		},
	)
	analysisLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tree_analysis_latency_seconds",
			Help:    "Tree image analysis latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	blobUploadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blob_upload_failures_total",
			Help: "Total blob store upload failures.",
		},
	)
	treeSaveLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tree_save_latency_seconds",
			Help:    "Tree record save latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures, analysisFailures, analysisSuccess, analysisLatency, blobUploadFailures, treeSaveLatency, asynqQueueDepth)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncAnalysisFailure() {
	analysisFailures.Inc()
}

func IncAnalysisSuccess() {
	analysisSuccess.Inc()
}

func ObserveAnalysisLatency(d time.Duration) {
	analysisLatency.Observe(d.Seconds())
}

func IncBlobUploadFailure() {
	blobUploadFailures.Inc()
}

func ObserveTreeSaveLatency(d time.Duration) {
	treeSaveLatency.Observe(d.Seconds())
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
