package observer

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ojjudge"

var (
	// 1ms -> 10s
	timeBuckets = []float64{
		0.001, 0.002, 0.005, 0.008, 0.010, 0.025, 0.050, 0.075, 0.1, 0.2,
		0.4, 0.6, 0.8, 1.0, 1.5, 2, 5, 10,
	}
	// 4k (1<<12) -> 4g (1<<32)
	memoryBuckets = prometheus.ExponentialBuckets(1<<12, 2, 21)
	// 100ms -> ~7min
	judgeBuckets = prometheus.ExponentialBuckets(0.1, 2, 13)
)

// PrometheusRecorder exports observations as prometheus collectors.
type PrometheusRecorder struct {
	compileTime *prometheus.HistogramVec
	runTime     *prometheus.HistogramVec
	runMemory   *prometheus.HistogramVec
	verdicts    *prometheus.CounterVec
	judgeTime   *prometheus.HistogramVec
	poolInUse   prometheus.Gauge
}

// NewPrometheusRecorder creates the collectors and registers them on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		compileTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "compile_time_seconds",
			Help:      "Histogram for the compile time",
			Buckets:   timeBuckets,
		}, []string{"language", "ok"}),
		runTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_time_seconds",
			Help:      "Histogram for the running time of one case",
			Buckets:   timeBuckets,
		}, []string{"language", "verdict"}),
		runMemory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_memory_bytes",
			Help:      "Histogram for the peak memory of one case",
			Buckets:   memoryBuckets,
		}, []string{"language", "verdict"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "case_verdict_total",
			Help:      "Number of judged cases by verdict",
		}, []string{"verdict"}),
		judgeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "judge_duration_seconds",
			Help:      "Histogram for the end to end judge time of a submission",
			Buckets:   judgeBuckets,
		}, []string{"verdict"}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "worker_pool_in_use",
			Help:      "Number of judge slots currently in use",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{r.compileTime, r.runTime, r.runMemory, r.verdicts, r.judgeTime, r.poolInUse} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveCompile(_ context.Context, languageID string, ok bool, timeMs int64) {
	r.compileTime.WithLabelValues(languageID, strconv.FormatBool(ok)).Observe(msToSeconds(timeMs))
}

func (r *PrometheusRecorder) ObserveRun(_ context.Context, languageID string, verdict string, timeMs int64, memoryKB int64) {
	r.runTime.WithLabelValues(languageID, verdict).Observe(msToSeconds(timeMs))
	r.runMemory.WithLabelValues(languageID, verdict).Observe(float64(memoryKB) * 1024)
	r.verdicts.WithLabelValues(verdict).Inc()
}

func (r *PrometheusRecorder) ObserveJudge(_ context.Context, verdict string, durationMs int64) {
	r.judgeTime.WithLabelValues(verdict).Observe(msToSeconds(durationMs))
}

func (r *PrometheusRecorder) SetPoolInUse(n int) {
	r.poolInUse.Set(float64(n))
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}
