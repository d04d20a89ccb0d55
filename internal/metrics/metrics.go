// Package metrics holds the Prometheus collectors exported by ptq.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/ptq/pkg/quant"
)

var (
	CalibrationBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptq_calibration_batches_total",
		Help: "Calibration batches accepted by a calibrator",
	})

	CalibrationAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptq_calibration_anomalies_total",
		Help: "Calibration batches rejected for negative, inf or nan amax",
	}, []string{"kind"})

	QuantizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptq_quantize_total",
		Help: "Tensors quantized",
	}, []string{"format", "granularity"})

	QuantizeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptq_quantize_errors_total",
		Help: "Failed quantize or dequantize calls by error class",
	}, []string{"kind"})

	RoundTripMaxAbsError = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ptq_roundtrip_max_abs_error",
		Help:    "Per-tensor max |dequantize(quantize(x)) - x|",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"format"})
)

// CalibrationObserver feeds calibrator events into the calibration counters.
// It satisfies calib.Observer.
type CalibrationObserver struct{}

func (CalibrationObserver) ObserveBatch() { CalibrationBatchesTotal.Inc() }

func (CalibrationObserver) ObserveAnomaly(kind quant.AnomalyKind) {
	CalibrationAnomaliesTotal.WithLabelValues(kind.String()).Inc()
}

// ObserveQuantize records one quantize call.
func ObserveQuantize(format quant.Format, granularity string, err error) {
	if err != nil {
		QuantizeErrorsTotal.WithLabelValues(ErrorKind(err)).Inc()
		return
	}
	QuantizeTotal.WithLabelValues(string(format), granularity).Inc()
}

// ObserveRoundTrip records the max abs reconstruction error of one tensor.
func ObserveRoundTrip(format quant.Format, maxAbs float64) {
	RoundTripMaxAbsError.WithLabelValues(string(format)).Observe(maxAbs)
}

// ErrorKind classifies err by the quant error taxonomy.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, quant.ErrShape):
		return "shape"
	case errors.Is(err, quant.ErrConfiguration):
		return "configuration"
	case quant.IsCalibration(err):
		return "calibration"
	case errors.Is(err, quant.ErrState):
		return "state"
	default:
		return "other"
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
