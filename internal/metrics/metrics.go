package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuantizedMatmulCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qmatmul_calls_total",
		Help: "Quantized matmul invocations by execution path",
	}, []string{"path"})

	PackOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pack_ops_total",
		Help: "4-bit pack/unpack operations by storage kind",
	}, []string{"op", "kind"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kernel"})

	DeviceMemoryAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Current bytes allocated on each accelerator device",
	}, []string{"device"})

	DeviceTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_transfer_bytes_total",
		Help: "Bytes moved between host and device",
	}, []string{"direction"})

	CompileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compile_cache_hits_total",
		Help: "Compilations served from the executable cache",
	})

	CompileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compile_cache_misses_total",
		Help: "Compilations that built a new executable",
	})

	ExecuteDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "execute_duration_seconds",
		Help: "Duration of compiled computation executions",
	}, []string{"device"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	QuantizationErrorMaxAbs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantization_error_max_abs",
		Help:    "Max absolute deviation between float and quantized layer outputs",
		Buckets: []float64{1e-5, 1e-4, 1e-3, 5e-3, 1e-2, 5e-2, 1e-1, 1},
	})

	FlightRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_requests_total",
		Help: "Arrow Flight requests handled by method and status",
	}, []string{"method", "status"})
)

func RecordQuantizedMatmul(path string) {
	QuantizedMatmulCalls.WithLabelValues(path).Inc()
}

func RecordPack(op, kind string) {
	PackOps.WithLabelValues(op, kind).Inc()
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordDeviceMemory(device string, bytes int64) {
	DeviceMemoryAllocated.WithLabelValues(device).Set(float64(bytes))
}

func RecordTransfer(direction string, bytes int) {
	DeviceTransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordCompile(hit bool) {
	if hit {
		CompileCacheHits.Inc()
		return
	}
	CompileCacheMisses.Inc()
}

func RecordExecute(device string, duration time.Duration) {
	ExecuteDuration.WithLabelValues(device).Observe(duration.Seconds())
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordQuantizationError(maxAbs float64) {
	QuantizationErrorMaxAbs.Observe(maxAbs)
}

func RecordFlightRequest(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	FlightRequests.WithLabelValues(method, status).Inc()
}
