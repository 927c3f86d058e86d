package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPipelineReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_pipeline_received_total",
		Help: "Samples offered to the fan-in queue.",
	})
	metricPipelineWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_pipeline_written_total",
		Help: "Samples accepted into the fan-in queue.",
	})
	metricPipelineDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_pipeline_dropped_total",
		Help: "Samples evicted from the fan-in queue under overflow.",
	})
	metricPipelineDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imedge_pipeline_queue_depth",
		Help: "Current fan-in queue depth.",
	})

	metricDispatchSlowPath = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imedge_dispatch_slow_path_total",
		Help: "Samples whose immediate hand-off to a target was refused.",
	}, []string{"target"})
	metricDispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imedge_dispatch_dropped_total",
		Help: "Samples dropped after the per-target dispatch deadline expired.",
	}, []string{"target"})

	metricWriterWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_writer_written_total",
		Help: "Samples persisted by the batch writer.",
	})
	metricWriterBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_writer_batches_total",
		Help: "Batches flushed by the batch writer.",
	})
	metricWriterRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_writer_retries_total",
		Help: "Failed AppendBatch attempts that were retried.",
	})
	metricWriterOverflowed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_writer_overflowed_total",
		Help: "Samples handed to the overflow sink after retry exhaustion.",
	})
)
