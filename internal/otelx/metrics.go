package otelx

import "go.opentelemetry.io/otel/metric"

// Metrics holds the counters and gauges emitted by the worker pool and
// queue facade.
type Metrics struct {
	TasksDequeued  metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksErrored   metric.Int64Counter
	QueueDepth     metric.Int64UpDownCounter
	WorkerPoolSize metric.Int64UpDownCounter
	TaskDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksDequeued, err = meter.Int64Counter("agentexec.tasks.dequeued",
		metric.WithDescription("Tasks popped from the queue by a worker")); err != nil {
		return nil, err
	}
	if m.TasksCompleted, err = meter.Int64Counter("agentexec.tasks.completed",
		metric.WithDescription("Tasks whose handler returned successfully")); err != nil {
		return nil, err
	}
	if m.TasksErrored, err = meter.Int64Counter("agentexec.tasks.errored",
		metric.WithDescription("Tasks whose handler raised")); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = meter.Int64UpDownCounter("agentexec.queue.depth",
		metric.WithDescription("Best-effort queue depth, backend-dependent")); err != nil {
		return nil, err
	}
	if m.WorkerPoolSize, err = meter.Int64UpDownCounter("agentexec.pool.size",
		metric.WithDescription("Number of live worker processes")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("agentexec.task.duration",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return m, nil
}
