package ftps

import "time"

// MetricsCollector is an interface for collecting connection establishment
// metrics. Implementations must be safe for concurrent use; the prommetrics
// package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordAttempt records a finished attempt. outcome is "ready" or the
	// Kind of the failure.
	RecordAttempt(outcome string, duration time.Duration)

	// RecordStep records one establishment transition.
	RecordStep(step string, success bool, duration time.Duration)

	// RecordSessionReuse records what the bridge did for one data
	// connection: "injected", "not_resumable", "unsupported" or "error".
	RecordSessionReuse(result string)
}
