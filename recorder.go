package redisrate

// Recorder receives limiter events. Implementations must be safe for
// concurrent use and must not block; metrics.Collector is the stock one.
type Recorder interface {
	// ObserveDecision is called for every decision returned to a caller.
	// cached is true when the acceleration cache answered.
	ObserveDecision(key string, d Decision, cached bool)

	// ObserveBackendError is called when the store fails.
	ObserveBackendError(key string, err error)

	// ObserveInvalidation is called when a reset event from another
	// process removed a cache entry.
	ObserveInvalidation(key string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveDecision(string, Decision, bool) {}
func (noopRecorder) ObserveBackendError(string, error)      {}
func (noopRecorder) ObserveInvalidation(string)             {}
