package limiter

import "time"

// Outcome labels how a decision was reached
type Outcome string

const (
	OutcomeAllowed         Outcome = "allowed"
	OutcomeDenied          Outcome = "denied"
	OutcomeDegradedAllowed Outcome = "degraded_allowed"
	OutcomeDegradedDenied  Outcome = "degraded_denied"
	OutcomeContended       Outcome = "contended"
)

// Recorder receives per-decision measurements
type Recorder interface {
	ObserveDecision(strategy string, outcome Outcome, elapsed time.Duration)
	ObserveRetries(strategy string, retries int)
	ObserveStorageError(strategy string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveDecision(string, Outcome, time.Duration) {}
func (noopRecorder) ObserveRetries(string, int)                    {}
func (noopRecorder) ObserveStorageError(string)                    {}
