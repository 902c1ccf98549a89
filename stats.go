package balter

import "time"

// RunStats summarizes a completed scenario run. The terminal Run call
// never fails once the builder validates; every engine degradation is
// reflected here instead.
type RunStats struct {
	// RunID uniquely identifies this run.
	RunID string `json:"runId"`

	// Scenario is the scenario name.
	Scenario string `json:"scenario"`

	// ActualTPS is total transactions over elapsed wall clock.
	ActualTPS float64 `json:"actualTps"`

	// ErrorRate is total errors over total transactions, 0 when no
	// transactions ran.
	ErrorRate float64 `json:"errorRate"`

	// LatencyByQuantile holds observed latency at the standard quantiles
	// plus any constraint-configured one. Quantiles with no samples are
	// absent.
	LatencyByQuantile map[float64]time.Duration `json:"latencyByQuantile"`

	// TotalSuccess and TotalError are the final counter values.
	TotalSuccess uint64 `json:"totalSuccess"`
	TotalError   uint64 `json:"totalError"`

	// DurationElapsed is the wall-clock length of the run.
	DurationElapsed time.Duration `json:"durationElapsed"`

	// TpsLimited reports whether the run concluded the SUT was the
	// bottleneck.
	TpsLimited bool `json:"tpsLimited"`

	// WorkerCrashes counts scenario passes that ended in a panic.
	WorkerCrashes int64 `json:"workerCrashes"`

	// Aborted is set when the run terminated early; AbortReason says why.
	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abortReason,omitempty"`
}

// TotalTransactions returns the number of transactions the run observed.
func (s RunStats) TotalTransactions() uint64 {
	return s.TotalSuccess + s.TotalError
}
