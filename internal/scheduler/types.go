package scheduler

import "time"

// SweepPayload is the event the scheduled rule delivers to the sweeper
// function. An empty payload sweeps as of the invocation time.
//
//	{
//	  "reference_time": "2026-02-06T03:00:00Z",  // optional
//	  "batch_limit": 200                          // optional
//	}
type SweepPayload struct {
	// ReferenceTime replaces "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	BatchLimit    int        `json:"batch_limit,omitempty"`
}

// Now resolves the sweep's reference time.
func (p SweepPayload) Now() time.Time {
	if p.ReferenceTime != nil {
		return p.ReferenceTime.UTC()
	}
	return time.Now().UTC()
}
