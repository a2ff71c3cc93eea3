package workflow

import "time"

// statsRecorder is guarded by the controller mutex.
type statsRecorder struct {
	calls  int
	total  time.Duration
	errors int
}

func (s *statsRecorder) recordCall(elapsed time.Duration) {
	s.calls++
	s.total += elapsed
}

func (s *statsRecorder) recordError() {
	s.errors++
}

func (s statsRecorder) snapshot() Stats {
	out := Stats{ContractInteractions: s.calls, ErrorCount: s.errors}
	if s.calls > 0 {
		out.AverageResponseTime = s.total / time.Duration(s.calls)
	}
	return out
}
