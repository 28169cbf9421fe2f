package carbon

// CPUSample is one window of CPU time split by mode. Either side may
// carry the failed sentinel when the upstream metric store could not
// answer.
type CPUSample struct {
	Busy Measurement
	Idle Measurement
}

// FailedSample marks both sides failed.
func FailedSample() CPUSample {
	return CPUSample{Busy: Failed(), Idle: Failed()}
}

// Failed reports whether either side of the sample failed.
func (s CPUSample) Failed() bool {
	return s.Busy.IsFailed() || s.Idle.IsFailed()
}
