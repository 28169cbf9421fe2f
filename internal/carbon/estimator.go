package carbon

// wattSecondsPerKWh converts Joules to kilowatt-hours.
const wattSecondsPerKWh = 3600 * 1000

// PowerProfile holds the per-core power constants for one hardware class.
// It is passed into every estimate so different machine classes can use
// different constants without touching the algorithm.
type PowerProfile struct {
	BusyWatts float64
	IdleWatts float64
}

// DefaultPowerProfile matches the platform-wide assumption of a 12 W busy
// core and a 1 W idle core.
func DefaultPowerProfile() PowerProfile {
	return PowerProfile{BusyWatts: 12, IdleWatts: 1}
}

// EstimateKWh converts busy and idle CPU-seconds into kWh:
//
//	kwh = (busyW*busySeconds + idleW*idleSeconds) / 3_600_000
//
// A failed input yields a failed output; the sentinel is never masked
// as zero energy.
func EstimateKWh(profile PowerProfile, busySeconds, idleSeconds Measurement) (busyKWh, idleKWh Measurement) {
	return EstimateBusyKWh(profile, busySeconds), EstimateIdleKWh(profile, idleSeconds)
}

// EstimateBusyKWh converts busy CPU-seconds alone.
func EstimateBusyKWh(profile PowerProfile, busySeconds Measurement) Measurement {
	return busySeconds.Scale(profile.BusyWatts / wattSecondsPerKWh)
}

// EstimateIdleKWh converts idle CPU-seconds alone.
func EstimateIdleKWh(profile PowerProfile, idleSeconds Measurement) Measurement {
	return idleSeconds.Scale(profile.IdleWatts / wattSecondsPerKWh)
}
