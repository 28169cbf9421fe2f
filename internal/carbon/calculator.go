package carbon

// GCO2eq converts energy to emissions: gco2eq = kwh * intensity.
// Failure propagates.
func GCO2eq(kwh Measurement, intensityGPerKWh float64) Measurement {
	return kwh.Scale(intensityGPerKWh)
}

// EmissionBreakdown is the busy/idle split of one conversion.
type EmissionBreakdown struct {
	Busy  Measurement
	Idle  Measurement
	Total Measurement
}

// Breakdown applies one intensity value to both energy components.
// Intensity is a property of the grid at that instant, not of the busy
// or idle state, so the same scalar is reused for both.
func Breakdown(busyKWh, idleKWh Measurement, intensityGPerKWh float64) EmissionBreakdown {
	busy := GCO2eq(busyKWh, intensityGPerKWh)
	idle := GCO2eq(idleKWh, intensityGPerKWh)
	return EmissionBreakdown{
		Busy:  busy,
		Idle:  idle,
		Total: busy.Add(idle),
	}
}
