package carbon

import (
	"math"
	"sort"
)

// Equivalency expresses an emission figure as a relatable real-world
// quantity.
type Equivalency struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	Description string  `json:"description"`
}

// equivalencyFactor is gCO2eq per one unit of the named activity.
// Figures follow the EPA greenhouse-gas equivalency calculator (2024)
// and UK DEFRA / Carbon Trust estimates.
type equivalencyFactor struct {
	name        string
	gramsCO2eq  float64
	unit        string
	description string
}

var equivalencyFactors = []equivalencyFactor{
	{"miles_driven", 400.0, "miles", "Miles driven in an average passenger vehicle"},
	{"km_driven", 251.0, "kilometers", "Kilometers driven in an average passenger vehicle"},
	{"trees_year", 21772.0, "trees", "Trees needed for one year to offset emissions"},
	{"trees_day", 59.6, "tree-days", "Trees needed for one day to offset emissions"},
	{"smartphone_charges", 8.22, "charges", "Smartphone battery charges (full cycle)"},
	{"laptop_charges", 47.0, "charges", "Laptop battery charges (50 Wh battery)"},
	{"led_bulb_hours", 9.0, "hours", "Hours of 10 W LED bulb usage"},
	{"streaming_hours", 55.0, "hours", "Hours of HD video streaming"},
	{"kettles_boiled", 70.0, "liters", "Liters of water boiled in an electric kettle"},
	{"kg_coal_burned", 2419.0, "kg", "Kilograms of coal burned"},
	{"liters_gasoline", 2392.0, "liters", "Liters of gasoline burned"},
	{"plastic_bottles", 82.8, "bottles", "Plastic water bottles produced"},
}

// legible value range: equivalencies whose result lands here read well.
const (
	legibleMin = 0.1
	legibleMax = 1000.0
)

// Equivalencies converts an emission figure into the full ordered set of
// equivalencies. Non-positive input yields an empty set.
func Equivalencies(gco2eq float64) []Equivalency {
	if gco2eq <= 0 {
		return nil
	}
	out := make([]Equivalency, 0, len(equivalencyFactors))
	for _, f := range equivalencyFactors {
		out = append(out, Equivalency{
			Name:        f.name,
			Value:       gco2eq / f.gramsCO2eq,
			Unit:        f.unit,
			Description: f.description,
		})
	}
	return out
}

// TopEquivalencies selects the n equivalencies whose values are most
// legible: values inside [0.1, 1000] first, then by log-distance to
// that range, so nothing rounds to zero or to an absurd figure.
func TopEquivalencies(gco2eq float64, n int) []Equivalency {
	all := Equivalencies(gco2eq)
	if n <= 0 || len(all) == 0 {
		return nil
	}
	sort.SliceStable(all, func(i, j int) bool {
		return legibilityCost(all[i].Value) < legibilityCost(all[j].Value)
	})
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

func legibilityCost(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	switch {
	case v < legibleMin:
		return math.Log10(legibleMin) - math.Log10(v)
	case v > legibleMax:
		return math.Log10(v) - math.Log10(legibleMax)
	default:
		return 0
	}
}
