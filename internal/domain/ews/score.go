// Package ews implements the early-warning score and the observation cadence
// derived from it.
package ews

import (
	"fmt"
	"math"
)

// Consciousness is the ACVPU level of responsiveness
type Consciousness string

const (
	Alert        Consciousness = "alert"
	Confusion    Consciousness = "confusion"
	Voice        Consciousness = "voice"
	Pain         Consciousness = "pain"
	Unresponsive Consciousness = "unresponsive"
)

// Valid reports whether c is one of the ACVPU levels
func (c Consciousness) Valid() bool {
	switch c {
	case Alert, Confusion, Voice, Pain, Unresponsive:
		return true
	}
	return false
}

// Band is the discrete risk classification
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// Parameter names a scored vital sign
type Parameter string

const (
	RespiratoryRate  Parameter = "respiratory_rate"
	OxygenSaturation Parameter = "oxygen_saturation"
	HeartRate        Parameter = "heart_rate"
	SystolicBP       Parameter = "systolic_bp"
	Temperature      Parameter = "temperature"
	Level            Parameter = "consciousness"
)

// OxygenSurcharge is added to the total when supplemental oxygen is in use.
const OxygenSurcharge = 2

// Snapshot is the set of vitals a score is computed from. Nil means not measured.
type Snapshot struct {
	RespiratoryRate    *float64
	OxygenSaturation   *float64
	HeartRate          *float64
	SystolicBP         *float64
	Temperature        *float64
	Consciousness      *Consciousness
	SupplementalOxygen *bool
}

// Result is the outcome of scoring one snapshot
type Result struct {
	Total        int               `json:"total"`
	Band         Band              `json:"band"`
	PerParameter map[Parameter]int `json:"per_parameter"`
	Escalate     bool              `json:"escalate"`
}

// step is an inclusive upper bound and the points awarded at or below it.
type step struct {
	upTo   float64
	points int
}

// table is evaluated in order; values above the last bound score above.
type table struct {
	steps []step
	above int
}

func (t table) points(v float64) int {
	for _, s := range t.steps {
		if v <= s.upTo {
			return s.points
		}
	}
	return t.above
}

var tables = map[Parameter]table{
	RespiratoryRate: {
		steps: []step{{8, 3}, {11, 1}, {20, 0}, {24, 2}},
		above: 3,
	},
	OxygenSaturation: {
		steps: []step{{91, 3}, {93, 2}, {95, 1}},
		above: 0,
	},
	HeartRate: {
		steps: []step{{40, 3}, {50, 1}, {90, 0}, {110, 1}, {130, 2}},
		above: 3,
	},
	SystolicBP: {
		steps: []step{{90, 3}, {100, 2}, {110, 1}, {219, 0}},
		above: 3,
	},
	Temperature: {
		steps: []step{{35.0, 3}, {36.0, 1}, {38.0, 0}, {39.0, 1}},
		above: 2,
	},
}

// Policy holds the aggregate thresholds used to band a total.
type Policy struct {
	// HighThreshold is the lowest total banded High
	HighThreshold int
	// MediumThreshold is the lowest total banded Medium
	MediumThreshold int
}

// DefaultPolicy returns the thresholds in use on the board today.
func DefaultPolicy() Policy {
	return Policy{HighThreshold: 7, MediumThreshold: 4}
}

// Validate checks the thresholds are ordered
func (p Policy) Validate() error {
	if p.MediumThreshold <= 0 {
		return fmt.Errorf("medium threshold must be positive, got %d", p.MediumThreshold)
	}
	if p.HighThreshold < p.MediumThreshold {
		return fmt.Errorf("high threshold %d is below medium threshold %d", p.HighThreshold, p.MediumThreshold)
	}
	return nil
}

// Score scores s with the default policy.
func Score(s Snapshot) Result {
	return DefaultPolicy().Score(s)
}

// Score scores s. Absent or non-finite values contribute nothing and never
// escalate.
func (p Policy) Score(s Snapshot) Result {
	res := Result{PerParameter: make(map[Parameter]int)}

	numeric := []struct {
		param Parameter
		value *float64
	}{
		{RespiratoryRate, s.RespiratoryRate},
		{OxygenSaturation, s.OxygenSaturation},
		{HeartRate, s.HeartRate},
		{SystolicBP, s.SystolicBP},
		{Temperature, s.Temperature},
	}
	for _, n := range numeric {
		if !usable(n.value) {
			continue
		}
		res.PerParameter[n.param] = tables[n.param].points(*n.value)
	}

	if s.Consciousness != nil && s.Consciousness.Valid() {
		pts := 0
		if *s.Consciousness != Alert {
			pts = 3
		}
		res.PerParameter[Level] = pts
	}

	for _, pts := range res.PerParameter {
		res.Total += pts
		if pts >= 3 {
			res.Escalate = true
		}
	}
	if s.SupplementalOxygen != nil && *s.SupplementalOxygen {
		res.Total += OxygenSurcharge
	}

	res.Band = p.band(res.Total, res.Escalate)
	return res
}

func (p Policy) band(total int, escalate bool) Band {
	switch {
	case escalate || total >= p.HighThreshold:
		return BandHigh
	case total >= p.MediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

func usable(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
