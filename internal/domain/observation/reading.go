// Package observation holds the time-ordered vital-sign history of each
// patient and scores every reading as it is recorded.
package observation

import (
	"math"
	"time"

	"github.com/drfirst/go-edflow/internal/domain/ews"
)

// Source records where a reading came from. It does not affect scoring.
type Source string

const (
	SourceTriage     Source = "triage"
	SourceRoutineObs Source = "routine_obs"
	SourceDevice     Source = "device"
)

// Reading is one observation snapshot. Score and NextDue are computed when
// the reading is stored; values supplied by the caller are overwritten.
type Reading struct {
	PatientID          string             `json:"patient_id"`
	TakenAt            time.Time          `json:"taken_at"`
	RespiratoryRate    *float64           `json:"respiratory_rate,omitempty"`
	OxygenSaturation   *float64           `json:"oxygen_saturation,omitempty"`
	HeartRate          *float64           `json:"heart_rate,omitempty"`
	SystolicBP         *float64           `json:"systolic_bp,omitempty"`
	Temperature        *float64           `json:"temperature,omitempty"`
	Consciousness      *ews.Consciousness `json:"consciousness,omitempty"`
	SupplementalOxygen *bool              `json:"supplemental_oxygen,omitempty"`
	Source             Source             `json:"source,omitempty"`

	Score   ews.Result `json:"score"`
	NextDue time.Time  `json:"next_due"`
}

// Snapshot returns the vitals of r as a scoring snapshot.
func (r Reading) Snapshot() ews.Snapshot {
	return ews.Snapshot{
		RespiratoryRate:    r.RespiratoryRate,
		OxygenSaturation:   r.OxygenSaturation,
		HeartRate:          r.HeartRate,
		SystolicBP:         r.SystolicBP,
		Temperature:        r.Temperature,
		Consciousness:      r.Consciousness,
		SupplementalOxygen: r.SupplementalOxygen,
	}
}

// clone copies every pointer and map so stored readings cannot be changed
// through a returned value.
func (r Reading) clone() Reading {
	out := r
	out.RespiratoryRate = cloneFloat(r.RespiratoryRate)
	out.OxygenSaturation = cloneFloat(r.OxygenSaturation)
	out.HeartRate = cloneFloat(r.HeartRate)
	out.SystolicBP = cloneFloat(r.SystolicBP)
	out.Temperature = cloneFloat(r.Temperature)
	if r.Consciousness != nil {
		c := *r.Consciousness
		out.Consciousness = &c
	}
	if r.SupplementalOxygen != nil {
		b := *r.SupplementalOxygen
		out.SupplementalOxygen = &b
	}
	if r.Score.PerParameter != nil {
		pp := make(map[ews.Parameter]int, len(r.Score.PerParameter))
		for k, v := range r.Score.PerParameter {
			pp[k] = v
		}
		out.Score.PerParameter = pp
	}
	return out
}

// withoutNonFinite clears NaN and infinite vitals so they are stored as
// absent, the same way they are scored.
func (r Reading) withoutNonFinite() Reading {
	for _, v := range []**float64{&r.RespiratoryRate, &r.OxygenSaturation, &r.HeartRate, &r.SystolicBP, &r.Temperature} {
		if *v != nil && (math.IsNaN(**v) || math.IsInf(**v, 0)) {
			*v = nil
		}
	}
	return r
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// merge forward-fills every vital absent from next with the latest known
// value in prior, which must be in timestamp order.
func merge(prior []Reading, next Reading) ews.Snapshot {
	s := ews.Snapshot{}
	for _, r := range append(prior[:len(prior):len(prior)], next) {
		fill(&s.RespiratoryRate, r.RespiratoryRate)
		fill(&s.OxygenSaturation, r.OxygenSaturation)
		fill(&s.HeartRate, r.HeartRate)
		fill(&s.SystolicBP, r.SystolicBP)
		fill(&s.Temperature, r.Temperature)
		if r.Consciousness != nil && r.Consciousness.Valid() {
			s.Consciousness = r.Consciousness
		}
		if r.SupplementalOxygen != nil {
			s.SupplementalOxygen = r.SupplementalOxygen
		}
	}
	return s
}

func fill(dst **float64, v *float64) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return
	}
	*dst = v
}
