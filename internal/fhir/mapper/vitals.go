// Package mapper transforms FHIR R5 vital-sign Observations into board readings.
package mapper

import (
	"fmt"
	"math"
	"strings"

	"github.com/drfirst/go-edflow/internal/domain/ews"
	"github.com/drfirst/go-edflow/internal/domain/observation"
	fhir "github.com/drfirst/go-edflow/internal/fhir/r5"
)

// LOINC codes for the vitals the early-warning score uses
const (
	LOINCRespiratoryRate       = "9279-1"
	LOINCOxygenSaturation      = "59408-5"
	LOINCOxygenSaturationArt   = "2708-6"
	LOINCHeartRate             = "8867-4"
	LOINCSystolicBP            = "8480-6"
	LOINCBloodPressurePanel    = "85354-9"
	LOINCVitalSignsPanel       = "85353-1"
	LOINCBodyTemperature       = "8310-5"
	LOINCResponsiveness        = "67775-7"
	LOINCInhaledOxygenFlow     = "3151-8"
	LOINCInhaledOxygenFraction = "3150-0"
)

// SNOMED CT codes for ACVPU responsiveness values
var snomedConsciousness = map[string]ews.Consciousness{
	"248234008": ews.Alert,
	"130987000": ews.Confusion,
	"300202002": ews.Voice,
	"450847001": ews.Pain,
	"422768004": ews.Unresponsive,
}

// roomAirFraction is the inspired oxygen percentage of room air
const roomAirFraction = 21.0

// MapError represents a mapping error with context
type MapError struct {
	Field   string
	Code    string
	Message string
}

func (e *MapError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MapObservation converts a vital-sign Observation, a blood pressure panel
// or a vital-signs panel into a reading. Values it cannot read are left
// absent; an observation with no readable vital at all is an error.
func MapObservation(obs *fhir.Observation) (observation.Reading, error) {
	if obs == nil {
		return observation.Reading{}, &MapError{Field: "Observation", Code: "NULL_INPUT", Message: "observation is required"}
	}
	if obs.ResourceType != "" && obs.ResourceType != "Observation" {
		return observation.Reading{}, &MapError{Field: "resourceType", Code: "WRONG_TYPE", Message: fmt.Sprintf("expected Observation, got %s", obs.ResourceType)}
	}
	if !obs.IsUsable() {
		return observation.Reading{}, &MapError{Field: "status", Code: "NOT_USABLE", Message: fmt.Sprintf("status %q carries no result", obs.Status)}
	}

	patientID := obs.GetPatientID()
	if patientID == "" {
		return observation.Reading{}, &MapError{Field: "subject", Code: "MISSING_SUBJECT", Message: "patient reference is required"}
	}
	takenAt, ok := obs.GetEffectiveTime()
	if !ok {
		return observation.Reading{}, &MapError{Field: "effective[x]", Code: "MISSING_EFFECTIVE", Message: "effective time is required"}
	}

	r := observation.Reading{
		PatientID: patientID,
		TakenAt:   takenAt,
		Source:    observation.SourceRoutineObs,
	}
	if obs.Device != nil {
		r.Source = observation.SourceDevice
	}

	found := 0
	if obs.DataAbsentReason == nil {
		found += apply(&r, &obs.Code, obs.ValueQuantity, obs.ValueCodeableConcept, obs.ValueBoolean)
	}
	for i := range obs.Component {
		c := &obs.Component[i]
		if c.DataAbsentReason != nil {
			continue
		}
		found += apply(&r, &c.Code, c.ValueQuantity, c.ValueCodeableConcept, c.ValueBoolean)
	}

	if found == 0 {
		return observation.Reading{}, &MapError{Field: "code", Code: "NO_VITALS", Message: "no recognised vital sign value"}
	}
	return r, nil
}

// apply sets the reading field the code identifies and reports how many
// values it read.
func apply(r *observation.Reading, code *fhir.CodeableConcept, q *fhir.Quantity, cc *fhir.CodeableConcept, b *bool) int {
	is := func(codes ...string) bool {
		for _, c := range codes {
			if code.HasCode(fhir.SystemLOINC, c) {
				return true
			}
		}
		return false
	}

	switch {
	case is(LOINCRespiratoryRate):
		return set(&r.RespiratoryRate, value(q))
	case is(LOINCOxygenSaturation, LOINCOxygenSaturationArt):
		return set(&r.OxygenSaturation, value(q))
	case is(LOINCHeartRate):
		return set(&r.HeartRate, value(q))
	case is(LOINCSystolicBP):
		return set(&r.SystolicBP, value(q))
	case is(LOINCBodyTemperature):
		return set(&r.Temperature, celsius(q))
	case is(LOINCResponsiveness):
		if c, ok := consciousness(cc); ok {
			r.Consciousness = &c
			return 1
		}
	case is(LOINCInhaledOxygenFlow, LOINCInhaledOxygenFraction):
		if on, ok := supplementalOxygen(code, q, b); ok {
			r.SupplementalOxygen = &on
			return 1
		}
	}
	return 0
}

func set(dst **float64, v *float64) int {
	if v == nil {
		return 0
	}
	*dst = v
	return 1
}

func value(q *fhir.Quantity) *float64 {
	if q == nil || q.Value == nil || math.IsNaN(*q.Value) || math.IsInf(*q.Value, 0) {
		return nil
	}
	v := *q.Value
	return &v
}

// celsius converts Fahrenheit temperatures; any other unit is taken as
// Celsius.
func celsius(q *fhir.Quantity) *float64 {
	v := value(q)
	if v == nil {
		return nil
	}
	if q.Code == "[degF]" || strings.EqualFold(q.Unit, "degF") || q.Unit == "°F" {
		c := math.Round((*v-32)*5/9*10) / 10
		return &c
	}
	return v
}

func consciousness(cc *fhir.CodeableConcept) (ews.Consciousness, bool) {
	if cc == nil {
		return "", false
	}
	for _, code := range cc.Codes(fhir.SystemSNOMED) {
		if c, ok := snomedConsciousness[code]; ok {
			return c, true
		}
	}
	for _, coding := range cc.Coding {
		if c, ok := observation.ParseConsciousness(coding.Code); ok {
			return c, true
		}
		if c, ok := observation.ParseConsciousness(coding.Display); ok {
			return c, true
		}
	}
	return observation.ParseConsciousness(cc.Text)
}

// supplementalOxygen reads an explicit boolean, a flow above zero or an
// inspired fraction above room air as oxygen in use. Fractions may be sent
// as 0.28 or 28.
func supplementalOxygen(code *fhir.CodeableConcept, q *fhir.Quantity, b *bool) (bool, bool) {
	if b != nil {
		return *b, true
	}
	v := value(q)
	if v == nil {
		return false, false
	}
	if code.HasCode(fhir.SystemLOINC, LOINCInhaledOxygenFraction) {
		pct := *v
		if pct <= 1 {
			pct *= 100
		}
		return pct > roomAirFraction, true
	}
	return *v > 0, true
}
