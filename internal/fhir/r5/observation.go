package r5

import (
	"encoding/json"
	"time"
)

// Observation represents a FHIR R5 Observation resource. Only the elements
// a vital-signs feed populates are modelled.
type Observation struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status   string            `json:"status"`
	Category []CodeableConcept `json:"category,omitempty"`
	Code     CodeableConcept   `json:"code"`

	Subject   *Reference `json:"subject,omitempty"`
	Encounter *Reference `json:"encounter,omitempty"`

	EffectiveDateTime *time.Time `json:"effectiveDateTime,omitempty"`
	EffectiveInstant  *time.Time `json:"effectiveInstant,omitempty"`
	EffectivePeriod   *Period    `json:"effectivePeriod,omitempty"`
	Issued            *time.Time `json:"issued,omitempty"`

	Performer []Reference `json:"performer,omitempty"`
	Device    *Reference  `json:"device,omitempty"`

	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`

	DataAbsentReason *CodeableConcept       `json:"dataAbsentReason,omitempty"`
	Note             []Annotation           `json:"note,omitempty"`
	HasMember        []Reference            `json:"hasMember,omitempty"`
	Component        []ObservationComponent `json:"component,omitempty"`
}

// ObservationComponent is one part of a multi-part observation such as a
// blood pressure panel.
type ObservationComponent struct {
	Code                 CodeableConcept  `json:"code"`
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	DataAbsentReason     *CodeableConcept `json:"dataAbsentReason,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (o *Observation) GetPatientID() string {
	return o.Subject.ID()
}

// GetEffectiveTime returns when the observation was clinically relevant,
// falling back to the period start and then to Issued.
func (o *Observation) GetEffectiveTime() (time.Time, bool) {
	switch {
	case o.EffectiveDateTime != nil:
		return *o.EffectiveDateTime, true
	case o.EffectiveInstant != nil:
		return *o.EffectiveInstant, true
	case o.EffectivePeriod != nil && o.EffectivePeriod.Start != nil:
		return *o.EffectivePeriod.Start, true
	case o.Issued != nil:
		return *o.Issued, true
	}
	return time.Time{}, false
}

// IsVitalSign reports whether the observation is in the vital-signs category.
func (o *Observation) IsVitalSign() bool {
	for i := range o.Category {
		if o.Category[i].HasCode(SystemObservationCategory, CategoryVitalSigns) {
			return true
		}
	}
	return false
}

// IsUsable reports whether the observation's status carries a result that
// may be acted on.
func (o *Observation) IsUsable() bool {
	switch o.Status {
	case StatusFinal, StatusAmended, StatusCorrected, StatusPreliminary:
		return true
	}
	return false
}

// FromJSON deserializes an Observation from JSON.
func (o *Observation) FromJSON(data []byte) error {
	return json.Unmarshal(data, o)
}
