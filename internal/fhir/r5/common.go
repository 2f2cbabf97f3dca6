// Package r5 provides the FHIR R5 data structures the board consumes.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// HasCode reports whether any coding matches system and code. An empty
// system matches any system.
func (c *CodeableConcept) HasCode(system, code string) bool {
	if c == nil {
		return false
	}
	for _, coding := range c.Coding {
		if coding.Code == code && (system == "" || coding.System == system) {
			return true
		}
	}
	return false
}

// Codes returns every code in the given system.
func (c *CodeableConcept) Codes(system string) []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, coding := range c.Coding {
		if coding.System == system {
			out = append(out, coding.Code)
		}
	}
	return out
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// ID extracts the id from references like "Patient/123" or "urn:uuid:123".
func (r *Reference) ID() string {
	if r == nil {
		return ""
	}
	ref := r.Reference
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}

// Period represents a time period.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Quantity represents a measured amount. A nil Value means the quantity was
// sent without one.
type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string     `json:"authorString,omitempty"`
	Time         *time.Time `json:"time,omitempty"`
	Text         string     `json:"text"`
}

// Common code systems
const (
	SystemSNOMED              = "http://snomed.info/sct"
	SystemLOINC               = "http://loinc.org"
	SystemUCUM                = "http://unitsofmeasure.org"
	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
)

// Observation statuses
const (
	StatusRegistered     = "registered"
	StatusPreliminary    = "preliminary"
	StatusFinal          = "final"
	StatusAmended        = "amended"
	StatusCorrected      = "corrected"
	StatusCancelled      = "cancelled"
	StatusEnteredInError = "entered-in-error"
	StatusUnknown        = "unknown"
)

// CategoryVitalSigns is the observation-category code for vital signs
const CategoryVitalSigns = "vital-signs"
