package observation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-edflow/internal/domain/ews"
)

// Measure decodes a vital value leniently. Numbers and numeric strings are
// accepted; anything else (empty, "n/a", objects) decodes as absent rather
// than failing the whole reading.
type Measure struct {
	Value *float64
}

func (m *Measure) UnmarshalJSON(b []byte) error {
	m.Value = nil

	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}

	var v float64
	switch x := raw.(type) {
	case float64:
		v = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		v = parsed
	default:
		return nil
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	m.Value = &v
	return nil
}

func (m Measure) MarshalJSON() ([]byte, error) {
	if m.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*m.Value)
}

// Input is a reading as submitted by a form or device feed.
type Input struct {
	PatientID          string    `json:"patient_id"`
	TakenAt            time.Time `json:"taken_at"`
	RespiratoryRate    Measure   `json:"respiratory_rate"`
	OxygenSaturation   Measure   `json:"oxygen_saturation"`
	HeartRate          Measure   `json:"heart_rate"`
	SystolicBP         Measure   `json:"systolic_bp"`
	Temperature        Measure   `json:"temperature"`
	Consciousness      string    `json:"consciousness,omitempty"`
	SupplementalOxygen *bool     `json:"supplemental_oxygen,omitempty"`
	Source             Source    `json:"source,omitempty"`
}

// Reading converts the input. Only a missing patient id or timestamp is an
// error; unreadable vitals are dropped.
func (in Input) Reading() (Reading, error) {
	if in.PatientID == "" {
		return Reading{}, fmt.Errorf("patient_id is required")
	}
	if in.TakenAt.IsZero() {
		return Reading{}, fmt.Errorf("taken_at is required")
	}

	r := Reading{
		PatientID:          in.PatientID,
		TakenAt:            in.TakenAt,
		RespiratoryRate:    in.RespiratoryRate.Value,
		OxygenSaturation:   in.OxygenSaturation.Value,
		HeartRate:          in.HeartRate.Value,
		SystolicBP:         in.SystolicBP.Value,
		Temperature:        in.Temperature.Value,
		SupplementalOxygen: in.SupplementalOxygen,
		Source:             in.Source,
	}
	if c, ok := ParseConsciousness(in.Consciousness); ok {
		r.Consciousness = &c
	}
	if r.Source == "" {
		r.Source = SourceRoutineObs
	}
	return r, nil
}

// ParseConsciousness accepts ACVPU letters or level names in any case.
func ParseConsciousness(s string) (ews.Consciousness, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "alert":
		return ews.Alert, true
	case "c", "confusion", "confused", "new confusion":
		return ews.Confusion, true
	case "v", "voice":
		return ews.Voice, true
	case "p", "pain":
		return ews.Pain, true
	case "u", "unresponsive":
		return ews.Unresponsive, true
	}
	return "", false
}
