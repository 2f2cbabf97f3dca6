// Package journey implements the clinical event log of each patient and the
// workflow phase projected from it.
package journey

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind represents the type of clinical event
type Kind string

const (
	KindArrival                Kind = "Arrival"
	KindTriage                 Kind = "Triage"
	KindRoomChange             Kind = "RoomChange"
	KindVitalsRecorded         Kind = "VitalsRecorded"
	KindEwsChange              Kind = "EwsChange"
	KindOrderPlaced            Kind = "OrderPlaced"
	KindResultReceived         Kind = "ResultReceived"
	KindMedicationAdministered Kind = "MedicationAdministered"
	KindTaskRecorded           Kind = "TaskRecorded"
	KindNote                   Kind = "Note"
	KindCommunication          Kind = "Communication"
	KindAlert                  Kind = "Alert"
)

// kinds lists every kind in fold tie-break order. Events sharing a timestamp
// are applied in this order so the workflow reads naturally.
var kinds = []Kind{
	KindArrival,
	KindTriage,
	KindRoomChange,
	KindVitalsRecorded,
	KindEwsChange,
	KindOrderPlaced,
	KindResultReceived,
	KindMedicationAdministered,
	KindTaskRecorded,
	KindNote,
	KindCommunication,
	KindAlert,
}

var kindRank = func() map[Kind]int {
	m := make(map[Kind]int, len(kinds))
	for i, k := range kinds {
		m[k] = i
	}
	return m
}()

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	_, ok := kindRank[k]
	return ok
}

// ParseKind accepts a kind name in any case, with or without separators
// ("room_change", "Room Change").
func ParseKind(s string) (Kind, error) {
	norm := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(s))
	for _, k := range kinds {
		if strings.ToLower(string(k)) == norm {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Actor identifies who recorded an event
type Actor struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Event is one append-only fact about a patient's journey. For RoomChange
// the Label carries the room identifier.
type Event struct {
	ID        string          `json:"id"`
	PatientID string          `json:"patient_id"`
	T         time.Time       `json:"t"`
	Kind      Kind            `json:"kind"`
	Label     string          `json:"label"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Actor     *Actor          `json:"actor,omitempty"`
}

// NewEvent builds an event for Append. Detail is marshalled as given; a
// string becomes a JSON string.
func NewEvent(patientID string, kind Kind, label string, at time.Time, detail interface{}) (Event, error) {
	e := Event{
		PatientID: patientID,
		T:         at,
		Kind:      kind,
		Label:     label,
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return Event{}, fmt.Errorf("marshal detail: %w", err)
		}
		e.Detail = raw
	}
	return e, nil
}

// WithActor sets who recorded the event
func (e Event) WithActor(id, name, role string) Event {
	e.Actor = &Actor{ID: id, Name: name, Role: role}
	return e
}

func (e Event) clone() Event {
	out := e
	if e.Detail != nil {
		out.Detail = append(json.RawMessage(nil), e.Detail...)
	}
	if e.Actor != nil {
		a := *e.Actor
		out.Actor = &a
	}
	return out
}
