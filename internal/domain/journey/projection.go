package journey

import "sort"

// Phase is a patient's coarse workflow stage
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseInTriage    Phase = "in_triage"
	PhaseRoomed      Phase = "roomed"
	PhaseDiagnostics Phase = "diagnostics"
	PhaseReview      Phase = "review"
)

var phaseRank = map[Phase]int{
	PhaseWaiting:     0,
	PhaseInTriage:    1,
	PhaseRoomed:      2,
	PhaseDiagnostics: 3,
	PhaseReview:      4,
}

// Projection is the state derived from a patient's events. An empty
// CurrentRoom means the patient has not been roomed.
type Projection struct {
	Phase       Phase  `json:"phase"`
	CurrentRoom string `json:"current_room,omitempty"`
}

// Project folds events from scratch in chronological order. The result
// depends only on the set of events, never on the order they are passed in.
func Project(events []Event) Projection {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sortChronological(ordered)

	p := Projection{Phase: PhaseWaiting}
	for _, e := range ordered {
		p = p.apply(e)
	}
	return p
}

// apply advances p by one event. Phase never moves backwards.
func (p Projection) apply(e Event) Projection {
	switch e.Kind {
	case KindTriage:
		if p.Phase == PhaseWaiting {
			p.Phase = PhaseInTriage
		}
	case KindRoomChange:
		p.CurrentRoom = e.Label
		if phaseRank[p.Phase] < phaseRank[PhaseRoomed] {
			p.Phase = PhaseRoomed
		}
	case KindOrderPlaced:
		if p.Phase == PhaseRoomed {
			p.Phase = PhaseDiagnostics
		}
	case KindResultReceived:
		if p.Phase == PhaseDiagnostics {
			p.Phase = PhaseReview
		}
	}
	return p
}

// sortChronological orders by timestamp, breaking ties by kind, label and id
// so that any permutation of the same events sorts identically.
func sortChronological(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.T.Equal(b.T) {
			return a.T.Before(b.T)
		}
		if ra, rb := rank(a.Kind), rank(b.Kind); ra != rb {
			return ra < rb
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.ID < b.ID
	})
}

func rank(k Kind) int {
	if r, ok := kindRank[k]; ok {
		return r
	}
	return len(kinds)
}
