package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-edflow/internal/board"
	"github.com/drfirst/go-edflow/internal/domain/ews"
	"github.com/drfirst/go-edflow/internal/domain/journey"
	"github.com/drfirst/go-edflow/internal/domain/observation"
	"github.com/drfirst/go-edflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-edflow/pkg/workerpool"
)

var t0 = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

type parked struct {
	msg   *redpanda.ConsumedMessage
	cause error
}

type fakeDeadLetter struct {
	mu     sync.Mutex
	parked []parked
	err    error
}

func (f *fakeDeadLetter) DeadLetter(_ context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.parked = append(f.parked, parked{msg: msg, cause: cause})
	return nil
}

func newBoard(t *testing.T) *board.Board {
	t.Helper()
	b, err := board.New(board.Config{
		Observations: observation.NewStore(),
		Events:       journey.NewLog(),
		Clock:        func() time.Time { return t0 },
	})
	require.NoError(t, err)
	return b
}

func message(topic, key, value string) *redpanda.ConsumedMessage {
	return &redpanda.ConsumedMessage{Topic: topic, Key: []byte(key), Value: []byte(value)}
}

const spo2Observation = `{
  "resourceType": "Observation",
  "status": "final",
  "category": [{"coding": [{"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "vital-signs"}]}],
  "code": {"coding": [{"system": "http://loinc.org", "code": "59408-5"}]},
  "subject": {"reference": "Patient/P7"},
  "effectiveDateTime": "2026-10-15T08:10:00Z",
  "device": {"reference": "Device/oximeter-3"},
  "valueQuantity": {"value": 93, "unit": "%", "system": "http://unitsofmeasure.org", "code": "%"}
}`

func TestHandler_Vitals(t *testing.T) {
	b := newBoard(t)
	h := NewHandler(b, &fakeDeadLetter{}, nil, nil)

	err := h.Handle(context.Background(), message(redpanda.TopicVitals, "P1",
		`{"patient_id":"P1","taken_at":"2026-10-15T08:00:00Z","respiratory_rate":"28","oxygen_saturation":89,
		  "heart_rate":130,"systolic_bp":85,"temperature":39.2,"consciousness":"A"}`))
	require.NoError(t, err)

	readings := b.Readings("P1")
	require.Len(t, readings, 1)
	assert.Equal(t, 13, readings[0].Score.Total)
	assert.Equal(t, ews.BandHigh, readings[0].Score.Band)
	assert.Equal(t, observation.SourceRoutineObs, readings[0].Source)
}

func TestHandler_FHIRObservation(t *testing.T) {
	b := newBoard(t)
	h := NewHandler(b, &fakeDeadLetter{}, nil, nil)

	require.NoError(t, h.Handle(context.Background(), message(redpanda.TopicFHIRObservations, "P7", spo2Observation)))

	last := b.Summary("P7", t0)
	require.NotNil(t, last.Last)
	assert.Equal(t, 93.0, *last.Last.OxygenSaturation)
	assert.Equal(t, 2, last.Last.Score.Total)
	assert.Equal(t, observation.SourceDevice, last.Last.Source)
}

func TestHandler_ClinicalEvents(t *testing.T) {
	b := newBoard(t)
	h := NewHandler(b, &fakeDeadLetter{}, nil, nil)
	ctx := context.Background()

	for _, value := range []string{
		`{"patient_id":"P1","t":"2026-10-15T08:00:00Z","kind":"arrival","label":"walk-in"}`,
		`{"patient_id":"P1","t":"2026-10-15T08:05:00Z","kind":"Triage","label":"ATS 3","actor":{"id":"rn-12","role":"nurse"}}`,
		`{"patient_id":"P1","t":"2026-10-15T08:20:00Z","kind":"room_change","label":"Bay 3"}`,
		`{"patient_id":"P1","t":"2026-10-15T08:20:00.050Z","kind":"room_change","label":"Bay 3"}`,
	} {
		require.NoError(t, h.Handle(ctx, message(redpanda.TopicClinicalEvents, "P1", value)))
	}

	timeline := b.Timeline("P1")
	require.Len(t, timeline, 3, "the resubmitted room change is dropped")
	assert.Equal(t, "rn-12", timeline[1].Actor.ID)
	assert.Equal(t, journey.Projection{Phase: journey.PhaseRoomed, CurrentRoom: "Bay 3"}, b.Summary("P1", t0).Projection)
}

func TestHandler_RejectedMessagesAreParked(t *testing.T) {
	cases := []struct {
		name  string
		msg   *redpanda.ConsumedMessage
		cause error
	}{
		{"invalid json", message(redpanda.TopicVitals, "P1", `{"patient_id":`), ErrMalformed},
		{"reading without patient", message(redpanda.TopicVitals, "", `{"taken_at":"2026-10-15T08:00:00Z"}`), ErrMalformed},
		{"observation without vitals", message(redpanda.TopicFHIRObservations, "P1",
			`{"resourceType":"Observation","status":"final","code":{"text":"x"},"subject":{"reference":"Patient/P1"},"effectiveDateTime":"2026-10-15T08:00:00Z"}`), ErrMalformed},
		{"unknown kind", message(redpanda.TopicClinicalEvents, "P1", `{"patient_id":"P1","kind":"discharge"}`), ErrMalformed},
		{"scalar detail is accepted", message(redpanda.TopicClinicalEvents, "P1", `{"patient_id":"P1","kind":"note","detail":"x"}`), nil},
		{"unknown topic", message("ed.pharmacy", "P1", `{}`), ErrUnknownTopic},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBoard(t)
			dlq := &fakeDeadLetter{}
			h := NewHandler(b, dlq, nil, nil)

			require.NoError(t, h.Handle(context.Background(), tc.msg))

			if tc.cause == nil {
				assert.Empty(t, dlq.parked)
				return
			}
			require.Len(t, dlq.parked, 1)
			assert.Same(t, tc.msg, dlq.parked[0].msg)
			assert.ErrorIs(t, dlq.parked[0].cause, tc.cause)
			assert.Empty(t, b.Overview(t0))
		})
	}
}

func TestHandler_DeadLetterFailureIsReturned(t *testing.T) {
	h := NewHandler(newBoard(t), &fakeDeadLetter{err: errors.New("no leader")}, nil, nil)

	err := h.Handle(context.Background(), message(redpanda.TopicVitals, "P1", `not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no leader")
}

func TestHandler_WithoutDeadLetter(t *testing.T) {
	h := NewHandler(newBoard(t), nil, nil, nil)
	assert.NoError(t, h.Handle(context.Background(), message(redpanda.TopicVitals, "P1", `not json`)))
}

func TestEventInput_Event(t *testing.T) {
	e, err := EventInput{PatientID: "P1", Kind: "Order Placed", Label: "CT head"}.Event()
	require.NoError(t, err)
	assert.Equal(t, journey.KindOrderPlaced, e.Kind)
	assert.True(t, e.T.IsZero())

	_, err = EventInput{Kind: "note"}.Event()
	assert.Error(t, err)
}

func TestDispatcher_AppliesPerPatientInOrder(t *testing.T) {
	b := newBoard(t)
	h := NewHandler(b, &fakeDeadLetter{}, nil, nil)
	d, err := NewDispatcher(h, workerpool.Config{Workers: 4, QueueSize: 8}, nil)
	require.NoError(t, err)
	defer d.Close()

	var msgs []*redpanda.ConsumedMessage
	for i := 0; i < 30; i++ {
		for _, pid := range []string{"P1", "P2", "P3"} {
			msgs = append(msgs, message(redpanda.TopicClinicalEvents, pid, fmt.Sprintf(
				`{"patient_id":%q,"t":"2026-10-15T08:%02d:00Z","kind":"note","label":"n%d"}`, pid, i, i)))
		}
	}
	msgs = append(msgs,
		message(redpanda.TopicClinicalEvents, "P1", `{"patient_id":"P1","t":"2026-10-15T09:00:00Z","kind":"triage","label":"ATS 2"}`),
		message(redpanda.TopicVitals, "P2", `{"patient_id":"P2","taken_at":"2026-10-15T09:00:00Z","heart_rate":72}`),
	)

	require.NoError(t, d.Dispatch(context.Background(), msgs))

	assert.Len(t, b.Timeline("P1"), 31)
	assert.Len(t, b.Timeline("P3"), 30)
	assert.Equal(t, journey.PhaseInTriage, b.Summary("P1", t0).Projection.Phase)
	assert.Len(t, b.Readings("P2"), 1)
	assert.Equal(t, int64(len(msgs)), d.Stats().TasksCompleted)
}

func TestDispatcher_ReportsUnparkedFailures(t *testing.T) {
	h := NewHandler(newBoard(t), &fakeDeadLetter{err: errors.New("no leader")}, nil, nil)
	d, err := NewDispatcher(h, workerpool.Config{Workers: 2, QueueSize: 4}, nil)
	require.NoError(t, err)
	defer d.Close()

	err = d.Dispatch(context.Background(), []*redpanda.ConsumedMessage{
		message(redpanda.TopicVitals, "P1", `{"patient_id":"P1","taken_at":"2026-10-15T09:00:00Z","heart_rate":72}`),
		message(redpanda.TopicVitals, "P2", `broken`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no leader")
}

func TestDispatcher_AfterClose(t *testing.T) {
	d, err := NewDispatcher(NewHandler(newBoard(t), nil, nil, nil), workerpool.Config{Workers: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	err = d.Dispatch(context.Background(), []*redpanda.ConsumedMessage{message(redpanda.TopicVitals, "P1", `{}`)})
	assert.ErrorIs(t, err, workerpool.ErrStopped)
}
