package journey

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-edflow/internal/snapshot"
)

var t0 = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

func sequentialIDs() Option {
	var mu sync.Mutex
	n := 0
	return WithIDs(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("evt-%03d", n)
	})
}

func ev(pid string, kind Kind, label string, at time.Time) Event {
	return Event{PatientID: pid, Kind: kind, Label: label, T: at}
}

func TestLog_PhaseAdvancesMonotonically(t *testing.T) {
	l := NewLog()

	assert.Equal(t, Projection{Phase: PhaseWaiting}, l.ProjectionFor("P1"))

	steps := []struct {
		event Event
		want  Projection
	}{
		{ev("P1", KindArrival, "walk-in", t0), Projection{Phase: PhaseWaiting}},
		{ev("P1", KindTriage, "ATS 2", t0.Add(5*time.Minute)), Projection{Phase: PhaseInTriage}},
		{ev("P1", KindRoomChange, "Resus 1", t0.Add(10*time.Minute)), Projection{Phase: PhaseRoomed, CurrentRoom: "Resus 1"}},
		{ev("P1", KindOrderPlaced, "FBC", t0.Add(15*time.Minute)), Projection{Phase: PhaseDiagnostics, CurrentRoom: "Resus 1"}},
		{ev("P1", KindResultReceived, "FBC", t0.Add(45*time.Minute)), Projection{Phase: PhaseReview, CurrentRoom: "Resus 1"}},
	}

	for _, step := range steps {
		_, stored := l.Append(step.event)
		require.True(t, stored)
		assert.Equal(t, step.want, l.ProjectionFor("P1"), step.event.Kind)
	}
}

func TestLog_PhaseNeverRegresses(t *testing.T) {
	l := NewLog()

	l.Append(ev("P1", KindRoomChange, "Bay 4", t0))
	l.Append(ev("P1", KindOrderPlaced, "CT head", t0.Add(time.Minute)))
	l.Append(ev("P1", KindTriage, "ATS 3", t0.Add(2*time.Minute)))
	l.Append(ev("P1", KindRoomChange, "CT", t0.Add(3*time.Minute)))

	assert.Equal(t, Projection{Phase: PhaseDiagnostics, CurrentRoom: "CT"}, l.ProjectionFor("P1"))
}

func TestLog_RoomTransferKeepsLaterPhase(t *testing.T) {
	l := NewLog()
	l.Append(ev("P1", KindTriage, "ATS 3", t0))
	l.Append(ev("P1", KindRoomChange, "Bay 2", t0.Add(time.Minute)))
	l.Append(ev("P1", KindOrderPlaced, "CT head", t0.Add(2*time.Minute)))
	l.Append(ev("P1", KindRoomChange, "Radiology", t0.Add(3*time.Minute)))

	assert.Equal(t, Projection{Phase: PhaseDiagnostics, CurrentRoom: "Radiology"}, l.ProjectionFor("P1"))

	l.Append(ev("P1", KindResultReceived, "CT head", t0.Add(20*time.Minute)))
	l.Append(ev("P1", KindRoomChange, "Bay 2", t0.Add(25*time.Minute)))
	assert.Equal(t, Projection{Phase: PhaseReview, CurrentRoom: "Bay 2"}, l.ProjectionFor("P1"))
}

func TestLog_OrderBeforeRoomIsNoOp(t *testing.T) {
	l := NewLog()

	l.Append(ev("P1", KindTriage, "ATS 2", t0))
	l.Append(ev("P1", KindOrderPlaced, "ECG", t0.Add(time.Minute)))
	l.Append(ev("P1", KindResultReceived, "ECG", t0.Add(2*time.Minute)))
	assert.Equal(t, PhaseInTriage, l.ProjectionFor("P1").Phase)

	l.Append(ev("P1", KindRoomChange, "Bay 2", t0.Add(3*time.Minute)))
	assert.Equal(t, PhaseRoomed, l.ProjectionFor("P1").Phase, "earlier order does not skip Roomed")
}

func TestLog_LateEventRefoldsByTimestamp(t *testing.T) {
	l := NewLog()

	l.Append(ev("P1", KindOrderPlaced, "Troponin", t0.Add(20*time.Minute)))
	assert.Equal(t, PhaseWaiting, l.ProjectionFor("P1").Phase)

	// the room change was recorded earlier but arrives late
	l.Append(ev("P1", KindRoomChange, "Bay 7", t0.Add(10*time.Minute)))
	assert.Equal(t, Projection{Phase: PhaseDiagnostics, CurrentRoom: "Bay 7"}, l.ProjectionFor("P1"))
}

func TestLog_InformationalKindsDoNotAffectProjection(t *testing.T) {
	l := NewLog()

	for i, k := range []Kind{KindArrival, KindVitalsRecorded, KindEwsChange, KindMedicationAdministered,
		KindTaskRecorded, KindNote, KindCommunication, KindAlert} {
		l.Append(ev("P1", k, "x", t0.Add(time.Duration(i)*time.Second)))
	}

	assert.Equal(t, Projection{Phase: PhaseWaiting}, l.ProjectionFor("P1"))
	assert.Len(t, l.Events("P1"), 8)
}

func TestProject_DeterministicUnderPermutation(t *testing.T) {
	events := []Event{
		{ID: "a", PatientID: "P1", T: t0, Kind: KindTriage, Label: "ATS 2"},
		{ID: "b", PatientID: "P1", T: t0.Add(time.Minute), Kind: KindRoomChange, Label: "Bay 1"},
		{ID: "c", PatientID: "P1", T: t0.Add(time.Minute), Kind: KindRoomChange, Label: "Bay 3"},
		{ID: "d", PatientID: "P1", T: t0.Add(2 * time.Minute), Kind: KindOrderPlaced, Label: "Lactate"},
		{ID: "e", PatientID: "P1", T: t0.Add(2 * time.Minute), Kind: KindResultReceived, Label: "Lactate"},
		{ID: "f", PatientID: "P1", T: t0.Add(3 * time.Minute), Kind: KindNote, Label: "family present"},
	}
	want := Project(events)
	assert.Equal(t, Projection{Phase: PhaseReview, CurrentRoom: "Bay 3"}, want)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]Event(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		l := NewLog()
		for _, e := range shuffled {
			l.Append(e)
		}
		assert.Equal(t, want, l.ProjectionFor("P1"))
		assert.Equal(t, want, Project(shuffled))
	}
}

func TestLog_DuplicateSuppression(t *testing.T) {
	l := NewLog(sequentialIDs())

	first, stored := l.Append(ev("P1", KindRoomChange, "Bay 4", t0))
	require.True(t, stored)

	again, stored := l.Append(ev("P1", KindRoomChange, "Bay 4", t0.Add(40*time.Millisecond)))
	assert.False(t, stored)
	assert.Equal(t, first, again)
	assert.Len(t, l.Events("P1"), 1)

	_, stored = l.Append(ev("P1", KindRoomChange, "Bay 4", t0.Add(300*time.Millisecond)))
	assert.True(t, stored, "outside the window")

	_, stored = l.Append(ev("P1", KindRoomChange, "Bay 5", t0.Add(310*time.Millisecond)))
	assert.True(t, stored, "different label")

	_, stored = l.Append(ev("P2", KindRoomChange, "Bay 5", t0.Add(310*time.Millisecond)))
	assert.True(t, stored, "different patient")

	assert.Len(t, l.Events("P1"), 3)
}

func TestLog_DuplicateComparesOnlyPreviousEvent(t *testing.T) {
	l := NewLog()

	l.Append(ev("P1", KindNote, "called family", t0))
	l.Append(ev("P1", KindAlert, "sepsis screen", t0.Add(10*time.Millisecond)))
	_, stored := l.Append(ev("P1", KindNote, "called family", t0.Add(20*time.Millisecond)))

	assert.True(t, stored)
	assert.Len(t, l.Events("P1"), 3)
}

func TestLog_CustomDuplicateWindow(t *testing.T) {
	l := NewLog(WithDuplicateWindow(time.Second))

	l.Append(ev("P1", KindTriage, "ATS 2", t0))
	_, stored := l.Append(ev("P1", KindTriage, "ATS 2", t0.Add(900*time.Millisecond)))
	assert.False(t, stored)
}

func TestLog_AssignsIDsAndClockTime(t *testing.T) {
	l := NewLog(sequentialIDs(), WithClock(func() time.Time { return t0 }))

	e, _ := l.Append(Event{PatientID: "P1", Kind: KindArrival, Label: "ambulance"})
	assert.Equal(t, "evt-001", e.ID)
	assert.Equal(t, t0, e.T)

	kept, _ := l.Append(Event{ID: "bus-42", PatientID: "P1", Kind: KindNote, Label: "x", T: t0.Add(time.Hour)})
	assert.Equal(t, "bus-42", kept.ID)
}

func TestLog_SubscribersSkipDuplicates(t *testing.T) {
	l := NewLog()

	calls := 0
	unsubscribe := l.Subscribe(func() { calls++ })
	defer unsubscribe()

	l.Append(ev("P1", KindTriage, "ATS 1", t0))
	l.Append(ev("P1", KindTriage, "ATS 1", t0))
	l.Append(ev("P1", KindRoomChange, "Resus", t0.Add(time.Second)))

	assert.Equal(t, 2, calls)
}

func TestLog_ProjectionVisibleToSubscriber(t *testing.T) {
	l := NewLog()

	var seen []Projection
	l.Subscribe(func() { seen = append(seen, l.ProjectionFor("P1")) })

	l.Append(ev("P1", KindTriage, "ATS 2", t0))
	l.Append(ev("P1", KindRoomChange, "Bay 1", t0.Add(time.Minute)))

	assert.Equal(t, []Projection{
		{Phase: PhaseInTriage},
		{Phase: PhaseRoomed, CurrentRoom: "Bay 1"},
	}, seen)
}

func TestLog_EventsAreCopies(t *testing.T) {
	l := NewLog()

	e, err := NewEvent("P1", KindNote, "allergy", t0, "penicillin")
	require.NoError(t, err)
	l.Append(e.WithActor("u1", "Sam Lee", "nurse"))

	out := l.Events("P1")
	out[0].Actor.Name = "changed"
	out[0].Detail[1] = 'X'

	again := l.Events("P1")
	assert.Equal(t, "Sam Lee", again[0].Actor.Name)
	assert.JSONEq(t, `"penicillin"`, string(again[0].Detail))
}

func TestLog_ConcurrentAppendsAndReads(t *testing.T) {
	l := NewLog()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Append(ev("P1", KindNote, fmt.Sprintf("w%d-%d", w, i), t0.Add(time.Duration(i)*time.Second)))
				_ = l.ProjectionFor("P1")
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = l.Events("P1")
		}
	}()
	wg.Wait()

	assert.Len(t, l.Events("P1"), 200)
	l.Append(ev("P1", KindRoomChange, "Bay 9", t0.Add(time.Hour)))
	assert.Equal(t, "Bay 9", l.ProjectionFor("P1").CurrentRoom, "cached fold invalidated by append")
}

func TestLog_CacheRoundTrip(t *testing.T) {
	cache := snapshot.NewMemory()
	l := NewLog(WithCache(cache), WithDebounce(time.Hour))

	detailed, err := NewEvent("P1", KindMedicationAdministered, "ceftriaxone", t0.Add(time.Minute), map[string]string{"dose": "2g"})
	require.NoError(t, err)

	l.Append(ev("P1", KindTriage, "ATS 2", t0))
	l.Append(detailed.WithActor("u7", "Ari Q", "nurse"))
	l.Append(ev("P1", KindRoomChange, "Bay 3", t0.Add(30*time.Second)))
	l.Append(ev("P2", KindArrival, "walk-in", t0))
	require.NoError(t, l.Flush(context.Background()))

	restored := NewLog(WithCache(cache))
	require.NoError(t, restored.Load(context.Background()))

	for _, pid := range []string{"P1", "P2"} {
		assert.Equal(t, l.Events(pid), restored.Events(pid))
		assert.Equal(t, l.ProjectionFor(pid), restored.ProjectionFor(pid))
	}

	// duplicate detection resumes from the restored append order
	_, stored := restored.Append(ev("P1", KindRoomChange, "Bay 3", t0.Add(30*time.Second)))
	assert.False(t, stored)
}

func TestLog_FreeTextDetailKeepsCacheWritable(t *testing.T) {
	cache := snapshot.NewMemory()
	l := NewLog(WithCache(cache), WithDebounce(time.Hour))

	note := ev("P1", KindNote, "nursing", t0)
	note.Detail = json.RawMessage("pt anxious")
	stored, ok := l.Append(note)
	require.True(t, ok)
	assert.JSONEq(t, `"pt anxious"`, string(stored.Detail))

	l.Append(ev("P2", KindTriage, "ATS 3", t0))
	require.NoError(t, l.Flush(context.Background()))

	restored := NewLog(WithCache(cache))
	require.NoError(t, restored.Load(context.Background()))
	assert.Equal(t, l.Events("P1"), restored.Events("P1"))
	assert.Equal(t, PhaseInTriage, restored.ProjectionFor("P2").Phase)
}

func TestLog_LoadInvalidatesCachedFolds(t *testing.T) {
	cache := snapshot.NewMemory()
	src := NewLog(WithCache(cache))
	src.Append(ev("P1", KindRoomChange, "Bay 1", t0))
	require.NoError(t, src.Flush(context.Background()))

	l := NewLog(WithCache(cache))
	assert.Equal(t, PhaseWaiting, l.ProjectionFor("P1").Phase)

	require.NoError(t, l.Load(context.Background()))
	assert.Equal(t, PhaseRoomed, l.ProjectionFor("P1").Phase)
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"RoomChange": KindRoomChange, "room_change": KindRoomChange, "Room Change": KindRoomChange,
		"ews-change": KindEwsChange, "triage": KindTriage,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseKind("discharge")
	assert.Error(t, err)
}
