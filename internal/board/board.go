// Package board binds the observation store and the event log into the
// single view of each patient that the department dashboard renders.
package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/domain/ews"
	"github.com/drfirst/go-edflow/internal/domain/journey"
	"github.com/drfirst/go-edflow/internal/domain/observation"
	"github.com/drfirst/go-edflow/internal/observability/metrics"
)

// Reason says what caused a PatientState to be published
type Reason string

const (
	ReasonReading Reason = "reading"
	ReasonEvent   Reason = "event"
)

// PatientState is published whenever a patient's derived state may have
// changed.
type PatientState struct {
	PatientID  string             `json:"patient_id"`
	Reason     Reason             `json:"reason"`
	Projection journey.Projection `json:"projection"`
	EWS        *ews.Result        `json:"ews,omitempty"`
	Monitor    ews.Monitor        `json:"monitor"`
	At         time.Time          `json:"at"`
}

// Publisher sends patient state downstream
type Publisher interface {
	PublishState(ctx context.Context, state PatientState) error
}

// Summary is a patient's current derived state
type Summary struct {
	PatientID  string               `json:"patient_id"`
	Projection journey.Projection   `json:"projection"`
	Last       *observation.Reading `json:"last_reading,omitempty"`
	Monitor    ews.Monitor          `json:"monitor"`
	Events     int                  `json:"events"`
}

// Board records readings and events for every patient in the department.
// Callers must not record for the same patient from two goroutines at once;
// the ingest path guarantees this by routing on patient id.
type Board struct {
	obs     *observation.Store
	log     *journey.Log
	pub     Publisher
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
}

// Config wires a Board
type Config struct {
	Observations *observation.Store
	Events       *journey.Log
	// Publisher may be nil
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// New creates a board over the given stores
func New(cfg Config) (*Board, error) {
	if cfg.Observations == nil || cfg.Events == nil {
		return nil, fmt.Errorf("board requires an observation store and an event log")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Board{
		obs:     cfg.Observations,
		log:     cfg.Events,
		pub:     cfg.Publisher,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}, nil
}

// RecordReading stores r, adds it to the patient's timeline and publishes the
// new state. A band change against the previous latest reading is recorded as
// an EwsChange event; a new single-parameter escalation as an Alert.
func (b *Board) RecordReading(ctx context.Context, patientID string, r observation.Reading) observation.Reading {
	prev, hadPrev := b.obs.Last(patientID)
	stored := b.obs.Append(patientID, r)

	// a backfilled reading does not describe the patient's current state
	latest := !hadPrev || !stored.TakenAt.Before(prev.TakenAt)

	// the label carries the reading time so close readings with equal totals
	// are not taken for a repeated event
	b.appendTimeline(patientID, journey.KindVitalsRecorded,
		fmt.Sprintf("EWS %d at %s", stored.Score.Total, stored.TakenAt.Format("15:04:05.000")),
		stored.TakenAt, stored.Score)

	if latest && hadPrev && prev.Score.Band != stored.Score.Band {
		b.appendTimeline(patientID, journey.KindEwsChange, string(stored.Score.Band), stored.TakenAt,
			map[string]interface{}{"from": prev.Score.Band, "to": stored.Score.Band, "total": stored.Score.Total})
	}
	if latest && stored.Score.Escalate && (!hadPrev || !prev.Score.Escalate) {
		b.appendTimeline(patientID, journey.KindAlert, "EWS escalation", stored.TakenAt, stored.Score.PerParameter)
	}

	score := stored.Score
	b.publish(ctx, PatientState{
		PatientID:  patientID,
		Reason:     ReasonReading,
		Projection: b.log.ProjectionFor(patientID),
		EWS:        &score,
		Monitor:    b.obs.Monitoring(patientID, b.clock()),
		At:         stored.TakenAt,
	})
	return stored
}

// RecordEvent appends e and publishes the patient's state when the projected
// phase or room changed. Duplicates are returned with stored=false.
func (b *Board) RecordEvent(ctx context.Context, e journey.Event) (journey.Event, bool) {
	before := b.log.ProjectionFor(e.PatientID)

	out, stored := b.log.Append(e)
	if !stored {
		return out, false
	}

	after := b.log.ProjectionFor(e.PatientID)
	if after == before {
		return out, true
	}
	if after.Phase != before.Phase {
		b.metrics.ObservePhase(string(after.Phase))
		b.logger.Info("patient phase changed",
			zap.String("patient_id", e.PatientID),
			zap.String("from", string(before.Phase)),
			zap.String("to", string(after.Phase)),
			zap.String("room", after.CurrentRoom))
	}

	state := PatientState{
		PatientID:  e.PatientID,
		Reason:     ReasonEvent,
		Projection: after,
		Monitor:    b.obs.Monitoring(e.PatientID, b.clock()),
		At:         out.T,
	}
	if last, ok := b.obs.Last(e.PatientID); ok {
		state.EWS = &last.Score
	}
	b.publish(ctx, state)
	return out, true
}

// Summary returns the patient's derived state at now. An unknown patient is
// Waiting with no readings.
func (b *Board) Summary(patientID string, now time.Time) Summary {
	s := Summary{
		PatientID:  patientID,
		Projection: b.log.ProjectionFor(patientID),
		Monitor:    b.obs.Monitoring(patientID, now),
		Events:     len(b.log.Events(patientID)),
	}
	if last, ok := b.obs.Last(patientID); ok {
		s.Last = &last
	}
	return s
}

// Overview summarises every known patient, sorted by id.
func (b *Board) Overview(now time.Time) []Summary {
	seen := make(map[string]struct{})
	for _, id := range b.obs.Patients() {
		seen[id] = struct{}{}
	}
	for _, id := range b.log.Patients() {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.Summary(id, now))
	}
	return out
}

// Timeline returns the patient's events in chronological order
func (b *Board) Timeline(patientID string) []journey.Event {
	return b.log.Events(patientID)
}

// Readings returns the patient's readings in chronological order
func (b *Board) Readings(patientID string) []observation.Reading {
	return b.obs.List(patientID)
}

// Subscribe registers fn with both stores.
func (b *Board) Subscribe(fn func()) func() {
	unObs := b.obs.Subscribe(fn)
	unLog := b.log.Subscribe(fn)
	return func() {
		unObs()
		unLog()
	}
}

// Load rehydrates both stores from their caches.
func (b *Board) Load(ctx context.Context) error {
	if err := b.obs.Load(ctx); err != nil {
		return err
	}
	return b.log.Load(ctx)
}

// Close flushes both stores. Both are attempted even if the first fails.
func (b *Board) Close(ctx context.Context) error {
	var errs []error
	if err := b.obs.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close observations: %w", err))
	}
	if err := b.log.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close events: %w", err))
	}
	return errors.Join(errs...)
}

func (b *Board) appendTimeline(patientID string, kind journey.Kind, label string, at time.Time, detail interface{}) {
	e, err := journey.NewEvent(patientID, kind, label, at, detail)
	if err != nil {
		b.logger.Warn("timeline detail dropped", zap.String("patient_id", patientID), zap.Error(err))
		e = journey.Event{PatientID: patientID, Kind: kind, Label: label, T: at}
	}
	b.log.Append(e.WithActor("edflow", "Early warning score", "system"))
}

// publish logs failures rather than returning them; the stores are already
// updated.
func (b *Board) publish(ctx context.Context, state PatientState) {
	if b.pub == nil {
		return
	}
	if err := b.pub.PublishState(ctx, state); err != nil {
		b.logger.Warn("patient state publish failed",
			zap.String("patient_id", state.PatientID),
			zap.String("reason", string(state.Reason)),
			zap.Error(err))
	}
}
