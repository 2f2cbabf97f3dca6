// Package ingest applies bus messages to the board. Messages for one
// patient are applied in order; messages that cannot be applied are parked
// on the dead letter topic so the partition keeps moving.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/board"
	"github.com/drfirst/go-edflow/internal/domain/journey"
	"github.com/drfirst/go-edflow/internal/domain/observation"
	fhir "github.com/drfirst/go-edflow/internal/fhir/r5"
	"github.com/drfirst/go-edflow/internal/fhir/mapper"
	"github.com/drfirst/go-edflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-edflow/internal/observability/metrics"
)

var (
	// ErrUnknownTopic marks a message from a topic the board does not read
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrMalformed marks a message that could not be decoded
	ErrMalformed = errors.New("malformed message")
)

// DeadLetter parks a message that could not be applied
type DeadLetter interface {
	DeadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error
}

// EventInput is a clinical event as published on TopicClinicalEvents
type EventInput struct {
	ID        string          `json:"id,omitempty"`
	PatientID string          `json:"patient_id"`
	T         time.Time       `json:"t"`
	Kind      string          `json:"kind"`
	Label     string          `json:"label"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Actor     *journey.Actor  `json:"actor,omitempty"`
}

// Event validates the input and converts it. A zero T is left for the log
// to stamp.
func (in EventInput) Event() (journey.Event, error) {
	if in.PatientID == "" {
		return journey.Event{}, fmt.Errorf("patient_id is required")
	}
	kind, err := journey.ParseKind(in.Kind)
	if err != nil {
		return journey.Event{}, err
	}
	if len(in.Detail) > 0 && !json.Valid(in.Detail) {
		return journey.Event{}, fmt.Errorf("detail is not valid JSON")
	}
	return journey.Event{
		ID:        in.ID,
		PatientID: in.PatientID,
		T:         in.T,
		Kind:      kind,
		Label:     in.Label,
		Detail:    in.Detail,
		Actor:     in.Actor,
	}, nil
}

// Handler decodes one message and records it on the board
type Handler struct {
	board      *board.Board
	deadLetter DeadLetter
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// NewHandler creates a handler. deadLetter may be nil, in which case
// rejected messages are only logged.
func NewHandler(b *board.Board, deadLetter DeadLetter, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		board:      b,
		deadLetter: deadLetter,
		logger:     logger,
		metrics:    m,
		tracer:     otel.Tracer("ingest"),
	}
}

// Handle applies msg. It returns an error only when the message was neither
// applied nor parked, so the caller must not commit past it.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := h.tracer.Start(msg.Context(ctx), "ingest.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", msg.Topic),
			attribute.Int64("offset", msg.Offset),
			attribute.String("key", string(msg.Key)),
		))
	defer span.End()

	err := h.apply(ctx, msg)
	h.metrics.ObserveIngest(msg.Topic, err)
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	h.logger.Warn("message rejected",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err))

	if h.deadLetter == nil {
		return nil
	}
	if dlqErr := h.deadLetter.DeadLetter(ctx, msg, err); dlqErr != nil {
		return fmt.Errorf("dead letter %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, dlqErr)
	}
	return nil
}

func (h *Handler) apply(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	switch msg.Topic {
	case redpanda.TopicVitals:
		var in observation.Input
		if err := json.Unmarshal(msg.Value, &in); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		r, err := in.Reading()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		h.board.RecordReading(ctx, r.PatientID, r)
		return nil

	case redpanda.TopicFHIRObservations:
		var obs fhir.Observation
		if err := obs.FromJSON(msg.Value); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		r, err := mapper.MapObservation(&obs)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		h.board.RecordReading(ctx, r.PatientID, r)
		return nil

	case redpanda.TopicClinicalEvents:
		var in EventInput
		if err := json.Unmarshal(msg.Value, &in); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		e, err := in.Event()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if _, stored := h.board.RecordEvent(ctx, e); !stored {
			h.logger.Debug("duplicate event dropped",
				zap.String("patient_id", e.PatientID),
				zap.String("kind", string(e.Kind)),
				zap.String("label", e.Label))
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownTopic, msg.Topic)
}
