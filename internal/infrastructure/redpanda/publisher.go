package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/drfirst/go-edflow/internal/board"
)

var _ board.Publisher = (*StatePublisher)(nil)

// RecordProducer is the part of Producer the publishers need
type RecordProducer interface {
	ProduceRecord(ctx context.Context, rec Record) error
}

// StatePublisher writes patient state to TopicPatientState, keyed by
// patient id so a patient's states stay in order on one partition.
type StatePublisher struct {
	producer RecordProducer
}

// NewStatePublisher creates a publisher over producer
func NewStatePublisher(producer RecordProducer) *StatePublisher {
	return &StatePublisher{producer: producer}
}

// PublishState implements board.Publisher
func (p *StatePublisher) PublishState(ctx context.Context, state board.PatientState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode patient state: %w", err)
	}
	return p.producer.ProduceRecord(ctx, Record{
		Topic: TopicPatientState,
		Key:   state.PatientID,
		Value: value,
		Headers: map[string]string{
			"reason": string(state.Reason),
		},
	})
}

// Dead letter header names
const (
	HeaderSourceTopic     = "x-source-topic"
	HeaderSourcePartition = "x-source-partition"
	HeaderSourceOffset    = "x-source-offset"
	HeaderError           = "x-error"
	HeaderFailedAt        = "x-failed-at"
)

// DeadLetterWriter parks messages that could not be applied on
// TopicDeadLetter with the original payload and the failure in headers.
type DeadLetterWriter struct {
	producer RecordProducer
	clock    func() time.Time
}

// NewDeadLetterWriter creates a dead letter writer over producer
func NewDeadLetterWriter(producer RecordProducer) *DeadLetterWriter {
	return &DeadLetterWriter{producer: producer, clock: time.Now}
}

// DeadLetter produces msg unchanged to the dead letter topic
func (w *DeadLetterWriter) DeadLetter(ctx context.Context, msg *ConsumedMessage, cause error) error {
	headers := make(map[string]string, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderSourceTopic] = msg.Topic
	headers[HeaderSourcePartition] = strconv.FormatInt(int64(msg.Partition), 10)
	headers[HeaderSourceOffset] = strconv.FormatInt(msg.Offset, 10)
	headers[HeaderFailedAt] = w.clock().UTC().Format(time.RFC3339Nano)
	if cause != nil {
		headers[HeaderError] = cause.Error()
	}

	return w.producer.ProduceRecord(ctx, Record{
		Topic:   TopicDeadLetter,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	})
}
