package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the board
const (
	// TopicVitals carries bedside monitor readings as flat JSON
	TopicVitals = "ed.vitals"
	// TopicFHIRObservations carries FHIR R5 vital-sign Observations
	TopicFHIRObservations = "ed.fhir.observations"
	// TopicClinicalEvents carries journey events from the EHR and staff
	TopicClinicalEvents = "ed.clinical-events"
	// TopicPatientState carries the board's derived patient state
	TopicPatientState = "ed.patient-state"
	// TopicDeadLetter holds ingest messages that could not be applied
	TopicDeadLetter = "ed.dead-letter"
)

// IngestTopics returns the topics the board consumes
func IngestTopics() []string {
	return []string{TopicVitals, TopicFHIRObservations, TopicClinicalEvents}
}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic layout for a single department
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }

	ingest := func(name string) TopicConfig {
		return TopicConfig{
			Name:              name,
			Partitions:        6,
			ReplicationFactor: 1, // 3 in production
			Configs: map[string]*string{
				"retention.ms":     ptr("259200000"), // 3 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		}
	}

	return []TopicConfig{
		ingest(TopicVitals),
		ingest(TopicFHIRObservations),
		ingest(TopicClinicalEvents),
		{
			Name:              TopicPatientState,
			Partitions:        6,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				// only the newest state per patient matters
				"cleanup.policy":   ptr("compact"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":     ptr("1209600000"), // 14 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
	}
}

// Admin manages the board's topics and reports consumer lag
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client for brokers
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// CreateTopics creates each topic that does not exist yet and returns the
// names it created.
func (a *Admin) CreateTopics(ctx context.Context, topics []TopicConfig) ([]string, error) {
	var created []string
	for _, tc := range topics {
		resp, err := a.client.CreateTopics(ctx, tc.Partitions, tc.ReplicationFactor, tc.Configs, tc.Name)
		if err != nil {
			return created, fmt.Errorf("create topic %s: %w", tc.Name, err)
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				return created, fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			default:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", tc.Partitions))
				created = append(created, r.Topic)
			}
		}
	}
	return created, nil
}

// EnsureTopics creates whichever board topics are missing
func (a *Admin) EnsureTopics(ctx context.Context) ([]string, error) {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ListTopics returns every topic name on the cluster, sorted
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	details, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := details.Names()
	sort.Strings(names)
	return names, nil
}

// TopicLag is a consumer group's lag summed over a topic's partitions
type TopicLag struct {
	Topic      string
	Partitions int
	Total      int64
}

// Lag reports group's lag for each of topics, in the order given. A topic
// the group has never committed on has zero partitions.
func (a *Admin) Lag(ctx context.Context, group string, topics []string) ([]TopicLag, error) {
	described, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("lag for %s: %w", group, err)
	}
	perPartition := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if perPartition[topic] == nil {
				perPartition[topic] = make(map[int32]int64)
			}
			for p, gl := range partitions {
				perPartition[topic][p] = gl.Lag
			}
		}
	})
	return sumLag(perPartition, topics), nil
}

func sumLag(perPartition map[string]map[int32]int64, topics []string) []TopicLag {
	out := make([]TopicLag, 0, len(topics))
	for _, topic := range topics {
		tl := TopicLag{Topic: topic, Partitions: len(perPartition[topic])}
		for _, lag := range perPartition[topic] {
			tl.Total += lag
		}
		out = append(out, tl)
	}
	return out
}

// Close releases the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings brokers within five seconds
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer cl.Close()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
