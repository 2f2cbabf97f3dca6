package observation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/domain/ews"
	"github.com/drfirst/go-edflow/internal/observability/metrics"
	"github.com/drfirst/go-edflow/internal/snapshot"
	"github.com/drfirst/go-edflow/pkg/circuitbreaker"
	"github.com/drfirst/go-edflow/pkg/notify"
)

// CacheKey is the key the store's snapshot is cached under.
const CacheKey = "observations"

// Store holds each patient's readings in ascending TakenAt order. Stored
// readings are never modified; a correction is a new reading.
type Store struct {
	policy  ews.Policy
	cadence ews.Cadence
	clock   func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	// writeMu serialises Append so a mutation and its notification are never
	// interleaved with another Append.
	writeMu sync.Mutex

	mu        sync.RWMutex
	byPatient map[string][]Reading

	subs   *notify.Registry
	cache  snapshot.Cache
	writer *snapshot.Writer
}

type options struct {
	policy   ews.Policy
	cadence  ews.Cadence
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cache    snapshot.Cache
	breaker  *circuitbreaker.CircuitBreaker
	debounce time.Duration
}

// Option configures a Store
type Option func(*options)

func WithPolicy(p ews.Policy) Option {
	return func(o *options) { o.policy = p }
}

func WithCadence(c ews.Cadence) Option {
	return func(o *options) { o.cadence = c }
}

// WithClock sets the time used for readings submitted without TakenAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithCache(c snapshot.Cache) Option {
	return func(o *options) { o.cache = c }
}

func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// NewStore creates an empty store. Without WithCache nothing is persisted.
func NewStore(opts ...Option) *Store {
	o := options{
		policy:  ews.DefaultPolicy(),
		cadence: ews.DefaultCadence(),
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		policy:    o.policy,
		cadence:   o.cadence,
		clock:     o.clock,
		logger:    o.logger,
		metrics:   o.metrics,
		byPatient: make(map[string][]Reading),
		subs:      notify.NewRegistry(),
		cache:     o.cache,
	}
	s.writer = snapshot.NewWriter(snapshot.WriterConfig{
		Store:    CacheKey,
		Key:      CacheKey,
		Debounce: o.debounce,
		Cache:    o.cache,
		Breaker:  o.breaker,
		Metrics:  o.metrics,
		Logger:   o.logger,
	}, s.encode)
	return s
}

// Append scores r against the latest known value of every vital at or before
// r.TakenAt, stores it in timestamp order and notifies subscribers. The
// stored reading is returned.
func (s *Store) Append(patientID string, r Reading) Reading {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	r = r.clone().withoutNonFinite()
	r.PatientID = patientID
	if r.TakenAt.IsZero() {
		r.TakenAt = s.clock()
	}
	r.TakenAt = r.TakenAt.UTC()

	s.mu.RLock()
	current := s.byPatient[patientID]
	s.mu.RUnlock()

	// insert after any reading with the same timestamp
	idx := sort.Search(len(current), func(i int) bool {
		return current[i].TakenAt.After(r.TakenAt)
	})

	r.Score = s.policy.Score(merge(current[:idx], r))
	r.NextDue = s.cadence.NextDue(r.Score.Band, r.TakenAt)

	next := make([]Reading, 0, len(current)+1)
	next = append(next, current[:idx]...)
	next = append(next, r)
	next = append(next, current[idx:]...)

	s.mu.Lock()
	s.byPatient[patientID] = next
	s.mu.Unlock()

	s.metrics.ObserveReading(string(r.Score.Band))
	if idx < len(current) {
		s.logger.Debug("reading inserted out of order",
			zap.String("patient_id", patientID),
			zap.Time("taken_at", r.TakenAt),
			zap.Int("position", idx))
	}
	if r.Score.Escalate {
		s.logger.Info("single-parameter escalation",
			zap.String("patient_id", patientID),
			zap.Int("ews", r.Score.Total),
			zap.Any("parameters", r.Score.PerParameter))
	}

	s.writer.Schedule()
	s.subs.Notify()

	return r.clone()
}

// List returns a copy of the patient's readings in timestamp order. An
// unknown patient yields an empty slice.
func (s *Store) List(patientID string) []Reading {
	s.mu.RLock()
	current := s.byPatient[patientID]
	s.mu.RUnlock()

	out := make([]Reading, len(current))
	for i, r := range current {
		out[i] = r.clone()
	}
	return out
}

// Last returns the patient's most recent reading by TakenAt.
func (s *Store) Last(patientID string) (Reading, bool) {
	s.mu.RLock()
	current := s.byPatient[patientID]
	s.mu.RUnlock()

	if len(current) == 0 {
		return Reading{}, false
	}
	return current[len(current)-1].clone(), true
}

// Monitoring reports whether the patient's next observation is due or
// overdue at now.
func (s *Store) Monitoring(patientID string, now time.Time) ews.Monitor {
	last, ok := s.Last(patientID)
	return ews.Status(last.Score.Band, last.NextDue, ok, now)
}

// Patients returns the ids of every patient with at least one reading,
// sorted.
func (s *Store) Patients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byPatient))
	for id := range s.byPatient {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers fn to be called after every Append. Callbacks run on
// the appending goroutine and must not call Append themselves.
func (s *Store) Subscribe(fn func()) func() {
	return s.subs.Subscribe(fn)
}

// Load replaces the store's contents with the cached snapshot, if any.
func (s *Store) Load(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	blob, err := s.cache.Load(ctx, CacheKey)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}

	loaded, err := Decode(blob)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.byPatient = loaded
	s.mu.Unlock()

	s.logger.Info("observations rehydrated", zap.Int("patients", len(loaded)))
	s.subs.Notify()
	return nil
}

// Flush writes any pending snapshot now.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.Flush(ctx)
}

// Close flushes the pending snapshot and stops scheduling new ones.
func (s *Store) Close(ctx context.Context) error {
	return s.writer.Close(ctx)
}

// encode serialises the store as a JSON map of patient id to readings.
func (s *Store) encode() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.byPatient)
}

// Decode parses a snapshot written by the store, restoring timestamp order.
func Decode(blob []byte) (map[string][]Reading, error) {
	var loaded map[string][]Reading
	if err := json.Unmarshal(blob, &loaded); err != nil {
		return nil, fmt.Errorf("decode observations: %w", err)
	}
	if loaded == nil {
		loaded = make(map[string][]Reading)
	}
	for id, readings := range loaded {
		sort.SliceStable(readings, func(i, j int) bool {
			return readings[i].TakenAt.Before(readings[j].TakenAt)
		})
		loaded[id] = readings
	}
	return loaded, nil
}
