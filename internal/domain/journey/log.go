package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/observability/metrics"
	"github.com/drfirst/go-edflow/internal/snapshot"
	"github.com/drfirst/go-edflow/pkg/circuitbreaker"
	"github.com/drfirst/go-edflow/pkg/idempotency"
	"github.com/drfirst/go-edflow/pkg/notify"
)

// CacheKey is the key the log's snapshot is cached under.
const CacheKey = "events"

// Log holds each patient's events in the order they were appended. Events
// are never modified or removed.
type Log struct {
	window  idempotency.Window
	clock   func() time.Time
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu        sync.RWMutex
	byPatient map[string][]Event
	versions  map[string]uint64

	foldMu sync.Mutex
	folds  map[string]fold

	subs   *notify.Registry
	cache  snapshot.Cache
	writer *snapshot.Writer
}

// fold is a cached projection and the event list version it was built from
type fold struct {
	version    uint64
	projection Projection
}

type options struct {
	window   time.Duration
	clock    func() time.Time
	newID    func() string
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cache    snapshot.Cache
	breaker  *circuitbreaker.CircuitBreaker
	debounce time.Duration
}

// Option configures a Log
type Option func(*options)

// WithDuplicateWindow sets how close in time a repeated kind and label must
// be to the previous event to be discarded.
func WithDuplicateWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithIDs replaces uuid generation, for tests.
func WithIDs(next func() string) Option {
	return func(o *options) { o.newID = next }
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

// NewLog creates an empty log
func NewLog(opts ...Option) *Log {
	o := options{
		clock:  time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Log{
		window:    idempotency.NewWindow(o.window),
		clock:     o.clock,
		newID:     o.newID,
		logger:    o.logger,
		metrics:   o.metrics,
		byPatient: make(map[string][]Event),
		versions:  make(map[string]uint64),
		folds:     make(map[string]fold),
		subs:      notify.NewRegistry(),
		cache:     o.cache,
	}
	l.writer = snapshot.NewWriter(snapshot.WriterConfig{
		Store:    CacheKey,
		Key:      CacheKey,
		Debounce: o.debounce,
		Cache:    o.cache,
		Breaker:  o.breaker,
		Metrics:  o.metrics,
		Logger:   o.logger,
	}, l.encode)
	return l
}

// Append stores e and notifies subscribers. When e repeats the kind and label
// of the patient's previous event within the duplicate window, nothing is
// stored and the previous event is returned with stored=false.
func (l *Log) Append(e Event) (out Event, stored bool) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	e = e.clone()
	if e.T.IsZero() {
		e.T = l.clock()
	}
	e.T = e.T.UTC()
	if len(e.Detail) > 0 && !json.Valid(e.Detail) {
		// free-text detail is kept as a JSON string
		e.Detail, _ = json.Marshal(string(e.Detail))
		l.logger.Debug("event detail stored as text",
			zap.String("patient_id", e.PatientID),
			zap.String("kind", string(e.Kind)))
	}

	l.mu.RLock()
	current := l.byPatient[e.PatientID]
	l.mu.RUnlock()

	if n := len(current); n > 0 && l.window.Repeats(submission(current[n-1]), submission(e)) {
		prev := current[n-1]
		l.metrics.ObserveDuplicate()
		l.logger.Debug("duplicate event discarded",
			zap.String("patient_id", e.PatientID),
			zap.String("kind", string(e.Kind)),
			zap.String("existing_id", prev.ID))
		return prev.clone(), false
	}

	if e.ID == "" {
		e.ID = l.newID()
	}

	next := make([]Event, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, e)

	l.mu.Lock()
	l.byPatient[e.PatientID] = next
	l.versions[e.PatientID]++
	l.mu.Unlock()

	l.metrics.ObserveEvent(string(e.Kind))
	if !e.Kind.Valid() {
		l.logger.Warn("event of unknown kind stored without effect on phase",
			zap.String("patient_id", e.PatientID),
			zap.String("kind", string(e.Kind)))
	}

	l.writer.Schedule()
	l.subs.Notify()

	return e.clone(), true
}

// ProjectionFor replays the patient's events. The fold is cached until the
// patient's event list changes. An unknown patient is Waiting with no room.
func (l *Log) ProjectionFor(patientID string) Projection {
	l.mu.RLock()
	events := l.byPatient[patientID]
	version := l.versions[patientID]
	l.mu.RUnlock()

	l.foldMu.Lock()
	cached, ok := l.folds[patientID]
	l.foldMu.Unlock()
	if ok && cached.version == version {
		return cached.projection
	}

	p := Project(events)

	l.foldMu.Lock()
	// a slower reader must not replace a newer fold
	if cur, ok := l.folds[patientID]; !ok || cur.version < version {
		l.folds[patientID] = fold{version: version, projection: p}
	}
	l.foldMu.Unlock()

	return p
}

// Events returns the patient's timeline in chronological order.
func (l *Log) Events(patientID string) []Event {
	l.mu.RLock()
	current := l.byPatient[patientID]
	l.mu.RUnlock()

	out := make([]Event, len(current))
	for i, e := range current {
		out[i] = e.clone()
	}
	sortChronological(out)
	return out
}

// Patients returns the ids of every patient with at least one event, sorted.
func (l *Log) Patients() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.byPatient))
	for id := range l.byPatient {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers fn to be called after every stored event. Discarded
// duplicates do not notify.
func (l *Log) Subscribe(fn func()) func() {
	return l.subs.Subscribe(fn)
}

// Load replaces the log's contents with the cached snapshot, if any.
func (l *Log) Load(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}

	blob, err := l.cache.Load(ctx, CacheKey)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	loaded, err := Decode(blob)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	for id := range l.byPatient {
		l.versions[id]++
	}
	for id := range loaded {
		l.versions[id]++
	}
	l.byPatient = loaded
	l.mu.Unlock()

	l.logger.Info("events rehydrated", zap.Int("patients", len(loaded)))
	l.subs.Notify()
	return nil
}

// Flush writes any pending snapshot now.
func (l *Log) Flush(ctx context.Context) error {
	return l.writer.Flush(ctx)
}

// Close flushes the pending snapshot and stops scheduling new ones.
func (l *Log) Close(ctx context.Context) error {
	return l.writer.Close(ctx)
}

func (l *Log) encode() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.byPatient)
}

// Decode parses a snapshot written by the log. Append order is preserved.
func Decode(blob []byte) (map[string][]Event, error) {
	var loaded map[string][]Event
	if err := json.Unmarshal(blob, &loaded); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if loaded == nil {
		loaded = make(map[string][]Event)
	}
	return loaded, nil
}

func submission(e Event) idempotency.Submission {
	return idempotency.Submission{
		Key: idempotency.GenerateKey(e.PatientID, string(e.Kind), e.Label),
		At:  e.T,
	}
}
