package patient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/patients/internal/platform/metrics"
)

// Service implements create, list and get over a Store. Every operation
// loads the full collection; Create holds a mutex across the whole
// load-check-insert-save sequence so two creates for the same id cannot both
// observe it as absent. Across processes only the postgres store's Update
// provides that exclusion.
type Service struct {
	store   Store
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu sync.Mutex
}

// NewService wires a service. m may be nil, in which case no metrics are
// recorded.
func NewService(store Store, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{store: store, metrics: m, logger: logger}
}

// Store returns the backing store.
func (s *Service) Store() Store {
	return s.store
}

// -- Patient --

func (s *Service) Create(ctx context.Context, p *Patient) error {
	if p == nil || p.ID == "" {
		s.record(metrics.ResultInvalid)
		return &ValidationError{Fields: []FieldError{{Field: "id", Message: "field required"}}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.store.Update(ctx, func(data Collection) error {
		if _, exists := data[p.ID]; exists {
			return ErrDuplicate
		}
		data[p.ID] = p.Record
		count = len(data)
		return nil
	})
	switch {
	case errors.Is(err, ErrDuplicate):
		s.record(metrics.ResultDuplicate)
		return fmt.Errorf("create patient %q: %w", p.ID, err)
	case err != nil:
		s.record(metrics.ResultError)
		return fmt.Errorf("create patient %q: %w", p.ID, err)
	}

	s.record(metrics.ResultCreated)
	s.logger.Info().Str("patient_id", p.ID).Int("patients", count).Msg("patient created")
	return nil
}

// CreateFromInput validates in and creates the patient it describes.
func (s *Service) CreateFromInput(ctx context.Context, in PatientInput) (*Patient, error) {
	p, err := NewPatient(in)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.record(metrics.ResultInvalid)
		}
		return nil, err
	}
	if err := s.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns every patient with bmi and verdict derived.
func (s *Service) List(ctx context.Context) (map[string]View, error) {
	data, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	out := make(map[string]View, len(data))
	for id, r := range data {
		out[id] = r.View()
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	data, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("get patient %q: %w", id, err)
	}
	r, ok := data[id]
	if !ok {
		return nil, fmt.Errorf("get patient %q: %w", id, ErrNotFound)
	}
	v := r.View()
	return &v, nil
}

func (s *Service) record(result string) {
	if s.metrics != nil {
		s.metrics.RecordCreate(result)
	}
}
