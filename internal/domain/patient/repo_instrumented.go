package patient

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/patients/internal/platform/metrics"
)

type instrumentedStore struct {
	next    Store
	metrics *metrics.Metrics
}

// NewInstrumentedStore times every call on next into the store histograms.
func NewInstrumentedStore(next Store, m *metrics.Metrics) Store {
	return &instrumentedStore{next: next, metrics: m}
}

func (s *instrumentedStore) Driver() string { return s.next.Driver() }

func (s *instrumentedStore) Init(ctx context.Context) error {
	start := time.Now()
	err := s.next.Init(ctx)
	s.metrics.ObserveStore(s.Driver(), "init", time.Since(start), err)
	return err
}

func (s *instrumentedStore) Load(ctx context.Context) (Collection, error) {
	start := time.Now()
	c, err := s.next.Load(ctx)
	s.metrics.ObserveStore(s.Driver(), "load", time.Since(start), err)
	return c, err
}

func (s *instrumentedStore) Save(ctx context.Context, c Collection) error {
	start := time.Now()
	err := s.next.Save(ctx, c)
	s.metrics.ObserveStore(s.Driver(), "save", time.Since(start), err)
	return err
}

// Update counts only storage failures as errors; a rejection from fn is not a
// store fault.
func (s *instrumentedStore) Update(ctx context.Context, fn func(Collection) error) error {
	start := time.Now()
	err := s.next.Update(ctx, fn)

	var serr *StorageError
	observed := err
	if !errors.As(err, &serr) {
		observed = nil
	}
	s.metrics.ObserveStore(s.Driver(), "update", time.Since(start), observed)
	return err
}
