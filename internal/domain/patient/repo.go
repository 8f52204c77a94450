package patient

import (
	"context"
)

// Collection is the whole persisted state: id -> record.
type Collection map[string]Record

// Store persists a Collection as a single unit. Save replaces the stored
// collection atomically: a concurrent Load sees either the previous or the
// new collection, never a mix.
type Store interface {
	// Init creates an empty collection if none exists. It never alters an
	// existing one, so it is safe to call on every start.
	Init(ctx context.Context) error
	Load(ctx context.Context) (Collection, error)
	Save(ctx context.Context, c Collection) error
	// Update loads the collection, applies fn and saves the result. Nothing
	// is saved when fn returns an error, which is returned as is.
	Update(ctx context.Context, fn func(Collection) error) error
	Driver() string
}

type loadSaver interface {
	Load(ctx context.Context) (Collection, error)
	Save(ctx context.Context, c Collection) error
}

// loadModifySave is Update for stores without transactions. It gives no
// exclusion on its own; callers in one process serialise through Service.
func loadModifySave(ctx context.Context, s loadSaver, fn func(Collection) error) error {
	c, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return s.Save(ctx, c)
}

func (c Collection) clone() Collection {
	out := make(Collection, len(c))
	for id, r := range c {
		out[id] = r
	}
	return out
}
