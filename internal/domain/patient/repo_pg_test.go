package patient

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/ehr/patients/internal/platform/db"
)

// -- Fake querier --

type fakeRow struct {
	data []byte
	err  error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = append([]byte(nil), r.data...)
	return nil
}

type fakeDB struct {
	mu        sync.Mutex
	rows      map[string][]byte
	created   bool
	execErr   error
	queries   []string
	commits   int
	rollbacks int
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string][]byte)}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}

	switch {
	case strings.Contains(sql, "CREATE TABLE"):
		f.created = true
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case strings.Contains(sql, "INSERT INTO"):
		name := args[0].(string)
		if _, ok := f.rows[name]; ok {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.rows[name] = []byte("{}")
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE"):
		name := args[0].(string)
		if _, ok := f.rows[name]; !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		f.rows[name] = append([]byte(nil), args[1].([]byte)...)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement: " + sql)
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	data, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{data: data}
}

func (f *fakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	return &fakeTx{db: f, staged: make(map[string][]byte)}, nil
}

// fakeTx buffers UPDATEs until Commit. Methods it does not override panic
// through the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	db     *fakeDB
	staged map[string][]byte
	done   bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if !strings.Contains(sql, "UPDATE") {
		return pgconn.CommandTag{}, errors.New("unexpected statement in tx: " + sql)
	}
	t.db.mu.Lock()
	_, ok := t.db.rows[args[0].(string)]
	t.db.mu.Unlock()
	if !ok {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	t.staged[args[0].(string)] = append([]byte(nil), args[1].([]byte)...)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for k, v := range t.staged {
		t.db.rows[k] = v
	}
	t.db.commits++
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.mu.Lock()
	t.db.rollbacks++
	t.db.mu.Unlock()
	return nil
}

func newFakePostgresStore(name string) (*PostgresStore, *fakeDB) {
	f := newFakeDB()
	return &PostgresStore{db: f, name: name}, f
}

func TestPostgresStore_InitSeedsEmptyCollection(t *testing.T) {
	s, f := newFakePostgresStore("default")
	ctx := context.Background()

	if err := s.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.created {
		t.Error("expected table to be created")
	}

	c, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c) != 0 {
		t.Errorf("expected empty collection, got %d", len(c))
	}
}

func TestPostgresStore_InitKeepsExistingData(t *testing.T) {
	s, _ := newFakePostgresStore("default")
	ctx := context.Background()
	s.Init(ctx)

	want := Collection{"p001": {Name: "Asha", City: "Pune", Age: 30, Gender: "female", Height: 1.6, Weight: 56}}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["p001"] != want["p001"] {
		t.Errorf("expected p001 to survive init, got %+v", got)
	}
}

func TestPostgresStore_LoadUninitialised(t *testing.T) {
	s, _ := newFakePostgresStore("default")

	_, err := s.Load(context.Background())
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StorageError, got %v", err)
	}
}

func TestPostgresStore_SaveUninitialised(t *testing.T) {
	s, _ := newFakePostgresStore("default")

	err := s.Save(context.Background(), Collection{})
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Op != "save" {
		t.Fatalf("expected save *StorageError, got %v", err)
	}
}

func TestPostgresStore_LoadMalformed(t *testing.T) {
	s, f := newFakePostgresStore("default")
	f.rows["default"] = []byte(`[1,2]`)

	_, err := s.Load(context.Background())
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StorageError, got %v", err)
	}
}

func TestPostgresStore_ExecFailure(t *testing.T) {
	s, f := newFakePostgresStore("default")
	f.execErr = errors.New("connection refused")

	err := s.Init(context.Background())
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Driver != "postgres" {
		t.Fatalf("expected postgres *StorageError, got %v", err)
	}
}

func TestPostgresStore_UpdateLocksAndCommits(t *testing.T) {
	s, f := newFakePostgresStore("default")
	ctx := context.Background()
	s.Init(ctx)

	err := s.Update(ctx, func(c Collection) error {
		c["p001"] = Record{Name: "Asha", City: "Pune", Age: 30, Gender: "female", Height: 1.6, Weight: 56}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.commits != 1 || f.rollbacks != 0 {
		t.Errorf("expected one commit and no rollback, got %d/%d", f.commits, f.rollbacks)
	}
	if len(f.queries) == 0 || !strings.Contains(f.queries[len(f.queries)-1], "FOR UPDATE") {
		t.Errorf("expected the row to be read FOR UPDATE, got %v", f.queries)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["p001"].Name != "Asha" {
		t.Errorf("expected committed record, got %+v", got)
	}
}

func TestPostgresStore_UpdateRollsBackOnRejection(t *testing.T) {
	s, f := newFakePostgresStore("default")
	ctx := context.Background()
	s.Init(ctx)

	err := s.Update(ctx, func(c Collection) error {
		c["p001"] = Record{Name: "Asha"}
		return ErrDuplicate
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if f.commits != 0 || f.rollbacks != 1 {
		t.Errorf("expected rollback only, got commits=%d rollbacks=%d", f.commits, f.rollbacks)
	}
	if got, _ := s.Load(ctx); len(got) != 0 {
		t.Errorf("rejected update must not be saved, got %+v", got)
	}
}

func TestPostgresStore_Integration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, url, 4, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	name := "test-" + strings.ReplaceAll(t.Name(), "/", "-")
	pool.Exec(ctx, `DELETE FROM patient_collections WHERE name = $1`, name)

	s := NewPostgresStore(pool, name)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer pool.Exec(ctx, `DELETE FROM patient_collections WHERE name = $1`, name)

	want := Collection{"p001": {Name: "Asha", City: "Pune", Age: 30, Gender: "female", Height: 1.6, Weight: 56}}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["p001"] != want["p001"] {
		t.Errorf("got %+v, want %+v", got["p001"], want["p001"])
	}
}

func TestPostgresStore_IntegrationCreatesAcrossProcesses(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	name := "test-" + strings.ReplaceAll(t.Name(), "/", "-")

	// Each service gets its own pool and mutex, as separate server processes would.
	const servers = 4
	services := make([]*Service, servers)
	for i := range services {
		pool, err := db.NewPool(ctx, url, 4, 1)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer pool.Close()
		if i == 0 {
			pool.Exec(ctx, `DELETE FROM patient_collections WHERE name = $1`, name)
			defer pool.Exec(ctx, `DELETE FROM patient_collections WHERE name = $1`, name)
		}
		s := NewPostgresStore(pool, name)
		if err := s.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		services[i] = NewService(s, nil, zerolog.Nop())
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for _, svc := range services {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			err := svc.Create(ctx, asha())
			if err != nil && !errors.Is(err, ErrDuplicate) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(svc)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one create to win, got %d", created)
	}
}
