package profile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferama/profcache/pkg/backend"
	"github.com/ferama/profcache/pkg/cache"
	"github.com/ferama/profcache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeFetcher struct {
	calls atomic.Int32

	mu   sync.Mutex
	rows map[string]Profile
	err  error
	// if not nil fetches wait on it, after reading the row
	gate chan struct{}
	// if not nil it receives a value for every fetch started
	entered chan struct{}
}

func (f *fakeFetcher) setRow(id string, p Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id] = p
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) Fetch(ctx context.Context, table string, id string, out any) error {
	f.calls.Add(1)

	f.mu.Lock()
	row, ok := f.rows[id]
	err := f.err
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return err
	}
	if !ok {
		return backend.ErrNotFound
	}
	*(out.(*Profile)) = row
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(f *fakeFetcher) (*Service, *clock) {
	clk := &clock{t: time.Unix(0, 0)}
	c := cache.New[*Profile](5*time.Minute, cache.WithClock(clk.Now))
	return NewService(c, f, ""), clk
}

func newFetcher() *fakeFetcher {
	return &fakeFetcher{
		rows: map[string]Profile{
			"u1": {ID: "u1", FullName: "Alice", Role: RoleTeacher},
			"u2": {ID: "u2", FullName: "Bob", Role: RoleStudent},
		},
	}
}

func TestGetCachesProfile(t *testing.T) {
	f := newFetcher()
	s, _ := newTestService(f)

	for i := 0; i < 3; i++ {
		p, err := s.Get(context.Background(), "u1")
		if err != nil {
			t.Fatal(err)
		}
		if p.FullName != "Alice" {
			t.Fatalf("expected Alice, got %s", p.FullName)
		}
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected a single backend fetch, got %d", f.calls.Load())
	}
}

func TestGetAfterExpiry(t *testing.T) {
	f := newFetcher()
	s, clk := newTestService(f)

	s.Get(context.Background(), "u1")
	clk.Advance(5*time.Minute + time.Millisecond)
	s.Get(context.Background(), "u1")

	if f.calls.Load() != 2 {
		t.Fatalf("expected a refetch after ttl, got %d fetches", f.calls.Load())
	}
}

func TestInvalidate(t *testing.T) {
	f := newFetcher()
	s, _ := newTestService(f)

	s.Get(context.Background(), "u1")
	s.Get(context.Background(), "u2")
	s.Invalidate("u1")
	s.Get(context.Background(), "u1")
	s.Get(context.Background(), "u2")
	if f.calls.Load() != 3 {
		t.Fatalf("expected 3 fetches, got %d", f.calls.Load())
	}

	s.InvalidateAll()
	if st := s.Stats(); st.Entries != 0 {
		t.Fatalf("expected empty cache, got %d entries", st.Entries)
	}
	s.Get(context.Background(), "u1")
	s.Get(context.Background(), "u2")
	if f.calls.Load() != 5 {
		t.Fatalf("expected 5 fetches, got %d", f.calls.Load())
	}
}

func TestRefresh(t *testing.T) {
	f := newFetcher()
	s, _ := newTestService(f)

	s.Get(context.Background(), "u1")
	f.setRow("u1", Profile{ID: "u1", FullName: "Alice Smith", Role: RoleAdmin})

	p, err := s.Refresh(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.FullName != "Alice Smith" || p.Role != RoleAdmin {
		t.Fatalf("expected refreshed profile, got %+v", p)
	}
}

func TestNotFound(t *testing.T) {
	f := newFetcher()
	s, _ := newTestService(f)

	_, err := s.Get(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Stats().Entries != 0 {
		t.Fatal("expected failures not to be cached")
	}
}

func TestBackendError(t *testing.T) {
	f := newFetcher()
	f.setErr(&backend.HTTPError{StatusCode: 500})
	s, _ := newTestService(f)

	_, err := s.Get(context.Background(), "u1")
	var httpErr *backend.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected wrapped HTTPError, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("backend failures are not ErrNotFound")
	}

	f.setErr(nil)
	if _, err := s.Get(context.Background(), "u1"); err != nil {
		t.Fatalf("expected recovery once the backend is back, got %v", err)
	}
}

func TestConcurrentMissesShareFetch(t *testing.T) {
	f := newFetcher()
	f.gate = make(chan struct{})
	s, _ := newTestService(f)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Get(context.Background(), "u2")
			if err != nil || p.FullName != "Bob" {
				t.Errorf("unexpected result %v %v", p, err)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if f.calls.Load() != 1 {
		t.Fatalf("expected concurrent misses to share one fetch, got %d", f.calls.Load())
	}
}

func TestRole(t *testing.T) {
	tests := map[Role]string{
		RoleAdmin:   "/admin",
		RoleTeacher: "/teacher",
		RoleStudent: "/student",
		Role(""):    "/",
		Role("dba"): "/",
	}
	for role, path := range tests {
		if got := role.DashboardPath(); got != path {
			t.Errorf("%q: expected %s, got %s", role, path, got)
		}
	}
}

func gatedFetcher() *fakeFetcher {
	f := newFetcher()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 16)
	return f
}

func TestInvalidateDuringLoad(t *testing.T) {
	f := gatedFetcher()
	s, _ := newTestService(f)

	done := make(chan *Profile, 1)
	go func() {
		p, _ := s.Get(context.Background(), "u1")
		done <- p
	}()
	// the load has read the old row and is waiting
	<-f.entered

	f.setRow("u1", Profile{ID: "u1", FullName: "Alice Smith", Role: RoleStudent})
	s.Invalidate("u1")
	close(f.gate)

	if p := <-done; p.FullName != "Alice" {
		t.Fatalf("expected the in flight caller to get the old row, got %s", p.FullName)
	}

	p, err := s.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.FullName != "Alice Smith" || p.Role.DashboardPath() != "/student" {
		t.Fatalf("expected the updated profile, got %+v", p)
	}
	if f.calls.Load() != 2 {
		t.Fatalf("expected a new fetch after invalidation, got %d", f.calls.Load())
	}
}

func TestInvalidateAllDuringLoad(t *testing.T) {
	f := gatedFetcher()
	s, _ := newTestService(f)

	done := make(chan struct{})
	go func() {
		s.Get(context.Background(), "u2")
		close(done)
	}()
	<-f.entered

	f.setRow("u2", Profile{ID: "u2", FullName: "Bob", Role: RoleTeacher})
	s.InvalidateAll()
	close(f.gate)
	<-done

	if s.Stats().Entries != 0 {
		t.Fatal("expected the outdated load not to be cached")
	}
	p, _ := s.Get(context.Background(), "u2")
	if p.Role != RoleTeacher {
		t.Fatalf("expected the updated role, got %s", p.Role)
	}
}

func TestRefreshDuringLoad(t *testing.T) {
	f := gatedFetcher()
	s, _ := newTestService(f)

	oldDone := make(chan struct{})
	go func() {
		s.Get(context.Background(), "u1")
		close(oldDone)
	}()
	<-f.entered

	f.setRow("u1", Profile{ID: "u1", FullName: "Alice Smith", Role: RoleAdmin})
	refreshed := make(chan *Profile, 1)
	go func() {
		p, _ := s.Refresh(context.Background(), "u1")
		refreshed <- p
	}()
	// refresh started its own load instead of joining the old one
	<-f.entered
	close(f.gate)
	<-oldDone

	if p := <-refreshed; p.FullName != "Alice Smith" {
		t.Fatalf("expected refresh to return the new row, got %s", p.FullName)
	}
	p, _ := s.Get(context.Background(), "u1")
	if p.FullName != "Alice Smith" {
		t.Fatalf("expected the cache to hold the new row, got %s", p.FullName)
	}
	if f.calls.Load() != 2 {
		t.Fatalf("expected 2 fetches, got %d", f.calls.Load())
	}
}

func TestCanceledCallerDoesNotFailOthers(t *testing.T) {
	f := gatedFetcher()
	s, _ := newTestService(f)

	ctx1, cancel1 := context.WithCancel(context.Background())
	err1 := make(chan error, 1)
	go func() {
		_, err := s.Get(ctx1, "u2")
		err1 <- err
	}()
	<-f.entered

	type result struct {
		p   *Profile
		err error
	}
	res2 := make(chan result, 1)
	go func() {
		p, err := s.Get(context.Background(), "u2")
		res2 <- result{p, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel1()
	if err := <-err1; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the canceled caller to get context.Canceled, got %v", err)
	}
	close(f.gate)

	r := <-res2
	if r.err != nil {
		t.Fatalf("expected the other caller to succeed, got %v", r.err)
	}
	if r.p.FullName != "Bob" {
		t.Fatalf("expected Bob, got %s", r.p.FullName)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected a single shared fetch, got %d", f.calls.Load())
	}
	if s.Stats().Entries != 1 {
		t.Fatal("expected the shared load to be cached")
	}
}

func TestCanceledFetchIsNotABackendError(t *testing.T) {
	f := newFetcher()
	f.setErr(context.Canceled)
	s, _ := newTestService(f)

	before := testutil.ToFloat64(metrics.Instance().FetchErrors)
	_, err := s.Get(context.Background(), "u1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if after := testutil.ToFloat64(metrics.Instance().FetchErrors); after != before {
		t.Fatalf("expected fetch errors to stay at %f, got %f", before, after)
	}

	f.setErr(&backend.HTTPError{StatusCode: 503})
	s.Get(context.Background(), "u1")
	if after := testutil.ToFloat64(metrics.Instance().FetchErrors); after != before+1 {
		t.Fatalf("expected backend failures to be counted, got %f", after)
	}
}
