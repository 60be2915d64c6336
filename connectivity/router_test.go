package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// setupTestDB opens an in-memory routes database. MaxOpenConns=1 keeps
// every statement on the same connection; each ":memory:" connection
// is otherwise its own database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("New returned nil")
	}
	if r.localHandlers == nil || r.remoteEntries == nil || r.factories == nil {
		t.Fatal("maps not initialized")
	}
}

// WHAT: a locally registered handler is reachable through Call even
// with no routes table loaded at all.
func TestRegisterLocalAndCall(t *testing.T) {
	r := New()
	called := false
	r.RegisterLocal("classify_text", func(ctx context.Context, payload []byte) ([]byte, error) {
		called = true
		return payload, nil
	})

	resp, err := r.Call(context.Background(), "classify_text", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("local handler not called")
	}
	if string(resp) != "hello" {
		t.Fatalf("got %q, want %q", resp, "hello")
	}
}

// WHAT: calling an unknown service yields ErrServiceNotFound carrying
// the requested name.
func TestCallServiceNotFound(t *testing.T) {
	r := New()
	_, err := r.Call(context.Background(), "nonexistent", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var snf *ErrServiceNotFound
	if !errors.As(err, &snf) {
		t.Fatalf("expected ErrServiceNotFound, got %T: %v", err, err)
	}
	if snf.Service != "nonexistent" {
		t.Fatalf("got service %q, want %q", snf.Service, "nonexistent")
	}
}

// WHAT: a "local" route dispatches to the in-process handler.
func TestReloadLocalStrategy(t *testing.T) {
	db := setupTestDB(t)
	r := New()

	localCalled := false
	r.RegisterLocal("histmine_run", func(ctx context.Context, payload []byte) ([]byte, error) {
		localCalled = true
		return []byte("ok"), nil
	})

	_, err := db.Exec(`INSERT INTO routes (service_name, strategy) VALUES ('histmine_run', 'local')`)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatalf("reload: %v", err)
	}

	resp, err := r.Call(context.Background(), "histmine_run", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !localCalled {
		t.Fatal("local handler not called for local strategy")
	}
	if string(resp) != "ok" {
		t.Fatalf("got %q", resp)
	}
}

// WHAT: a "noop" route succeeds without touching the local handler.
// WHY: this is the switch for disabling a pipeline stage in production
// without removing its code path.
func TestReloadNoopStrategy(t *testing.T) {
	db := setupTestDB(t)
	r := New()

	r.RegisterLocal("embed_text", func(ctx context.Context, payload []byte) ([]byte, error) {
		t.Fatal("local handler should not be called for noop")
		return nil, nil
	})

	_, err := db.Exec(`INSERT INTO routes (service_name, strategy) VALUES ('embed_text', 'noop')`)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "embed_text", []byte("data"))
	if err != nil {
		t.Fatalf("noop should succeed, got: %v", err)
	}
	if resp != nil {
		t.Fatalf("noop should return nil, got %q", resp)
	}
}

// WHAT: an "http" route builds a handler through the registered
// factory and Call dispatches to it.
func TestReloadRemoteStrategy(t *testing.T) {
	db := setupTestDB(t)
	r := New()

	remoteCalled := false
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		h := func(ctx context.Context, payload []byte) ([]byte, error) {
			remoteCalled = true
			return []byte("remote:" + endpoint), nil
		}
		return h, nil, nil
	})

	_, err := db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('classify_text', 'http', 'http://10.0.0.1:8080')`)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "classify_text", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !remoteCalled {
		t.Fatal("remote handler not called")
	}
	if string(resp) != "remote:http://10.0.0.1:8080" {
		t.Fatalf("got %q", resp)
	}
}

// WHAT: when a service has both a local handler and a remote route,
// the route wins.
// WHY: the routes table is the operator's word; the local handler is
// only the default.
func TestReloadRemoteOverridesLocal(t *testing.T) {
	db := setupTestDB(t)
	r := New()

	r.RegisterLocal("histmine_run", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("local"), nil
	})

	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		h := func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("remote"), nil
		}
		return h, nil, nil
	})

	_, err := db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('histmine_run', 'http', 'http://10.0.0.1:8080')`)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "histmine_run", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "remote" {
		t.Fatalf("expected remote to override local, got %q", resp)
	}
}

// WHAT: reloading with an unchanged route keeps the existing handler
// instead of rebuilding it.
// WHY: rebuilding would drop the QUIC connection a live route holds.
func TestReloadUnchangedRoutePreservesHandler(t *testing.T) {
	db := setupTestDB(t)
	r := New()

	var buildCount int32
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		atomic.AddInt32(&buildCount, 1)
		h := func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("ok"), nil
		}
		return h, nil, nil
	})

	_, err := db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('extract_url', 'http', 'http://10.0.0.1')`)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	if c := atomic.LoadInt32(&buildCount); c != 1 {
		t.Fatalf("expected 1 build, got %d", c)
	}

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	if c := atomic.LoadInt32(&buildCount); c != 1 {
		t.Fatalf("expected still 1 build after unchanged reload, got %d", c)
	}
}

// WHAT: changing a route's endpoint rebuilds the handler, closes the
// old one, and subsequent calls hit the new endpoint.
func TestReloadChangedRouteRebuildsHandler(t *testing.T) {
	db := setupTestDB(t)
	r := New()

	var buildCount int32
	closeCalled := false
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		atomic.AddInt32(&buildCount, 1)
		h := func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(endpoint), nil
		}
		cl := func() { closeCalled = true }
		return h, cl, nil
	})

	_, err := db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('extract_url', 'http', 'http://old')`)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	_, err = db.Exec(`UPDATE routes SET endpoint='http://new' WHERE service_name='extract_url'`)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	if c := atomic.LoadInt32(&buildCount); c != 2 {
		t.Fatalf("expected 2 builds after endpoint change, got %d", c)
	}
	if !closeCalled {
		t.Fatal("old handler close function not called")
	}

	resp, err := r.Call(context.Background(), "extract_url", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "http://new" {
		t.Fatalf("expected new endpoint, got %q", resp)
	}
}

// WHAT: deleting a route closes its handler on the next reload.
func TestReloadRemovedRouteClosesHandler(t *testing.T) {
	db := setupTestDB(t)
	r := New()

	closeCalled := false
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		h := func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, nil
		}
		return h, func() { closeCalled = true }, nil
	})

	_, err := db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('extract_url', 'http', 'http://x')`)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	_, err = db.Exec(`DELETE FROM routes WHERE service_name='extract_url'`)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	if !closeCalled {
		t.Fatal("close not called for removed route")
	}
}

// WHAT: a route whose strategy has no registered factory is skipped
// with a warning; Reload itself does not fail and the service is
// simply not routable.
func TestReloadNoFactoryWarns(t *testing.T) {
	db := setupTestDB(t)
	r := New()

	// Valid strategy per the schema, but no factory registered for it.
	_, err := db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('classify_text', 'mcp', 'quic://x')`)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	_, err = r.Call(context.Background(), "classify_text", nil)
	if err == nil {
		t.Fatal("expected error for service with no factory")
	}
}

func TestClose(t *testing.T) {
	r := New()

	closeCalled := false
	r.remoteEntries["classify_text"] = remoteEntry{
		handler: func(ctx context.Context, payload []byte) ([]byte, error) { return nil, nil },
		close:   func() { closeCalled = true },
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !closeCalled {
		t.Fatal("close not called")
	}
	if len(r.remoteEntries) != 0 {
		t.Fatal("entries not cleared")
	}
}

// WHAT: the breaker opens after the failure threshold, rejects calls
// while open, probes after the reset timeout, and closes on success.
func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker(
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(100*time.Millisecond),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(clock),
	)

	if cb.State() != BreakerClosed {
		t.Fatal("expected closed")
	}

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatal("expected open after 3 failures")
	}

	if cb.Allow() {
		t.Fatal("should not allow when open")
	}

	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open after reset timeout")
	}
	if !cb.Allow() {
		t.Fatal("should allow in half-open")
	}

	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after success in half-open")
	}
}

// WHAT: failing the half-open probe reopens the breaker immediately.
func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(50*time.Millisecond),
		WithBreakerClock(clock),
	)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	now = now.Add(100 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open")
	}

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected re-open after failure in half-open")
	}
}

// WHAT: once the middleware trips the breaker, the next call returns
// ErrCircuitOpen without reaching the handler.
func TestWithCircuitBreakerMiddleware(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))

	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("fail")
	}

	wrapped := WithCircuitBreaker(cb, "extract_url")(base)

	_, err := wrapped(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}

	_, err = wrapped(context.Background(), nil)
	var eco *ErrCircuitOpen
	if !errors.As(err, &eco) {
		t.Fatalf("expected ErrCircuitOpen, got %T: %v", err, err)
	}
}

// WHAT: transient failures are retried until an attempt succeeds.
func TestWithRetry(t *testing.T) {
	attempts := 0
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}

	wrapped := WithRetry(3, 1*time.Millisecond, nil)(base)
	resp, err := wrapped(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if string(resp) != "ok" {
		t.Fatalf("got %q", resp)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

// WHAT: a cancelled context stops the retry loop after the attempt
// that observed the cancellation.
func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		attempts++
		cancel()
		return nil, errors.New("fail")
	}

	wrapped := WithRetry(5, 1*time.Millisecond, nil)(base)
	_, err := wrapped(ctx, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt (context cancelled), got %d", attempts)
	}
}

// WHAT: when the remote fails, the call is retried on the local
// handler and its answer wins.
func TestWithFallback(t *testing.T) {
	local := func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("local"), nil
	}

	remote := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("remote down")
	}

	wrapped := WithFallback(local, "classify_text", slog.Default())(remote)
	resp, err := wrapped(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "local" {
		t.Fatalf("expected fallback to local, got %q", resp)
	}
}

// WHAT: a call that failed because its context was cancelled is not
// retried locally.
func TestWithFallbackNoFallbackOnContextCancel(t *testing.T) {
	localCalled := false
	local := func(ctx context.Context, payload []byte) ([]byte, error) {
		localCalled = true
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	remote := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, ctx.Err()
	}

	wrapped := WithFallback(local, "classify_text", nil)(remote)
	_, err := wrapped(ctx, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if localCalled {
		t.Fatal("local should not be called on context cancellation")
	}
}

// WHAT: Chain runs middlewares first-argument-outermost.
func TestChain(t *testing.T) {
	var order []string

	mw1 := func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			order = append(order, "mw1-before")
			resp, err := next(ctx, payload)
			order = append(order, "mw1-after")
			return resp, err
		}
	}
	mw2 := func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			order = append(order, "mw2-before")
			resp, err := next(ctx, payload)
			order = append(order, "mw2-after")
			return resp, err
		}
	}

	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		order = append(order, "handler")
		return nil, nil
	}

	wrapped := Chain(mw1, mw2)(base)
	wrapped(context.Background(), nil)

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("got %v, want %v", order, expected)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("at index %d: got %q, want %q", i, order[i], v)
		}
	}
}

// WHAT: a panicking handler surfaces as ErrPanic, not a crash.
func TestRecovery(t *testing.T) {
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("boom")
	}

	wrapped := Recovery(slog.Default())(base)
	_, err := wrapped(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	var ep *ErrPanic
	if !errors.As(err, &ep) {
		t.Fatalf("expected ErrPanic, got %T: %v", err, err)
	}
}

// WHAT: the HTTP factory builds a handler and close function for a
// public endpoint, and rejects loopback and private addresses.
func TestHTTPFactory(t *testing.T) {
	f := HTTPFactory()
	cfg := json.RawMessage(`{"timeout_ms": 5000, "content_type": "application/json"}`)
	h, closeFn, err := f("https://example.com/api", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if h == nil {
		t.Fatal("handler is nil")
	}
	if closeFn == nil {
		t.Fatal("close function is nil")
	}
	closeFn()

	if _, _, err := f("http://127.0.0.1:8080", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected SSRF error for loopback URL")
	}
	if _, _, err := f("http://10.0.0.1:8080", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected SSRF error for private URL")
	}
}

// WHAT: fingerprints match exactly when strategy, endpoint and config
// all match.
func TestFingerprint(t *testing.T) {
	r1 := route{Strategy: "http", Endpoint: "http://a", Config: json.RawMessage(`{}`)}
	r2 := route{Strategy: "http", Endpoint: "http://a", Config: json.RawMessage(`{}`)}
	r3 := route{Strategy: "http", Endpoint: "http://b", Config: json.RawMessage(`{}`)}

	if r1.fingerprint() != r2.fingerprint() {
		t.Fatal("same routes should have same fingerprint")
	}
	if r1.fingerprint() == r3.fingerprint() {
		t.Fatal("different routes should have different fingerprint")
	}
}

// WHAT: Watch notices a route inserted through a different connection
// and rebuilds handlers without an explicit Reload.
// WHY: PRAGMA data_version only moves when another connection writes,
// so the test needs a file database with separate writer and reader
// handles.
func TestWatchDetectsChanges(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := tmpDir + "/watch_test.db"

	writerDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { writerDB.Close() })

	if err := Init(writerDB); err != nil {
		t.Fatal(err)
	}

	readerDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { readerDB.Close() })

	r := New()
	var callCount int32
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		atomic.AddInt32(&callCount, 1)
		h := func(ctx context.Context, payload []byte) ([]byte, error) { return nil, nil }
		return h, nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Watch(ctx, readerDB, 50*time.Millisecond)

	// Let the initial load finish.
	time.Sleep(100 * time.Millisecond)

	_, err = writerDB.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('extract_url', 'http', 'http://x')`)
	if err != nil {
		t.Fatal(err)
	}

	// One or two poll intervals for the watcher to react.
	time.Sleep(300 * time.Millisecond)

	if c := atomic.LoadInt32(&callCount); c < 1 {
		t.Fatalf("expected factory to be called after route insert, got %d calls", c)
	}
}
