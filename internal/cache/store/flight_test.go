package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"goflare.io/hearth/kv"
)

func TestFetch_SingleFlight(t *testing.T) {
	s := mustNewStore(t, kv.NewMemory())
	ctx := t.Context()

	var calls atomic.Int32
	fetch := func(_ context.Context) (any, error) {
		calls.Inc()
		time.Sleep(100 * time.Millisecond)
		return "payload", nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			raw, err := s.Fetch(ctx, "op", fetch)
			errs[i] = err
			if err == nil {
				_ = json.Unmarshal(raw, &results[i])
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("fetch invoked %d times, want 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "payload" {
			t.Fatalf("caller %d got %q, want payload", i, results[i])
		}
	}
}

func TestFetch_FailurePropagatesAndRetryAllowed(t *testing.T) {
	s := mustNewStore(t, kv.NewMemory())
	ctx := t.Context()

	boom := errors.New("backend down")
	var calls atomic.Int32
	failing := func(_ context.Context) (any, error) {
		calls.Inc()
		time.Sleep(50 * time.Millisecond)
		return nil, boom
	}

	const callers = 3
	var wg sync.WaitGroup
	errs := make([]error, callers)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.Fetch(ctx, "op", failing)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if !errors.Is(errs[i], boom) {
			t.Fatalf("caller %d got %v, want the fetch error", i, errs[i])
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("fetch invoked %d times, want 1", n)
	}

	// The settled flight is gone; a later call is free to retry.
	if _, err := s.Fetch(ctx, "op", failing); !errors.Is(err, boom) {
		t.Fatalf("retry got %v, want the fetch error", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("fetch invoked %d times after retry, want 2", n)
	}
}

func TestFetch_CacheHitSkipsFetch(t *testing.T) {
	s := mustNewStore(t, kv.NewMemory())
	ctx := t.Context()

	var calls atomic.Int32
	fetch := func(_ context.Context) (any, error) {
		calls.Inc()
		return "fresh", nil
	}

	// First call misses and writes back.
	if _, err := s.Fetch(ctx, "op", fetch, WithCacheKey("k"), WithCacheTTL(time.Minute)); err != nil {
		t.Fatalf("Fetch 1: %v", err)
	}
	// Second call is served from the entry store.
	raw, err := s.Fetch(ctx, "op", fetch, WithCacheKey("k"), WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatalf("Fetch 2: %v", err)
	}

	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != "fresh" {
		t.Fatalf("got %q, want fresh", got)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("fetch invoked %d times, want 1", n)
	}
}

func TestFetch_BypassLookupStillWritesBack(t *testing.T) {
	s := mustNewStore(t, kv.NewMemory())
	ctx := t.Context()

	s.Set(ctx, "k", "stale", time.Minute)

	var calls atomic.Int32
	fetch := func(_ context.Context) (any, error) {
		calls.Inc()
		return "refreshed", nil
	}

	if _, err := s.Fetch(ctx, "op", fetch, WithCacheKey("k"), WithCacheTTL(time.Minute), WithBypassLookup()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("fetch invoked %d times, want 1", n)
	}

	var got string
	if !s.Get(ctx, "k", &got) {
		t.Fatal("expected hit after forced refresh")
	}
	if got != "refreshed" {
		t.Fatalf("got %q, want refreshed", got)
	}
}
