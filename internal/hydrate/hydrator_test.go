package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/model"
	"go.uber.org/goleak"
)

// gatedFetcher blocks every fetch until released and tracks the peak
// number of concurrent calls.
type gatedFetcher struct {
	mu      sync.Mutex
	calls   []string
	active  int
	peak    int
	errs    map[string]error
	release chan struct{}
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{release: make(chan struct{})}
}

func (f *gatedFetcher) FetchContent(ctx context.Context, id string) (*model.Content, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	err := f.errs[id]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &model.Content{Body: "body-" + id}, nil
}

func (f *gatedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *gatedFetcher) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{m: make(map[string][]byte)}
}

func (c *memCache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memCache) Set(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func collectHydrated(t *testing.T, ch <-chan bus.Event, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case evt := <-ch:
			if evt.Kind != "message.hydrated" {
				continue
			}
			out = append(out, evt.Payload.(Result))
		case <-deadline:
			t.Fatalf("timeout: got %d hydrated events, want %d", len(out), n)
		}
	}
	return out
}

// TestBoundedConcurrency issues 20 distinct fetches against a worker
// bound of 5 and checks the bound held at every instant.
func TestBoundedConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	fetcher := newGatedFetcher()
	b := bus.New()
	h := New(fetcher, newMemCache(), b, nil, 5)
	h.Start(context.Background())
	defer h.Stop()

	ch, unsub := b.Subscribe("message.hydrated", 32)
	defer unsub()

	for i := 0; i < 20; i++ {
		h.Request(fmt.Sprintf("id-%d", i))
	}

	// Let the first wave hit the semaphore before opening the gate.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)

	results := collectHydrated(t, ch, 20)
	if len(results) != 20 {
		t.Fatalf("got %d results, want 20", len(results))
	}
	if peak := fetcher.peakActive(); peak > 5 {
		t.Errorf("peak concurrent fetches = %d, want <= 5", peak)
	}
	if calls := fetcher.callCount(); calls != 20 {
		t.Errorf("fetch calls = %d, want 20", calls)
	}
}

// TestInFlightDedup issues two requests for the same id while the first
// is still fetching: only one network call may happen.
func TestInFlightDedup(t *testing.T) {
	defer goleak.VerifyNone(t)

	fetcher := newGatedFetcher()
	b := bus.New()
	h := New(fetcher, newMemCache(), b, nil, 5)
	h.Start(context.Background())
	defer h.Stop()

	ch, unsub := b.Subscribe("message.hydrated", 8)
	defer unsub()

	h.Request("same-id")
	time.Sleep(20 * time.Millisecond) // first request reaches the fetcher
	h.Request("same-id")
	close(fetcher.release)

	results := collectHydrated(t, ch, 1)
	if results[0].ContentID != "same-id" || results[0].Content.Body != "body-same-id" {
		t.Errorf("result = %+v", results[0])
	}
	if calls := fetcher.callCount(); calls != 1 {
		t.Errorf("fetch calls = %d, want 1 (in-flight dedup)", calls)
	}

	// No second event may trail in.
	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCacheHitShortCircuits pre-seeds the cache and verifies the fetcher
// is never consulted.
func TestCacheHitShortCircuits(t *testing.T) {
	fetcher := newGatedFetcher()
	cache := newMemCache()
	data, _ := json.Marshal(model.Content{Body: "cached body", Subject: "hi"})
	_ = cache.Set("content:warm", data)

	b := bus.New()
	h := New(fetcher, cache, b, nil, 5)
	h.Start(context.Background())
	defer h.Stop()

	ch, unsub := b.Subscribe("message.hydrated", 8)
	defer unsub()

	h.Request("warm")

	results := collectHydrated(t, ch, 1)
	if results[0].Content.Body != "cached body" {
		t.Errorf("body = %q, want cached body", results[0].Content.Body)
	}
	if calls := fetcher.callCount(); calls != 0 {
		t.Errorf("fetch calls = %d, want 0 (cache hit)", calls)
	}
}

// TestFetchWritesThroughToCache verifies a completed fetch is served
// from cache on the next request.
func TestFetchWritesThroughToCache(t *testing.T) {
	fetcher := newGatedFetcher()
	close(fetcher.release)
	b := bus.New()
	h := New(fetcher, newMemCache(), b, nil, 5)
	h.Start(context.Background())
	defer h.Stop()

	ch, unsub := b.Subscribe("message.hydrated", 8)
	defer unsub()

	h.Request("em-1")
	collectHydrated(t, ch, 1)

	h.Request("em-1")
	collectHydrated(t, ch, 1)

	if calls := fetcher.callCount(); calls != 1 {
		t.Errorf("fetch calls = %d, want 1 (second request served from cache)", calls)
	}
}

// TestFetchFailure verifies failures surface as hydrate_failed, leave
// no in-flight residue, and are not retried until asked again.
func TestFetchFailure(t *testing.T) {
	fetcher := newGatedFetcher()
	fetcher.errs = map[string]error{"bad": fmt.Errorf("content service 503")}
	close(fetcher.release)

	b := bus.New()
	h := New(fetcher, newMemCache(), b, nil, 5)
	h.Start(context.Background())
	defer h.Stop()

	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	h.Request("bad")

	select {
	case evt := <-ch:
		if evt.Kind != "message.hydrate_failed" {
			t.Fatalf("event kind = %q, want message.hydrate_failed", evt.Kind)
		}
		failure := evt.Payload.(Failure)
		if failure.ContentID != "bad" || failure.Reason == "" {
			t.Errorf("failure = %+v", failure)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for hydrate_failed")
	}

	// One failure, one call: no automatic retry loop.
	time.Sleep(50 * time.Millisecond)
	if calls := fetcher.callCount(); calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}

	// A fresh request re-attempts.
	h.Request("bad")
	time.Sleep(50 * time.Millisecond)
	if calls := fetcher.callCount(); calls != 2 {
		t.Errorf("fetch calls = %d, want 2 after explicit retry", calls)
	}
}

func TestRequestEagerTakesFirstUnhydrated(t *testing.T) {
	fetcher := newGatedFetcher()
	close(fetcher.release)
	b := bus.New()
	h := New(fetcher, newMemCache(), b, nil, 5)
	h.Start(context.Background())
	defer h.Stop()

	ch, unsub := b.Subscribe("message.hydrated", 8)
	defer unsub()

	msgs := []model.Message{
		{ID: "m1", NeedsContent: true, ContentID: "em1"},
		{ID: "m2"},
		{ID: "m3", NeedsContent: true, ContentID: "em3"},
		{ID: "m4", NeedsContent: true, ContentID: "em4"},
		{ID: "m5", NeedsContent: true, ContentID: "em5"},
	}
	h.RequestEager(msgs, 3)

	results := collectHydrated(t, ch, 3)
	got := map[string]bool{}
	for _, r := range results {
		got[r.ContentID] = true
	}
	for _, want := range []string{"em1", "em3", "em4"} {
		if !got[want] {
			t.Errorf("missing eager hydration for %s (got %v)", want, got)
		}
	}
	if got["em5"] {
		t.Error("em5 hydrated, want only the first 3 unhydrated")
	}
}

func TestStopAbortsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	fetcher := newGatedFetcher() // never released
	b := bus.New()
	h := New(fetcher, newMemCache(), b, nil, 2)
	h.Start(context.Background())

	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	h.Request("a")
	h.Request("b")
	h.Request("c") // parked behind the semaphore

	time.Sleep(20 * time.Millisecond)
	h.Stop()

	select {
	case evt := <-ch:
		t.Errorf("event published after Stop: %+v", evt)
	default:
	}
}

func TestUndecodableCacheEntryIsAMiss(t *testing.T) {
	fetcher := newGatedFetcher()
	close(fetcher.release)
	cache := newMemCache()
	_ = cache.Set("content:junk", []byte("{not json"))

	b := bus.New()
	h := New(fetcher, cache, b, nil, 5)
	h.Start(context.Background())
	defer h.Stop()

	ch, unsub := b.Subscribe("message.hydrated", 8)
	defer unsub()

	h.Request("junk")
	results := collectHydrated(t, ch, 1)
	if results[0].Content.Body != "body-junk" {
		t.Errorf("body = %q, want fetched body", results[0].Content.Body)
	}
	if calls := fetcher.callCount(); calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
}
