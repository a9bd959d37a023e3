package hydrate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/model"
	"go.uber.org/zap"
)

const (
	defaultWorkers = 5
	cachePrefix    = "content:"
)

// Fetcher retrieves full message content by content id.
type Fetcher interface {
	FetchContent(ctx context.Context, contentID string) (*model.Content, error)
}

// ContentCache is the hydrator's view of the cache store.
type ContentCache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// Result is a finished hydration, published as message.hydrated.
type Result struct {
	ContentID string
	Content   model.Content
}

// Failure is a hydration that could not complete, published as
// message.hydrate_failed. The message keeps its preview; the next user
// interaction retries.
type Failure struct {
	ContentID string
	Reason    string
}

// Hydrator fetches large message bodies that the list payload only
// stubbed. One instance serves the whole session: the in-flight set and
// the cache are keyed by content id, so the same body is never fetched
// twice concurrently no matter how many surfaces ask for it. At most
// `workers` fetches run at once; the cache is consulted before any
// network call.
type Hydrator struct {
	fetcher Fetcher
	cache   ContentCache
	bus     *bus.Bus
	logger  *zap.Logger

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a hydrator. workers bounds concurrent fetches; zero takes
// the default.
func New(fetcher Fetcher, cache ContentCache, b *bus.Bus, logger *zap.Logger, workers int) *Hydrator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hydrator{
		fetcher:  fetcher,
		cache:    cache,
		bus:      b,
		logger:   logger,
		sem:      make(chan struct{}, workers),
		inFlight: make(map[string]struct{}),
	}
}

// Start binds the context fetches run under.
func (h *Hydrator) Start(ctx context.Context) {
	h.mu.Lock()
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()
}

// Stop aborts in-flight fetches and waits for them to unwind.
func (h *Hydrator) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
	})
}

// Request hydrates one content id. A request for an id already in
// flight is dropped; the original fetch's result serves both callers.
func (h *Hydrator) Request(contentID string) {
	if contentID == "" {
		return
	}

	h.mu.Lock()
	if _, busy := h.inFlight[contentID]; busy {
		h.mu.Unlock()
		return
	}
	h.inFlight[contentID] = struct{}{}
	ctx := h.ctx
	h.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	h.wg.Add(1)
	go h.hydrate(ctx, contentID)
}

// RequestEager requests the first n unhydrated messages of a page.
// Used on page load so the emails near the top are readable before the
// user taps them.
func (h *Hydrator) RequestEager(msgs []model.Message, n int) {
	for i := range msgs {
		if n <= 0 {
			return
		}
		if !msgs[i].NeedsContent {
			continue
		}
		h.Request(msgs[i].ContentID)
		n--
	}
}

func (h *Hydrator) hydrate(ctx context.Context, contentID string) {
	defer h.wg.Done()
	defer h.finish(contentID)

	if content, ok := h.cached(contentID); ok {
		h.publish(contentID, content)
		return
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	content, err := h.fetcher.FetchContent(ctx, contentID)
	<-h.sem

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("content fetch failed", zap.String("content_id", contentID), zap.Error(err))
		h.bus.Publish(bus.Event{
			Kind:      "message.hydrate_failed",
			Timestamp: time.Now(),
			Payload:   Failure{ContentID: contentID, Reason: err.Error()},
		})
		return
	}

	if data, err := json.Marshal(content); err == nil {
		if err := h.cache.Set(cachePrefix+contentID, data); err != nil {
			h.logger.Debug("content cache write failed", zap.String("content_id", contentID), zap.Error(err))
		}
	}
	h.publish(contentID, *content)
}

// cached returns the content if the cache already has it. Undecodable
// entries count as misses.
func (h *Hydrator) cached(contentID string) (model.Content, bool) {
	data, ok, err := h.cache.Get(cachePrefix + contentID)
	if err != nil || !ok {
		return model.Content{}, false
	}
	var content model.Content
	if err := json.Unmarshal(data, &content); err != nil {
		h.logger.Debug("dropping undecodable cached content", zap.String("content_id", contentID), zap.Error(err))
		return model.Content{}, false
	}
	return content, true
}

func (h *Hydrator) publish(contentID string, content model.Content) {
	h.bus.Publish(bus.Event{
		Kind:      "message.hydrated",
		Timestamp: time.Now(),
		Payload:   Result{ContentID: contentID, Content: content},
	})
}

func (h *Hydrator) finish(contentID string) {
	h.mu.Lock()
	delete(h.inFlight, contentID)
	h.mu.Unlock()
}
