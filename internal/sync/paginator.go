package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tradelinehq/convo/internal/model"
	"go.uber.org/zap"
)

// PageFetcher fetches ordered history pages. *crm.Client satisfies it.
type PageFetcher interface {
	ListMessages(ctx context.Context, conversationID string, limit, offset int) (*model.Page, error)
}

// PageCache is the paginator's view of the cache store.
type PageCache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	RemoveMatching(prefix string) (int64, error)
}

// Paginator walks one conversation's history by offset. hasMore comes
// from the backend's pagination metadata, never from page length: a
// short page can still have more behind it. Fetched pages are written
// through to the cache; when the backend is unreachable, reads fall back
// to whatever the cache holds.
type Paginator struct {
	fetcher        PageFetcher
	cache          PageCache
	logger         *zap.Logger
	conversationID string
	limit          int

	mu      sync.Mutex
	offset  int
	hasMore bool
	total   int
	loading bool
}

// NewPaginator creates a paginator for one conversation.
func NewPaginator(fetcher PageFetcher, cache PageCache, logger *zap.Logger, conversationID string, limit int) *Paginator {
	if limit <= 0 {
		limit = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator{
		fetcher:        fetcher,
		cache:          cache,
		logger:         logger,
		conversationID: conversationID,
		limit:          limit,
	}
}

// LoadFirstPage fetches page zero and resets the cursor. Used on open
// and on forced refresh.
func (p *Paginator) LoadFirstPage(ctx context.Context) (*model.Page, error) {
	page, err := p.fetchPage(ctx, 0)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.offset = len(page.Messages)
	p.hasMore = page.Info.HasMore
	p.total = page.Info.Total
	p.mu.Unlock()
	return page, nil
}

// LoadMore fetches the next older page. It is a no-op (loaded=false)
// when there is nothing more or when a load is already in flight; the
// cursor advances by the number of messages actually returned.
func (p *Paginator) LoadMore(ctx context.Context) (page *model.Page, loaded bool, err error) {
	p.mu.Lock()
	if !p.hasMore || p.loading {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.loading = true
	offset := p.offset
	p.mu.Unlock()

	page, err = p.fetchPage(ctx, offset)

	p.mu.Lock()
	p.loading = false
	if err == nil {
		p.offset += len(page.Messages)
		p.hasMore = page.Info.HasMore
		p.total = page.Info.Total
	}
	p.mu.Unlock()

	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}

// HasMore reports whether the backend holds older messages. Gates the
// load-more affordance.
func (p *Paginator) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Offset returns the current cursor position.
func (p *Paginator) Offset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// Total returns the backend's last reported message count.
func (p *Paginator) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Invalidate drops every cached page of this conversation. Called before
// a forced refresh so stale pages cannot resurface offline.
func (p *Paginator) Invalidate() {
	if _, err := p.cache.RemoveMatching(p.pagePrefix()); err != nil {
		p.logger.Debug("page cache invalidation failed", zap.Error(err))
	}
}

// fetchPage hits the backend and writes the page through to the cache;
// on a network failure it falls back to the cached copy when one exists.
func (p *Paginator) fetchPage(ctx context.Context, offset int) (*model.Page, error) {
	key := p.pageKey(offset)

	page, err := p.fetcher.ListMessages(ctx, p.conversationID, p.limit, offset)
	if err == nil {
		if data, merr := json.Marshal(page); merr == nil {
			if cerr := p.cache.Set(key, data); cerr != nil {
				p.logger.Debug("page cache write failed", zap.Error(cerr))
			}
		}
		return page, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	data, ok, cerr := p.cache.Get(key)
	if cerr != nil || !ok {
		return nil, err
	}
	var cached model.Page
	if uerr := json.Unmarshal(data, &cached); uerr != nil {
		return nil, err
	}
	p.logger.Warn("serving history page from cache",
		zap.String("conversation_id", p.conversationID), zap.Int("offset", offset), zap.Error(err))
	return &cached, nil
}

func (p *Paginator) pageKey(offset int) string {
	return fmt.Sprintf("%s%d:%d", p.pagePrefix(), offset, p.limit)
}

func (p *Paginator) pagePrefix() string {
	return "messages:" + p.conversationID + ":"
}
