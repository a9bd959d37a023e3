package sync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/model"
	"go.uber.org/zap"
)

// ConversationLister fetches the conversation list. *crm.Client
// satisfies it.
type ConversationLister interface {
	ListConversations(ctx context.Context, filter string) ([]model.Conversation, error)
}

// RosterCache persists the conversation list so an offline start still
// has something to show. *cache.Store satisfies it.
type RosterCache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// Roster maintains the conversation list and its unread counters. It
// consumes every crm arrival, not just the active conversation's:
// inbound messages bump the counter, echoes of the user's own sends
// never do, and arrivals for the conversation currently on screen are
// read by definition.
type Roster struct {
	lister ConversationLister
	cache  RosterCache
	bus    *bus.Bus
	logger *zap.Logger

	mu            sync.Mutex
	conversations map[string]*model.Conversation
	activeID      string

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewRoster creates a roster. A nil cache disables persistence.
func NewRoster(lister ConversationLister, cache RosterCache, b *bus.Bus, logger *zap.Logger) *Roster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Roster{
		lister:        lister,
		cache:         cache,
		bus:           b,
		logger:        logger,
		conversations: make(map[string]*model.Conversation),
	}
}

// Start subscribes to crm arrivals and processes them until Stop.
func (r *Roster) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.bus.Subscribe("crm.", 64)

	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears the subscription down. Safe to call more than once.
func (r *Roster) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}

// Load replaces the roster with a fresh list from the backend. When the
// backend is unreachable it falls back to the last list written to the
// cache.
func (r *Roster) Load(ctx context.Context, filter string) error {
	convs, err := r.lister.ListConversations(ctx, filter)
	if err == nil {
		r.writeThrough(filter, convs)
	} else {
		if ctx.Err() != nil {
			return err
		}
		cached, ok := r.fromCache(filter)
		if !ok {
			return err
		}
		r.logger.Warn("serving conversation list from cache", zap.Error(err))
		convs = cached
	}

	r.mu.Lock()
	r.conversations = make(map[string]*model.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		if c.ID == r.activeID {
			c.UnreadCount = 0
		}
		r.conversations[c.ID] = &c
	}
	r.mu.Unlock()

	r.publishAll()
	return nil
}

func (r *Roster) writeThrough(filter string, convs []model.Conversation) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(convs)
	if err != nil {
		return
	}
	if err := r.cache.Set(rosterKey(filter), data); err != nil {
		r.logger.Debug("roster cache write failed", zap.Error(err))
	}
}

func (r *Roster) fromCache(filter string) ([]model.Conversation, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, ok, err := r.cache.Get(rosterKey(filter))
	if err != nil || !ok {
		return nil, false
	}
	var convs []model.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, false
	}
	return convs, true
}

func rosterKey(filter string) string {
	return "conversations:" + filter
}

// SetActive marks the conversation currently on screen; its arrivals
// stop counting as unread and its counter clears now.
func (r *Roster) SetActive(conversationID string) {
	r.mu.Lock()
	r.activeID = conversationID
	snapshot, cleared := r.clearUnreadLocked(conversationID)
	r.mu.Unlock()

	if cleared {
		r.publish(snapshot)
	}
}

// MarkRead clears a conversation's unread counter.
func (r *Roster) MarkRead(conversationID string) {
	r.mu.Lock()
	snapshot, cleared := r.clearUnreadLocked(conversationID)
	r.mu.Unlock()

	if cleared {
		r.publish(snapshot)
	}
}

func (r *Roster) clearUnreadLocked(conversationID string) (model.Conversation, bool) {
	c, ok := r.conversations[conversationID]
	if !ok || c.UnreadCount == 0 {
		return model.Conversation{}, false
	}
	c.UnreadCount = 0
	return *c, true
}

// Conversations returns a snapshot of the roster, most recent activity
// first.
func (r *Roster) Conversations() []model.Conversation {
	r.mu.Lock()
	out := make([]model.Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		out = append(out, *c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Unread returns one conversation's unread count.
func (r *Roster) Unread(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[conversationID]; ok {
		return c.UnreadCount
	}
	return 0
}

func (r *Roster) handle(evt bus.Event) {
	switch evt.Kind {
	case "crm.message":
		if msg, ok := evt.Payload.(*model.Message); ok {
			r.applyMessage(msg)
		}
	case "crm.conversation":
		if conv, ok := evt.Payload.(*model.Conversation); ok {
			r.applyConversation(conv)
		}
	}
}

func (r *Roster) applyMessage(msg *model.Message) {
	if msg.ConversationID == "" {
		return
	}

	r.mu.Lock()
	c, ok := r.conversations[msg.ConversationID]
	if !ok {
		c = &model.Conversation{ID: msg.ConversationID, ContactID: msg.ContactID}
		r.conversations[msg.ConversationID] = c
	}
	changed := !ok
	if msg.CreatedAt >= c.LastMessageAt {
		c.LastMessageAt = msg.CreatedAt
		c.LastMessagePreview = msg.Body
		changed = true
	}
	if msg.Direction == model.DirectionInbound && msg.ConversationID != r.activeID {
		c.UnreadCount++
		changed = true
	}
	snapshot := *c
	r.mu.Unlock()

	if changed {
		r.publish(snapshot)
	}
}

// applyConversation adopts the server's view of a conversation. The
// server's unread count is authoritative except for the conversation on
// screen, which is read by definition.
func (r *Roster) applyConversation(conv *model.Conversation) {
	r.mu.Lock()
	c := *conv
	if c.ID == r.activeID {
		c.UnreadCount = 0
	}
	if prev, ok := r.conversations[c.ID]; ok {
		if c.ContactName == "" {
			c.ContactName = prev.ContactName
		}
		if c.LastMessageAt == 0 {
			c.LastMessageAt = prev.LastMessageAt
			c.LastMessagePreview = prev.LastMessagePreview
		}
	}
	r.conversations[c.ID] = &c
	snapshot := c
	r.mu.Unlock()

	r.publish(snapshot)
}

func (r *Roster) publish(c model.Conversation) {
	r.bus.Publish(bus.Event{Kind: "conversation.updated", Timestamp: time.Now(), Payload: c})
}

func (r *Roster) publishAll() {
	for _, c := range r.Conversations() {
		r.publish(c)
	}
}
