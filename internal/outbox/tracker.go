package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/crm"
	"github.com/tradelinehq/convo/internal/model"
	"go.uber.org/zap"
)

const defaultGrace = 5 * time.Second

// Sender is the transport for submitting messages to the backend.
type Sender interface {
	SendMessage(ctx context.Context, p model.SendPayload, idempotencyKey string) error
}

// entry is one locally created message the server has not confirmed yet.
// The payload is retained so a failed send can be re-issued as-is.
type entry struct {
	payload    model.SendPayload
	status     model.Status
	retryCount int
	createdAt  int64
	seq        uint64
}

// Ack reports a send the backend accepted.
type Ack struct {
	TempID string
}

// Failure reports a send that genuinely failed.
type Failure struct {
	TempID string
	Reason string
}

// Tracker owns the lifecycle of optimistic messages for one open
// conversation. Entries are keyed by tempId; a tempId is never reused,
// and retries keep the original tempId so the backend's idempotency
// check holds across attempts. Outcomes are published on the bus as
// message.send_ack / message.send_failed; the create and retry status
// flips are the caller's own actions and are returned synchronously.
type Tracker struct {
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger
	grace  time.Duration

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
	timers  map[string]*time.Timer
	seq     uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTracker creates a tracker. grace bounds how long a sent entry is
// kept waiting for its realtime echo; zero takes the default.
func NewTracker(sender Sender, b *bus.Bus, logger *zap.Logger, grace time.Duration) *Tracker {
	if grace <= 0 {
		grace = defaultGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sender:  sender,
		bus:     b,
		logger:  logger,
		grace:   grace,
		entries: make(map[string]*entry),
		timers:  make(map[string]*time.Timer),
	}
}

// Start binds the context in-flight sends run under.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
}

// Stop waits for in-flight sends to settle and clears all grace timers.
// Safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.wg.Wait()
		t.mu.Lock()
		for id, timer := range t.timers {
			timer.Stop()
			delete(t.timers, id)
		}
		t.mu.Unlock()
	})
}

// Create registers a new optimistic entry and starts the send. The
// returned message carries a fresh tempId and status sending; the caller
// inserts it into the timeline before the network call settles.
func (t *Tracker) Create(p model.SendPayload) *model.Message {
	tempID := uuid.NewString()
	now := time.Now().UnixMilli()

	t.mu.Lock()
	t.seq++
	t.entries[tempID] = &entry{
		payload:   p,
		status:    model.StatusSending,
		createdAt: now,
		seq:       t.seq,
	}
	t.mu.Unlock()

	t.dispatch(tempID)
	return optimisticMessage(tempID, p, now)
}

// Retry re-issues a failed entry with its original payload and tempId.
func (t *Tracker) Retry(tempID string) error {
	t.mu.Lock()
	e, ok := t.entries[tempID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("no optimistic entry for %s", tempID)
	}
	if e.status != model.StatusFailed {
		t.mu.Unlock()
		return fmt.Errorf("entry %s is %s, only failed entries retry", tempID, e.status)
	}
	e.status = model.StatusSending
	e.retryCount++
	count := e.retryCount
	t.mu.Unlock()

	if count >= 3 {
		t.logger.Warn("message keeps failing to send",
			zap.String("temp_id", tempID), zap.Int("retry_count", count))
	}
	t.dispatch(tempID)
	return nil
}

// MarkSent moves an entry to sent and starts its grace timer. Called by
// the send goroutine; exported so an external transport can drive the
// same lifecycle.
func (t *Tracker) MarkSent(tempID string) {
	t.mu.Lock()
	e, ok := t.entries[tempID]
	if !ok {
		// Already reconciled by the realtime echo; nothing to report.
		t.mu.Unlock()
		return
	}
	e.status = model.StatusSent
	t.timers[tempID] = time.AfterFunc(t.grace, func() { t.expire(tempID) })
	t.mu.Unlock()

	t.bus.Publish(bus.Event{Kind: "message.send_ack", Timestamp: time.Now(), Payload: Ack{TempID: tempID}})
}

// MarkFailed moves an entry to failed. The payload stays so Retry can
// re-issue it.
func (t *Tracker) MarkFailed(tempID string, cause error) {
	t.mu.Lock()
	e, ok := t.entries[tempID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.status = model.StatusFailed
	t.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	t.bus.Publish(bus.Event{Kind: "message.send_failed", Timestamp: time.Now(), Payload: Failure{TempID: tempID, Reason: reason}})
}

// Reconcile matches a confirmed outbound arrival against the open
// entries: by tempId when present, otherwise by identical body (the
// realtime echo of the user's own send carries no tempId and can land
// before the send call returns). A match destroys the entry and returns
// its tempId so the caller can collapse the timeline row. Duplicate
// bodies collapse oldest-first.
func (t *Tracker) Reconcile(m *model.Message) (string, bool) {
	if m.Direction != model.DirectionOutbound {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if m.TempID != "" {
		if _, ok := t.entries[m.TempID]; ok {
			t.destroyLocked(m.TempID)
			return m.TempID, true
		}
	}

	match := ""
	var matchSeq uint64
	for id, e := range t.entries {
		if e.payload.Body != m.Body {
			continue
		}
		if match == "" || e.seq < matchSeq {
			match, matchSeq = id, e.seq
		}
	}
	if match == "" {
		return "", false
	}
	t.destroyLocked(match)
	return match, true
}

// Open returns the optimistic messages still awaiting confirmation,
// newest first. Used to re-seed the timeline across a refresh.
func (t *Tracker) Open() []*model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	type item struct {
		msg *model.Message
		seq uint64
	}
	items := make([]item, 0, len(t.entries))
	for id, e := range t.entries {
		m := optimisticMessage(id, e.payload, e.createdAt)
		m.Status = e.status
		items = append(items, item{m, e.seq})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq > items[j].seq })

	out := make([]*model.Message, len(items))
	for i, it := range items {
		out[i] = it.msg
	}
	return out
}

// RetryCount reports how many times an entry has been re-issued.
func (t *Tracker) RetryCount(tempID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[tempID]; ok {
		return e.retryCount
	}
	return 0
}

func (t *Tracker) dispatch(tempID string) {
	t.mu.Lock()
	e, ok := t.entries[tempID]
	if !ok {
		t.mu.Unlock()
		return
	}
	payload := e.payload
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		err := t.sender.SendMessage(ctx, payload, tempID)
		switch {
		case err == nil:
			t.MarkSent(tempID)
		case crm.IsFalseNegativeSend(err):
			// The backend reported failure for a send that went
			// through. Treat as success; see crm.IsFalseNegativeSend.
			t.logger.Warn("absorbing known false-negative send error",
				zap.String("temp_id", tempID), zap.Error(err))
			t.MarkSent(tempID)
		case errors.Is(err, context.Canceled):
			return
		default:
			t.logger.Error("send failed", zap.String("temp_id", tempID), zap.Error(err))
			t.MarkFailed(tempID, err)
		}
	}()
}

// expire runs when the grace window closes with no echo: the entry's
// bookkeeping is dropped, the timeline row stays as it is.
func (t *Tracker) expire(tempID string) {
	t.mu.Lock()
	_, ok := t.entries[tempID]
	if ok {
		t.destroyLocked(tempID)
	}
	t.mu.Unlock()

	if ok {
		t.logger.Debug("optimistic entry expired without echo", zap.String("temp_id", tempID))
	}
}

func (t *Tracker) destroyLocked(tempID string) {
	delete(t.entries, tempID)
	if timer, ok := t.timers[tempID]; ok {
		timer.Stop()
		delete(t.timers, tempID)
	}
}

func optimisticMessage(tempID string, p model.SendPayload, createdAt int64) *model.Message {
	return &model.Message{
		TempID:         tempID,
		ConversationID: p.ConversationID,
		ContactID:      p.ContactID,
		Direction:      model.DirectionOutbound,
		Kind:           p.Kind,
		Body:           p.Body,
		Subject:        p.Subject,
		CreatedAt:      createdAt,
		Status:         model.StatusSending,
	}
}
