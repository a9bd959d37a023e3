package sync

import (
	"context"
	"sync"
	"time"

	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/crm"
	"github.com/tradelinehq/convo/internal/hydrate"
	"github.com/tradelinehq/convo/internal/model"
	"github.com/tradelinehq/convo/internal/outbox"
	"github.com/tradelinehq/convo/internal/status"
	"go.uber.org/zap"
)

// TimelineUpdate signals that the active conversation's list changed.
// Consumers re-read Session.Messages; the event itself stays light.
type TimelineUpdate struct {
	ConversationID string
	Count          int
}

// SessionConfig carries the collaborators for one conversation session.
type SessionConfig struct {
	ConversationID string
	Bus            *bus.Bus
	Logger         *zap.Logger
	Timeline       *Timeline
	Paginator      *Paginator
	Tracker        *outbox.Tracker
	Hydrator       *hydrate.Hydrator
	Listener       *crm.Listener
	Machine        *status.Machine
	EagerHydrate   int
}

// Session owns everything alive for one open conversation: the merged
// timeline, its pagination cursor, the optimistic tracker, and the
// realtime listener with its state machine. All reconciliation funnels
// through here; nothing else mutates the timeline. A session is opened,
// used, and closed exactly once; switching conversations means closing
// this one and opening another.
type Session struct {
	cfg SessionConfig

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	wasDown bool
}

// Open loads the first history page, seeds the timeline with it plus
// any optimistic messages still open, and brings up the realtime side.
// It blocks until the initial page is in.
func Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Session{cfg: cfg}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.cfg.Tracker.Start(runCtx)

	page, err := s.cfg.Paginator.LoadFirstPage(ctx)
	if err != nil {
		cancel()
		close(s.done)
		return nil, err
	}
	s.cfg.Timeline.Seed(page.Messages, s.cfg.Tracker.Open())
	s.cfg.Hydrator.RequestEager(page.Messages, s.cfg.EagerHydrate)
	s.publishTimeline()

	crmCh, unsubCrm := s.cfg.Bus.Subscribe("crm.", 64)
	msgCh, unsubMsg := s.cfg.Bus.Subscribe("message.", 64)
	connCh, unsubConn := s.cfg.Bus.Subscribe("conn.", 16)
	go s.loop(runCtx, crmCh, msgCh, connCh, func() {
		unsubCrm()
		unsubMsg()
		unsubConn()
	})

	s.cfg.Listener.Start(runCtx)
	return s, nil
}

// Close tears the session down exactly once: the listener first so no
// new arrivals race the teardown, then the event loop, then in-flight
// sends. After Close returns nothing touches the timeline again.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		s.cfg.Listener.Stop()
		s.cancel()
		<-s.done
		s.cfg.Tracker.Stop()
	})
}

// Send creates an optimistic message and puts it on screen immediately;
// the network call settles asynchronously via send_ack / send_failed.
func (s *Session) Send(payload model.SendPayload) *model.Message {
	if payload.ConversationID == "" {
		payload.ConversationID = s.cfg.ConversationID
	}
	msg := s.cfg.Tracker.Create(payload)
	s.cfg.Timeline.MergeIncoming(msg)
	s.publishTimeline()
	return msg
}

// Retry re-issues a failed send under its original tempId.
func (s *Session) Retry(tempID string) error {
	if err := s.cfg.Tracker.Retry(tempID); err != nil {
		return err
	}
	if s.cfg.Timeline.SetStatus(tempID, model.StatusSending) {
		s.publishTimeline()
	}
	return nil
}

// LoadMore appends the next older history page. Returns false when
// there is nothing more or a load is already running.
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	page, loaded, err := s.cfg.Paginator.LoadMore(ctx)
	if err != nil || !loaded {
		return false, err
	}
	if s.cfg.Timeline.AppendOlderPage(page.Messages) {
		s.publishTimeline()
	}
	s.cfg.Hydrator.RequestEager(page.Messages, s.cfg.EagerHydrate)
	return true, nil
}

// Hydrate fetches one message's full body on user interaction.
func (s *Session) Hydrate(contentID string) {
	s.cfg.Hydrator.Request(contentID)
}

// Messages returns the current timeline snapshot, newest first.
func (s *Session) Messages() []model.Message {
	return s.cfg.Timeline.Messages()
}

// HasMore gates the load-more affordance.
func (s *Session) HasMore() bool {
	return s.cfg.Paginator.HasMore()
}

// Connected reports whether the push channel is live.
func (s *Session) Connected() bool {
	return s.cfg.Machine.Connected()
}

// ConversationID returns the conversation this session serves.
func (s *Session) ConversationID() string {
	return s.cfg.ConversationID
}

func (s *Session) loop(ctx context.Context, crmCh, msgCh, connCh <-chan bus.Event, unsub func()) {
	defer close(s.done)
	defer unsub()

	for {
		select {
		case evt := <-crmCh:
			s.handleArrival(evt)
		case evt := <-msgCh:
			s.handleOutcome(evt)
		case evt := <-connCh:
			s.handleConn(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

// handleArrival folds a backend arrival into the timeline. Traffic for
// other conversations is dropped here: a stale arrival from before a
// switch must never populate the new store.
func (s *Session) handleArrival(evt bus.Event) {
	if evt.Kind != "crm.message" {
		return
	}
	msg, ok := evt.Payload.(*model.Message)
	if !ok || msg.ConversationID != s.cfg.ConversationID {
		return
	}

	incoming := *msg
	if incoming.Direction == model.DirectionOutbound {
		// The echo of the user's own send. Resolve it to its tempId so
		// the optimistic row adopts the server id instead of a new row
		// appearing next to it.
		if tempID, matched := s.cfg.Tracker.Reconcile(&incoming); matched {
			incoming.TempID = tempID
		}
	}
	if s.cfg.Timeline.MergeIncoming(&incoming) {
		s.publishTimeline()
	}
	if incoming.NeedsContent {
		s.cfg.Hydrator.Request(incoming.ContentID)
	}
}

func (s *Session) handleOutcome(evt bus.Event) {
	switch evt.Kind {
	case "message.send_ack":
		if ack, ok := evt.Payload.(outbox.Ack); ok {
			if s.cfg.Timeline.SetStatus(ack.TempID, model.StatusSent) {
				s.publishTimeline()
			}
			// Cached pages predate the send; drop them so an offline
			// reload cannot serve a history without this message.
			s.cfg.Paginator.Invalidate()
		}
	case "message.send_failed":
		if failure, ok := evt.Payload.(outbox.Failure); ok {
			if s.cfg.Timeline.SetStatus(failure.TempID, model.StatusFailed) {
				s.publishTimeline()
			}
		}
	case "message.hydrated":
		if res, ok := evt.Payload.(hydrate.Result); ok {
			if s.cfg.Timeline.ApplyContent(res.ContentID, res.Content) {
				s.publishTimeline()
			}
		}
	}
}

// handleConn watches the connection lifecycle. Any window spent off the
// push channel may have missed events, so the first transition back to
// Live re-pulls page zero.
func (s *Session) handleConn(ctx context.Context, evt bus.Event) {
	sc, ok := evt.Payload.(status.StateChange)
	if !ok {
		return
	}
	switch sc.To {
	case status.Polling, status.Reconnecting:
		s.mu.Lock()
		s.wasDown = true
		s.mu.Unlock()
	case status.Live:
		s.mu.Lock()
		down := s.wasDown
		s.wasDown = false
		s.mu.Unlock()
		if down {
			s.refresh(ctx)
		}
	}
}

// refresh drops the cached pages and re-seeds from a fresh page zero.
func (s *Session) refresh(ctx context.Context) {
	s.cfg.Paginator.Invalidate()
	page, err := s.cfg.Paginator.LoadFirstPage(ctx)
	if err != nil {
		s.cfg.Logger.Warn("refresh after reconnect failed", zap.Error(err))
		return
	}
	s.cfg.Timeline.Seed(page.Messages, s.cfg.Tracker.Open())
	s.cfg.Hydrator.RequestEager(page.Messages, s.cfg.EagerHydrate)
	s.publishTimeline()
}

func (s *Session) publishTimeline() {
	s.cfg.Bus.Publish(bus.Event{
		Kind:      "timeline.updated",
		Timestamp: time.Now(),
		Payload:   TimelineUpdate{ConversationID: s.cfg.ConversationID, Count: s.cfg.Timeline.Len()},
	})
}
