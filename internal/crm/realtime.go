package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/model"
	"github.com/tradelinehq/convo/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	reconnectBase   = 2 * time.Second
	reconnectMax    = 30 * time.Second
	stableThreshold = 60 * time.Second
)

// PushConn is an established push connection delivering raw event frames
// until it fails.
type PushConn interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// PushDialer establishes push connections.
type PushDialer interface {
	Dial(ctx context.Context) (PushConn, error)
}

// PollFetcher fetches the newest page of a conversation while push is
// down. *Client satisfies it.
type PollFetcher interface {
	ListMessages(ctx context.Context, conversationID string, limit, offset int) (*model.Page, error)
}

// ListenerConfig carries the collaborators and tuning for a Listener.
type ListenerConfig struct {
	Dialer         PushDialer
	Poll           PollFetcher
	Bus            *bus.Bus
	Machine        *status.Machine
	Logger         *zap.Logger
	ConversationID string
	PollInterval   time.Duration
	PollLimit      int

	// RedialBase and RedialMax bound the backoff between dial attempts.
	// Zero values take the defaults.
	RedialBase time.Duration
	RedialMax  time.Duration
}

// Listener supervises the realtime side of one open conversation: a push
// subscription scoped to the user, and a polling fallback that takes over
// whenever push is down. Exactly one of the two drives updates at any
// time. Arrivals are normalized and published on the bus as crm.* events;
// the sync session consumes them from there, so merge logic never lives
// in a callback here.
type Listener struct {
	cfg      ListenerConfig
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewListener creates a listener. Start must be called to begin.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = reconnectBase
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 20
	}
	if cfg.RedialBase <= 0 {
		cfg.RedialBase = reconnectBase
	}
	if cfg.RedialMax <= 0 {
		cfg.RedialMax = reconnectMax
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Listener{cfg: cfg}
}

// Start begins supervising the push channel.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Stop tears the subscription (or poll ticker) down and waits for the
// supervision loop to exit. Safe to call more than once; no events are
// published after it returns.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		<-l.done
		_ = l.cfg.Machine.Transition(status.Stopped)
	})
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	backoff := l.cfg.RedialBase
	for {
		if ctx.Err() != nil {
			return
		}
		_ = l.cfg.Machine.Transition(status.Connecting)

		conn, err := l.cfg.Dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.cfg.Logger.Warn("push dial failed, falling back to polling",
				zap.Error(err), zap.Duration("redial_in", backoff))
			_ = l.cfg.Machine.Transition(status.Polling)
			if !l.pollFor(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, l.cfg.RedialMax)
			continue
		}

		l.cfg.Logger.Info("push channel live", zap.String("conversation_id", l.cfg.ConversationID))
		_ = l.cfg.Machine.Transition(status.Live)
		connectedAt := time.Now()

		err = l.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		// A connection that held for a while resets the redial backoff.
		if time.Since(connectedAt) > stableThreshold {
			backoff = l.cfg.RedialBase
		}
		l.cfg.Logger.Warn("push channel lost, falling back to polling",
			zap.Error(err), zap.Duration("redial_in", backoff))
		_ = l.cfg.Machine.Transition(status.Reconnecting)
		if !l.pollFor(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, l.cfg.RedialMax)
	}
}

func (l *Listener) consume(ctx context.Context, conn PushConn) error {
	for {
		data, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		l.handlePush(data)
	}
}

func (l *Listener) handlePush(data []byte) {
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return // skip malformed frames
	}
	if env.Event != "new-message" {
		return
	}
	var push wirePush
	if err := json.Unmarshal(env.Data, &push); err != nil || push.Message == nil {
		return
	}

	msg := normalizeMessage(push.Message)
	if msg.ConversationID == "" && push.Conversation != nil {
		msg.ConversationID = push.Conversation.ID
	}
	if msg.ContactID == "" && push.Contact != nil {
		msg.ContactID = push.Contact.ID
	}
	l.cfg.Bus.Publish(bus.Event{Kind: "crm.message", Timestamp: time.Now(), Payload: msg})

	if push.Conversation != nil {
		conv := normalizeConversation(push.Conversation)
		if conv.ContactName == "" && push.Contact != nil {
			conv.ContactName = push.Contact.Name
		}
		l.cfg.Bus.Publish(bus.Event{Kind: "crm.conversation", Timestamp: time.Now(), Payload: conv})
	}
}

// pollFor drives updates from the poll ticker for the given window.
// Returns false when the context was canceled.
func (l *Listener) pollFor(ctx context.Context, window time.Duration) bool {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			l.pollOnce(ctx)
		case <-deadline.C:
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func (l *Listener) pollOnce(ctx context.Context) {
	page, err := l.cfg.Poll.ListMessages(ctx, l.cfg.ConversationID, l.cfg.PollLimit, 0)
	if err != nil {
		// Poll failures are the offline case; the indicator already
		// shows disconnected.
		l.cfg.Logger.Debug("poll failed", zap.Error(err))
		return
	}
	for i := range page.Messages {
		msg := page.Messages[i]
		l.cfg.Bus.Publish(bus.Event{Kind: "crm.message", Timestamp: time.Now(), Payload: &msg})
	}
}

// WSDialer dials the backend's websocket endpoint and subscribes to the
// user's channel.
type WSDialer struct {
	URL    string
	Token  string
	UserID string
}

// Dial implements PushDialer.
func (d *WSDialer) Dial(ctx context.Context) (PushConn, error) {
	conn, _, err := websocket.Dial(ctx, d.URL+"?token="+d.Token, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	sub := map[string]string{
		"action":  "subscribe",
		"channel": "user:" + d.UserID,
	}
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
