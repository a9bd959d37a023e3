package crm

import (
	"strings"
	"time"

	"github.com/tradelinehq/convo/internal/model"
)

// The backend is not consistent about field names across endpoints: the
// same message arrives with different id, type and timestamp keys
// depending on whether it came from the list endpoint, the realtime
// channel or a webhook replay. Everything is normalized here, once, into
// the canonical model shapes; nothing past this file looks at wire JSON.

// wireMessage is the loose shape messages arrive in.
type wireMessage struct {
	ID             string `json:"id"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ContactID      string `json:"contactId"`
	Direction      string `json:"direction"`
	Type           string `json:"type"`
	MessageType    string `json:"messageType"`
	Body           string `json:"body"`
	Message        string `json:"message"`
	Subject        string `json:"subject"`
	DateAdded      string `json:"dateAdded"`
	CreatedAt      string `json:"createdAt"`
	Timestamp      int64  `json:"timestamp"`
	EmailMessageID string `json:"emailMessageId"`
}

// wireConversation is the loose shape conversations arrive in.
type wireConversation struct {
	ID              string `json:"id"`
	ContactID       string `json:"contactId"`
	ContactName     string `json:"contactName"`
	FullName        string `json:"fullName"`
	LastMessageBody string `json:"lastMessageBody"`
	LastMessageDate string `json:"lastMessageDate"`
	DateUpdated     string `json:"dateUpdated"`
	UnreadCount     int    `json:"unreadCount"`
}

// wireContact rides along on realtime pushes.
type wireContact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// wirePush is the realtime "new-message" event payload.
type wirePush struct {
	Conversation *wireConversation `json:"conversation"`
	Contact      *wireContact      `json:"contact"`
	Message      *wireMessage      `json:"message"`
}

// normalizeMessage converts a wire message into the canonical shape.
func normalizeMessage(w *wireMessage) *model.Message {
	id := w.ID
	if id == "" {
		id = w.MessageID
	}
	kind := detectKind(w)
	body := w.Body
	if body == "" {
		body = w.Message
	}

	contentID := w.EmailMessageID
	if contentID == "" {
		contentID = id
	}

	m := &model.Message{
		ID:             id,
		ConversationID: w.ConversationID,
		ContactID:      w.ContactID,
		Direction:      detectDirection(w.Direction),
		Kind:           kind,
		Body:           body,
		Subject:        w.Subject,
		CreatedAt:      parseWhen(w.DateAdded, w.CreatedAt, w.Timestamp),
	}
	if kind == model.KindEmail && body == "" {
		m.NeedsContent = true
		m.ContentID = contentID
	}
	return m
}

// normalizeConversation converts a wire conversation into the canonical shape.
func normalizeConversation(w *wireConversation) *model.Conversation {
	name := w.ContactName
	if name == "" {
		name = w.FullName
	}
	return &model.Conversation{
		ID:                 w.ID,
		ContactID:          w.ContactID,
		ContactName:        name,
		LastMessagePreview: w.LastMessageBody,
		LastMessageAt:      parseWhen(w.LastMessageDate, w.DateUpdated, 0),
		UnreadCount:        w.UnreadCount,
	}
}

func detectDirection(raw string) model.Direction {
	if strings.EqualFold(raw, "outbound") {
		return model.DirectionOutbound
	}
	return model.DirectionInbound
}

func detectKind(w *wireMessage) model.Kind {
	t := w.Type
	if t == "" {
		t = w.MessageType
	}
	upper := strings.ToUpper(t)
	switch {
	case strings.Contains(upper, "SMS"):
		return model.KindSMS
	case strings.Contains(upper, "EMAIL"):
		return model.KindEmail
	default:
		return model.KindActivity
	}
}

// parseWhen resolves the first usable timestamp among the candidate
// fields, falling back to the arrival instant when all are absent.
func parseWhen(primary, secondary string, epochMillis int64) int64 {
	for _, s := range []string{primary, secondary} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UnixMilli()
		}
	}
	if epochMillis > 0 {
		return epochMillis
	}
	return time.Now().UnixMilli()
}
