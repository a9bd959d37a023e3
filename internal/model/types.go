package model

// Direction of a message relative to the local user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Kind of message payload.
type Kind string

const (
	KindSMS      Kind = "sms"
	KindEmail    Kind = "email"
	KindActivity Kind = "activity"
)

// Status of a not-yet-confirmed message. Confirmed messages carry no
// status; they are implicitly delivered.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message is the canonical message shape used everywhere past the
// transport boundary. Exactly one of ID/TempID identifies a timeline row:
// server-confirmed messages have ID set, optimistic ones only TempID.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	ContactID      string
	Direction      Direction
	Kind           Kind
	Body           string
	RichBody       string
	Subject        string
	CreatedAt      int64 // unix milliseconds
	NeedsContent   bool
	ContentID      string
	Status         Status
}

// Confirmed reports whether the server has assigned this message an id.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// Key returns the merge identity: the server id once confirmed, the
// client tempId before that.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Conversation is a contact's message thread. Conversations are created
// server-side on the first message to a contact; clients only create
// messages within one.
type Conversation struct {
	ID                 string
	ContactID          string
	ContactName        string
	LastMessagePreview string
	LastMessageAt      int64
	UnreadCount        int
}

// SendPayload carries everything needed to issue (or re-issue) a send.
type SendPayload struct {
	ConversationID string
	ContactID      string
	Kind           Kind
	Body           string
	Subject        string
}

// PageInfo is the backend's pagination metadata. HasMore comes from here
// and never from counting the page.
type PageInfo struct {
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// Page is one ordered slice of history plus its pagination metadata.
type Page struct {
	Messages []Message
	Info     PageInfo
}

// Content is a hydrated message body.
type Content struct {
	Body     string
	RichBody string
	Subject  string
}
