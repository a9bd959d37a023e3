package crm

import (
	"testing"
	"time"

	"github.com/tradelinehq/convo/internal/model"
)

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name string
		wire wireMessage
		want model.Kind
	}{
		{"plain sms", wireMessage{Type: "SMS"}, model.KindSMS},
		{"prefixed sms", wireMessage{Type: "TYPE_SMS"}, model.KindSMS},
		{"lowercase sms", wireMessage{Type: "sms"}, model.KindSMS},
		{"plain email", wireMessage{Type: "Email"}, model.KindEmail},
		{"prefixed email", wireMessage{Type: "TYPE_EMAIL"}, model.KindEmail},
		{"messageType fallback", wireMessage{MessageType: "TYPE_SMS"}, model.KindSMS},
		{"type wins over messageType", wireMessage{Type: "Email", MessageType: "TYPE_SMS"}, model.KindEmail},
		{"call", wireMessage{Type: "TYPE_CALL"}, model.KindActivity},
		{"empty", wireMessage{}, model.KindActivity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectKind(&tt.wire)
			if got != tt.want {
				t.Errorf("detectKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectDirection(t *testing.T) {
	tests := []struct {
		raw  string
		want model.Direction
	}{
		{"outbound", model.DirectionOutbound},
		{"OUTBOUND", model.DirectionOutbound},
		{"inbound", model.DirectionInbound},
		{"", model.DirectionInbound},
		{"garbage", model.DirectionInbound},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := detectDirection(tt.raw)
			if got != tt.want {
				t.Errorf("detectDirection(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseWhen(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC).UnixMilli()

	if got := parseWhen("2025-03-01T10:30:00Z", "", 0); got != want {
		t.Errorf("primary RFC3339 = %d, want %d", got, want)
	}
	if got := parseWhen("2025-03-01T10:30:00.000Z", "", 0); got != want {
		t.Errorf("primary RFC3339Nano = %d, want %d", got, want)
	}
	if got := parseWhen("", "2025-03-01T10:30:00Z", 0); got != want {
		t.Errorf("secondary fallback = %d, want %d", got, want)
	}
	if got := parseWhen("not-a-date", "2025-03-01T10:30:00Z", 0); got != want {
		t.Errorf("unparseable primary = %d, want %d (secondary)", got, want)
	}
	if got := parseWhen("", "", 1234567890123); got != 1234567890123 {
		t.Errorf("epoch fallback = %d, want 1234567890123", got)
	}

	// All candidates absent: the arrival instant stands in.
	before := time.Now().UnixMilli()
	got := parseWhen("", "", 0)
	after := time.Now().UnixMilli()
	if got < before || got > after {
		t.Errorf("fallback = %d, want between %d and %d", got, before, after)
	}
}

func TestNormalizeMessageFieldFallbacks(t *testing.T) {
	m := normalizeMessage(&wireMessage{
		MessageID:      "m1",
		ConversationID: "c1",
		Direction:      "outbound",
		Type:           "SMS",
		Message:        "hello",
		DateAdded:      "2025-03-01T10:30:00Z",
	})

	if m.ID != "m1" {
		t.Errorf("ID = %q, want m1 (messageId fallback)", m.ID)
	}
	if m.Body != "hello" {
		t.Errorf("Body = %q, want hello (message fallback)", m.Body)
	}
	if m.Direction != model.DirectionOutbound {
		t.Errorf("Direction = %q, want outbound", m.Direction)
	}
	if m.Kind != model.KindSMS {
		t.Errorf("Kind = %q, want sms", m.Kind)
	}
	if m.NeedsContent {
		t.Error("NeedsContent = true, want false for sms")
	}
}

func TestNormalizeMessageEmailStub(t *testing.T) {
	m := normalizeMessage(&wireMessage{
		ID:             "m2",
		Type:           "TYPE_EMAIL",
		EmailMessageID: "em2",
	})

	if !m.NeedsContent {
		t.Fatal("NeedsContent = false, want true for empty email body")
	}
	if m.ContentID != "em2" {
		t.Errorf("ContentID = %q, want em2", m.ContentID)
	}
}

func TestNormalizeMessageEmailStubContentIDFallback(t *testing.T) {
	m := normalizeMessage(&wireMessage{ID: "m3", Type: "Email"})

	if !m.NeedsContent {
		t.Fatal("NeedsContent = false, want true")
	}
	if m.ContentID != "m3" {
		t.Errorf("ContentID = %q, want m3 (message id fallback)", m.ContentID)
	}
}

func TestNormalizeMessageEmailWithBody(t *testing.T) {
	m := normalizeMessage(&wireMessage{ID: "m4", Type: "Email", Body: "full text"})

	if m.NeedsContent {
		t.Error("NeedsContent = true, want false when body present")
	}
	if m.Body != "full text" {
		t.Errorf("Body = %q, want 'full text'", m.Body)
	}
}

func TestNormalizeConversationNameFallback(t *testing.T) {
	c := normalizeConversation(&wireConversation{
		ID:          "c1",
		FullName:    "Alice Example",
		UnreadCount: 3,
	})

	if c.ContactName != "Alice Example" {
		t.Errorf("ContactName = %q, want 'Alice Example' (fullName fallback)", c.ContactName)
	}
	if c.UnreadCount != 3 {
		t.Errorf("UnreadCount = %d, want 3", c.UnreadCount)
	}
}
