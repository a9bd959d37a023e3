package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tradelinehq/convo/internal/model"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok-123", "loc-1", WithHTTPClient(srv.Client()))
}

func TestListMessages(t *testing.T) {
	var gotPath, gotAuth string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("limit") != "20" || r.URL.Query().Get("offset") != "40" {
			t.Errorf("query = %q, want limit=20&offset=40", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{
			"messages": [
				{"id": "m1", "direction": "inbound", "type": "SMS", "body": "hi", "dateAdded": "2025-03-01T10:30:00Z"},
				{"messageId": "m2", "direction": "outbound", "messageType": "TYPE_SMS", "message": "yo", "timestamp": 1740000000000}
			],
			"pagination": {"total": 95, "limit": 20, "offset": 40, "hasMore": true}
		}`))
	})

	page, err := c.ListMessages(context.Background(), "conv-1", 20, 40)
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/conversations/conv-1/messages" {
		t.Errorf("path = %q, want /conversations/conv-1/messages", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth = %q, want Bearer tok-123", gotAuth)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(page.Messages))
	}
	if page.Messages[1].ID != "m2" || page.Messages[1].Body != "yo" {
		t.Errorf("second message = %+v, want id=m2 body=yo (wire fallbacks)", page.Messages[1])
	}
	if page.Messages[1].CreatedAt != 1740000000000 {
		t.Errorf("CreatedAt = %d, want 1740000000000", page.Messages[1].CreatedAt)
	}

	// hasMore comes from the metadata, never from page length.
	want := model.PageInfo{Total: 95, Limit: 20, Offset: 40, HasMore: true}
	if page.Info != want {
		t.Errorf("Info = %+v, want %+v", page.Info, want)
	}
}

func TestListConversations(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("locationId") != "loc-1" {
			t.Errorf("locationId = %q, want loc-1", r.URL.Query().Get("locationId"))
		}
		if r.URL.Query().Get("filter") != "alice" {
			t.Errorf("filter = %q, want alice", r.URL.Query().Get("filter"))
		}
		_, _ = w.Write([]byte(`{"conversations": [
			{"id": "c1", "contactId": "k1", "fullName": "Alice", "unreadCount": 2}
		]}`))
	})

	convs, err := c.ListConversations(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if convs[0].ContactName != "Alice" || convs[0].UnreadCount != 2 {
		t.Errorf("conversation = %+v, want Alice with 2 unread", convs[0])
	}
}

func TestFetchContent(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/messages/m9/content" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"body": "plain", "richBody": "<p>rich</p>", "subject": "Re: hello"}`))
	})

	content, err := c.FetchContent(context.Background(), "m9")
	if err != nil {
		t.Fatal(err)
	}
	if content.Body != "plain" || content.RichBody != "<p>rich</p>" || content.Subject != "Re: hello" {
		t.Errorf("content = %+v", content)
	}
}

func TestSendMessage(t *testing.T) {
	var gotKey string
	var gotBody map[string]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"accepted": true}`))
	})

	p := model.SendPayload{
		ConversationID: "c1",
		ContactID:      "k1",
		Kind:           model.KindSMS,
		Body:           "hello",
	}
	if err := c.SendMessage(context.Background(), p, "temp-42"); err != nil {
		t.Fatal(err)
	}

	if gotKey != "temp-42" {
		t.Errorf("idempotency key = %q, want temp-42", gotKey)
	}
	if gotBody["type"] != "SMS" || gotBody["conversationId"] != "c1" || gotBody["message"] != "hello" {
		t.Errorf("request body = %+v", gotBody)
	}
	if _, ok := gotBody["subject"]; ok {
		t.Error("subject present in sms payload, want omitted")
	}
}

func TestSendMessageNotAccepted(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accepted": false}`))
	})

	err := c.SendMessage(context.Background(), model.SendPayload{Kind: model.KindSMS}, "t1")
	if !errors.Is(err, ErrNotAccepted) {
		t.Errorf("err = %v, want ErrNotAccepted", err)
	}
}

// TestSendMessageFalseNegative pins the one backend response that reports
// failure for a send that actually went through. The client surfaces it
// as a plain APIError; classification stays with the caller.
func TestSendMessageFalseNegative(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "Failed to send SMS"}`))
	})

	err := c.SendMessage(context.Background(), model.SendPayload{Kind: model.KindSMS}, "t1")
	if err == nil {
		t.Fatal("err = nil, want APIError")
	}
	if !IsFalseNegativeSend(err) {
		t.Errorf("IsFalseNegativeSend(%v) = false, want true", err)
	}
}

func TestSendMessageRealFailure(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "database timeout"}`))
	})

	err := c.SendMessage(context.Background(), model.SendPayload{Kind: model.KindSMS}, "t1")
	if err == nil {
		t.Fatal("err = nil, want APIError")
	}
	if IsFalseNegativeSend(err) {
		t.Error("IsFalseNegativeSend = true for a genuine failure, want false")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusInternalServerError || apiErr.Message != "database timeout" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestFalseNegativeIgnoresOtherStatuses(t *testing.T) {
	err := &APIError{Status: http.StatusBadGateway, Message: "Failed to send SMS"}
	if IsFalseNegativeSend(err) {
		t.Error("matched on 502, want 500 only")
	}
	if IsFalseNegativeSend(errors.New("Failed to send SMS")) {
		t.Error("matched a non-APIError, want false")
	}
}

func TestAPIErrorEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"error key", `{"error": "nope"}`, "nope"},
		{"message key", `{"message": "denied"}`, "denied"},
		{"raw body", `plain text failure`, "plain text failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newAPIError(422, []byte(tt.body))
			if e.Message != tt.want {
				t.Errorf("Message = %q, want %q", e.Message, tt.want)
			}
			if e.Status != 422 {
				t.Errorf("Status = %d, want 422", e.Status)
			}
		})
	}
}

func TestSendEmailIncludesSubject(t *testing.T) {
	var gotBody map[string]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"accepted": true}`))
	})

	p := model.SendPayload{
		ConversationID: "c1",
		Kind:           model.KindEmail,
		Body:           "body",
		Subject:        "Re: invoice",
	}
	if err := c.SendMessage(context.Background(), p, "t2"); err != nil {
		t.Fatal(err)
	}
	if gotBody["type"] != "Email" || gotBody["subject"] != "Re: invoice" {
		t.Errorf("request body = %+v", gotBody)
	}
}
