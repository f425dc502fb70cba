package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("TOKEN",
		WithBaseURL(srv.URL),
		WithMaxRetries(2),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
	)
	c.minSendInterval = 0
	return c
}

func ok(result string) string {
	return `{"ok":true,"result":` + result + `}`
}

func TestSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(ok("{}")))
	})

	err := c.Send(context.Background(), Outbound{
		ChatID: 7,
		Text:   "hello",
		Buttons: [][]Button{
			{{Label: "Yes", CallbackData: "prompt:y"}},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["text"] != "hello" || gotBody["chat_id"].(float64) != 7 {
		t.Errorf("body = %v", gotBody)
	}
	if _, hasMarkup := gotBody["reply_markup"]; !hasMarkup {
		t.Error("expected reply_markup on the message")
	}
}

func TestSendSplitsAndButtonsOnLastChunk(t *testing.T) {
	var bodies []map[string]interface{}
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var b map[string]interface{}
		json.NewDecoder(r.Body).Decode(&b)
		bodies = append(bodies, b)
		w.Write([]byte(ok("{}")))
	})

	text := strings.Repeat("x", 4500)
	err := c.Send(context.Background(), Outbound{
		ChatID:  7,
		Text:    text,
		Buttons: [][]Button{{{Label: "Go", CallbackData: "refresh:now"}}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(bodies))
	}
	if _, has := bodies[0]["reply_markup"]; has {
		t.Error("buttons on first chunk")
	}
	if _, has := bodies[1]["reply_markup"]; !has {
		t.Error("no buttons on last chunk")
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(ok("{}")))
	})

	if err := c.Send(context.Background(), Outbound{ChatID: 7, Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestSendDoesNotRetryAPIErrors(t *testing.T) {
	var calls atomic.Int64
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
	})

	err := c.Send(context.Background(), Outbound{ChatID: 7, Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestGetUpdatesFlattensAndAdvancesOffset(t *testing.T) {
	result := `[
		{"update_id":10,"message":{"message_id":1,"from":{"id":42},"chat":{"id":420},"text":"ls"}},
		{"update_id":11,"callback_query":{"id":"cb1","from":{"id":42},"data":"tab:list","message":{"message_id":2,"chat":{"id":420}}}},
		{"update_id":12,"edited_message":{}}
	]`
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ok(result)))
	})

	updates, next, err := c.GetUpdates(context.Background(), 0, time.Second)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if next != 13 {
		t.Errorf("next offset = %d, want 13", next)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %+v", updates)
	}
	msg := updates[0]
	if msg.UserID != "42" || msg.ChatID != 420 || msg.Text != "ls" || msg.CallbackData != "" {
		t.Errorf("message update = %+v", msg)
	}
	cb := updates[1]
	if cb.UserID != "42" || cb.CallbackData != "tab:list" || cb.CallbackID != "cb1" || cb.ChatID != 420 {
		t.Errorf("callback update = %+v", cb)
	}
}

func TestRetryableErrorUnwrap(t *testing.T) {
	inner := context.DeadlineExceeded
	e := &RetryableError{Err: inner}
	if e.Unwrap() != inner {
		t.Error("Unwrap mismatch")
	}
	if !isRetryableError(e) || isRetryableError(inner) || isRetryableError(nil) {
		t.Error("isRetryableError misclassifies")
	}
}
