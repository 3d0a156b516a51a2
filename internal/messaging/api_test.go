package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestAPIEndpointDiscovery(t *testing.T) {
	f, _, _ := newTestFacade(t)
	ts := httptest.NewServer(NewHTTPHandler(f))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/endpoint?realm=default")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["websocket_url"] != "ws://relay.test/ws" {
		t.Errorf("body = %v", body)
	}

	resp, err = http.Get(ts.URL + "/api/endpoint?realm=missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown realm status = %d, want 404", resp.StatusCode)
	}
}

func TestAPIPublish(t *testing.T) {
	f, _, _ := newTestFacade(t)
	ts := httptest.NewServer(NewHTTPHandler(f))
	t.Cleanup(ts.Close)

	received := make(chan map[string]any, 1)
	sub := f.SubscribeToChannel(context.Background(), "guide", func(m map[string]any) { received <- m }, "default")
	t.Cleanup(func() { f.Unsubscribe(sub) })

	resp := postJSON(t, ts.URL+"/api/publish", map[string]any{
		"channel": "guide",
		"message": map[string]any{"text": "over http"},
		"realm":   "default",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != StatusPublished {
		t.Errorf("body = %v", body)
	}

	select {
	case m := <-received:
		if m["text"] != "over http" {
			t.Errorf("got %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestAPIPublishValidation(t *testing.T) {
	f, _, _ := newTestFacade(t)
	ts := httptest.NewServer(NewHTTPHandler(f))
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/api/publish", map[string]any{"message": map[string]any{}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing channel status = %d, want 400", resp.StatusCode)
	}
}

func TestAPIMessageLifecycle(t *testing.T) {
	f, _, _ := newTestFacade(t)
	ts := httptest.NewServer(NewHTTPHandler(f))
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{
		"sender_id":    "user-1",
		"recipient_id": "user-2",
		"channel":      "guide",
		"content":      "hello",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := decodeBody(t, resp)["message_id"].(string)

	resp, err := http.Get(ts.URL + "/api/messages/" + id + "/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d", resp.StatusCode)
	}
	if s := decodeBody(t, resp)["status"]; s != "delivered" {
		t.Errorf("message status = %v", s)
	}

	resp, err = http.Get(ts.URL + "/api/messages?recipient_id=user-2")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	body := decodeBody(t, resp)
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Errorf("messages = %v", body)
	}
}

func TestAPISendToConnection(t *testing.T) {
	f, _, sender := newTestFacade(t)
	ts := httptest.NewServer(NewHTTPHandler(f))
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/api/send", map[string]any{
		"connection_id": "conn-1",
		"message":       map[string]any{"push": true},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if decodeBody(t, resp)["success"] != true {
		t.Error("expected success true")
	}
	if sender.sent["conn-1"] == nil {
		t.Error("sender never called")
	}
}

func TestAPIEvents(t *testing.T) {
	f, _, _ := newTestFacade(t)
	ts := httptest.NewServer(NewHTTPHandler(f))
	t.Cleanup(ts.Close)

	received := make(chan map[string]any, 1)
	sub, err := f.SubscribeToEvents(context.Background(), "sync.done", func(m map[string]any) { received <- m })
	if err != nil {
		t.Fatalf("SubscribeToEvents: %v", err)
	}
	t.Cleanup(func() { f.UnsubscribeFromEvents(sub) })

	resp := postJSON(t, ts.URL+"/api/events", map[string]any{
		"event": "sync.done",
		"data":  map[string]any{"items": float64(3)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case m := <-received:
		if m["items"] != float64(3) {
			t.Errorf("event = %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event never arrived")
	}
}
