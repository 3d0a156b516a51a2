package gateway

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/symphainy/relay/internal/bus"
	"github.com/symphainy/relay/internal/registry"
	"github.com/symphainy/relay/internal/session"
)

func newTestServer(t *testing.T, limits registry.Limits, codes CloseCodes) (*Server, *bus.Bus, *registry.Registry, string) {
	t.Helper()
	logger := slog.Default()
	broker := bus.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	b := bus.New(broker, bus.ChannelPrefix, logger)

	reg := registry.New(session.Static{"tok-1": "user-1"}, limits, logger)
	if codes == (CloseCodes{}) {
		codes = CloseCodes{ValidationFailed: 4001, UserLimit: 4004, GlobalLimit: 4005}
	}
	srv := New(Config{
		Registry:   reg,
		Bus:        b,
		CloseCodes: codes,
		InstanceID: "test-gateway",
		Logger:     logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return srv, b, reg, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWelcomeFrame(t *testing.T) {
	_, _, _, url := newTestServer(t, registry.Limits{}, CloseCodes{})
	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	welcome := readFrame(t, conn)
	if welcome["type"] != "system" {
		t.Errorf("welcome type = %v, want system", welcome["type"])
	}
	id, _ := welcome["connection_id"].(string)
	if id == "" {
		t.Error("welcome missing connection_id")
	}
	if !strings.HasPrefix(id, registry.AnonymousBucket+"-") {
		t.Errorf("connection_id %q not derived from anonymous bucket", id)
	}
	if welcome["timestamp"] == nil {
		t.Error("welcome missing timestamp")
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	_, b, _, url := newTestServer(t, registry.Limits{}, CloseCodes{})
	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn) // welcome

	received := make(chan map[string]any, 1)
	sub, err := b.Subscribe(context.Background(), "guide", func(m map[string]any) {
		select {
		case received <- m:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte("this is not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	errFrame := readFrame(t, conn)
	if errFrame["type"] != "error" {
		t.Fatalf("expected error frame, got %v", errFrame)
	}

	// The connection must survive: a valid frame still publishes.
	if err := wsjson.Write(ctx, conn, map[string]any{"channel": "guide", "intent": "ask", "payload": "after"}); err != nil {
		t.Fatalf("write valid frame: %v", err)
	}
	select {
	case m := <-received:
		if m["payload"] != "after" {
			t.Errorf("unexpected published message: %v", m)
		}
		if m["source"] != "test-gateway" {
			t.Errorf("message missing instance metadata: %v", m)
		}
		if m["connection_id"] == nil || m["timestamp"] == nil {
			t.Errorf("message missing metadata: %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("published message never arrived")
	}
}

func TestLegacyEnvelopeRouting(t *testing.T) {
	_, b, _, url := newTestServer(t, registry.Limits{}, CloseCodes{})
	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn)

	guideCh := make(chan map[string]any, 1)
	pillarCh := make(chan map[string]any, 1)
	subG, err := b.Subscribe(context.Background(), "guide", func(m map[string]any) { guideCh <- m })
	if err != nil {
		t.Fatalf("Subscribe guide: %v", err)
	}
	defer b.Unsubscribe(subG)
	subP, err := b.Subscribe(context.Background(), "pillar:content", func(m map[string]any) { pillarCh <- m })
	if err != nil {
		t.Fatalf("Subscribe pillar: %v", err)
	}
	defer b.Unsubscribe(subP)

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, map[string]any{"agent_type": "guide", "message": "to guide"}); err != nil {
		t.Fatalf("write legacy guide: %v", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]any{"agent_type": "pillar", "pillar": "content", "message": "to pillar"}); err != nil {
		t.Fatalf("write legacy pillar: %v", err)
	}

	select {
	case m := <-guideCh:
		if m["payload"] != "to guide" {
			t.Errorf("guide got %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("guide message never arrived")
	}
	select {
	case m := <-pillarCh:
		if m["payload"] != "to pillar" {
			t.Errorf("pillar got %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pillar message never arrived")
	}
}

func TestUserLimitCloseCode(t *testing.T) {
	_, _, _, url := newTestServer(t, registry.Limits{MaxPerUser: 1}, CloseCodes{})
	url += "?session_token=tok-1"

	first := dial(t, url)
	defer first.Close(websocket.StatusNormalClosure, "")
	readFrame(t, first)

	second := dial(t, url)
	defer second.Close(websocket.StatusNormalClosure, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]any
	err := wsjson.Read(ctx, second, &frame)
	if err == nil {
		t.Fatalf("expected close, got frame %v", frame)
	}
	if code := websocket.CloseStatus(err); code != websocket.StatusCode(4004) {
		t.Errorf("close code = %d, want 4004", code)
	}
}

func TestValidationFailedCloseCode(t *testing.T) {
	_, _, _, url := newTestServer(t, registry.Limits{}, CloseCodes{})
	conn := dial(t, url+"?session_token=bogus")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]any
	err := wsjson.Read(ctx, conn, &frame)
	if err == nil {
		t.Fatalf("expected close, got frame %v", frame)
	}
	if code := websocket.CloseStatus(err); code != websocket.StatusCode(4001) {
		t.Errorf("close code = %d, want 4001", code)
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	_, _, reg, url := newTestServer(t, registry.Limits{}, CloseCodes{})
	conn := dial(t, url)
	readFrame(t, conn)
	if reg.Count() != 1 {
		t.Fatalf("Count = %d after connect, want 1", reg.Count())
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(3 * time.Second)
	for reg.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry never drained, Count = %d", reg.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendToConnection(t *testing.T) {
	srv, _, _, url := newTestServer(t, registry.Limits{}, CloseCodes{})
	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	welcome := readFrame(t, conn)
	id := welcome["connection_id"].(string)

	ok := srv.SendToConnection(context.Background(), id, map[string]any{"type": "push", "data": "direct"})
	if !ok {
		t.Fatal("SendToConnection returned false for live connection")
	}
	frame := readFrame(t, conn)
	if frame["type"] != "push" || frame["data"] != "direct" {
		t.Errorf("unexpected pushed frame: %v", frame)
	}

	if srv.SendToConnection(context.Background(), "no-such-id", "x") {
		t.Error("SendToConnection returned true for unknown id")
	}
}

func TestSchemaRejectionSendsErrorFrame(t *testing.T) {
	logger := slog.Default()
	broker := bus.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	b := bus.New(broker, bus.ChannelPrefix, logger)
	reg := registry.New(nil, registry.Limits{}, logger)
	schemas, err := NewSchemaValidator(map[string]string{
		"guide": `{"type":"object","required":["q"]}`,
	})
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}
	srv := New(Config{
		Registry:   reg,
		Bus:        b,
		Schemas:    schemas,
		CloseCodes: CloseCodes{ValidationFailed: 4001, UserLimit: 4004, GlobalLimit: 4005},
		InstanceID: "test-gateway",
		Logger:     logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn)

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, map[string]any{"channel": "guide", "intent": "ask", "payload": "not an object"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Errorf("expected error frame for schema violation, got %v", frame)
	}
}
