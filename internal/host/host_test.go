package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coinstash/tether/internal/bridge"
	"github.com/coinstash/tether/internal/config"
	"github.com/coinstash/tether/internal/control"
	"github.com/coinstash/tether/internal/protocol"
)

type fakeAgent struct {
	events      chan bridge.Event
	prompts     chan string
	permissions chan string
	cancels     chan struct{}
	closed      chan struct{}
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		events:      make(chan bridge.Event, 16),
		prompts:     make(chan string, 16),
		permissions: make(chan string, 16),
		cancels:     make(chan struct{}, 16),
		closed:      make(chan struct{}),
	}
}

func (a *fakeAgent) Events() <-chan bridge.Event { return a.events }

func (a *fakeAgent) Prompt(ctx context.Context, text string) error {
	a.prompts <- text
	return nil
}

func (a *fakeAgent) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	a.permissions <- requestID
	return nil
}

func (a *fakeAgent) Cancel(ctx context.Context) error {
	a.cancels <- struct{}{}
	return nil
}

func (a *fakeAgent) Close() error {
	select {
	case <-a.closed:
	default:
		close(a.closed)
	}
	return nil
}

func newHost(t *testing.T) *Host {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Host.DataDir = dir
	cfg.Relay.Endpoint = "wss://relay.invalid/channel"
	cfg.Server.BaseURL = server.URL
	cfg.Queue.Path = filepath.Join(dir, "queue.db")
	cfg.Control.SocketPath = filepath.Join(dir, "control.sock")
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"

	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func TestNewRequiresServerURL(t *testing.T) {
	cfg := config.Default()
	cfg.Host.DataDir = t.TempDir()
	cfg.Server.BaseURL = ""

	if _, err := New(cfg); err == nil {
		t.Fatal("New() without server.base_url did not fail")
	}
}

func TestStartStop(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()

	if h.IsRunning() {
		t.Fatal("IsRunning() = true before Start")
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop(ctx)

	if !h.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if h.Paired() {
		t.Error("Paired() = true with no pairing record")
	}
	if got := h.RelayState(); got != "disconnected" {
		t.Errorf("RelayState() = %s, want disconnected (unpaired host must not dial)", got)
	}

	stats := h.Stats()
	if stats.Paired || stats.SessionCount != 0 || stats.QueuePending != 0 {
		t.Errorf("Stats() = %+v", stats)
	}

	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	// Second stop is a no-op.
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestControlSurface(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop(ctx)

	client := control.NewClient(h.cfg.Control.SocketPath)
	defer client.Close()

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.DeviceID != h.DeviceID() {
		t.Errorf("status device id = %s, want %s", status.DeviceID, h.DeviceID())
	}
	if status.Paired {
		t.Error("status reports paired on a fresh host")
	}

	qstats, err := client.Queue(ctx)
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if qstats.Stats.Pending != 0 {
		t.Errorf("pending = %d, want 0", qstats.Stats.Pending)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop(ctx)

	agent := newFakeAgent()
	if _, err := h.StartSession(SessionOptions{
		SessionID: "s1",
		AgentType: "claude",
		Agent:     agent,
	}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if got := h.SessionCount(); got != 1 {
		t.Fatalf("SessionCount() = %d, want 1", got)
	}

	// A duplicate session id is rejected.
	if _, err := h.StartSession(SessionOptions{SessionID: "s1", Agent: newFakeAgent()}); err == nil {
		t.Error("StartSession() with duplicate id did not fail")
	}

	h.StopSession("s1")
	if got := h.SessionCount(); got != 0 {
		t.Errorf("SessionCount() after StopSession = %d, want 0", got)
	}
	select {
	case <-agent.closed:
	case <-time.After(time.Second):
		t.Error("agent was not closed on StopSession")
	}
}

func TestStartSessionValidation(t *testing.T) {
	h := newHost(t)

	if _, err := h.StartSession(SessionOptions{SessionID: "", Agent: newFakeAgent()}); err == nil {
		t.Error("StartSession() without id did not fail")
	}
	if _, err := h.StartSession(SessionOptions{SessionID: "s1", Agent: nil}); err == nil {
		t.Error("StartSession() without agent did not fail")
	}
}

func TestDispatchRoutesBySession(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop(ctx)

	agentA := newFakeAgent()
	agentB := newFakeAgent()
	for id, agent := range map[string]*fakeAgent{"s1": agentA, "s2": agentB} {
		if _, err := h.StartSession(SessionOptions{SessionID: id, Agent: agent}); err != nil {
			t.Fatalf("StartSession(%s) error = %v", id, err)
		}
	}

	payload, _ := json.Marshal(protocol.ChatPayload{SessionID: "s1", Text: "hello"})
	h.dispatch(&protocol.Message{
		ID:             "m1",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Type:           protocol.TypeChat,
		SenderDeviceID: "dev-mobile",
		SenderType:     protocol.SenderMobile,
		Payload:        payload,
	})

	select {
	case text := <-agentA.prompts:
		if text != "hello" {
			t.Errorf("prompt = %q, want hello", text)
		}
	case <-time.After(time.Second):
		t.Fatal("session s1 never received the prompt")
	}
	select {
	case text := <-agentB.prompts:
		t.Errorf("session s2 received prompt %q for s1", text)
	default:
	}
}

func TestDispatchUnknownSessionDropped(t *testing.T) {
	h := newHost(t)

	payload, _ := json.Marshal(protocol.ChatPayload{SessionID: "ghost", Text: "anyone?"})
	// Must not panic with no sessions registered.
	h.dispatch(&protocol.Message{
		ID:      "m1",
		Type:    protocol.TypeChat,
		Payload: payload,
	})
}

func TestPayloadSessionID(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"session_id":"s1","text":"hi"}`, "s1"},
		{`{"text":"hi"}`, ""},
		{``, ""},
		{`not json`, ""},
	}
	for _, tt := range tests {
		if got := payloadSessionID(json.RawMessage(tt.payload)); got != tt.want {
			t.Errorf("payloadSessionID(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestPairingBootstrap(t *testing.T) {
	h := newHost(t)

	if b := h.PairingBootstrap("user-1"); b == nil {
		t.Fatal("PairingBootstrap() returned nil")
	}
}
