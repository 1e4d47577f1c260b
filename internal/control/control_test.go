package control

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coinstash/tether/internal/protocol"
	"github.com/coinstash/tether/internal/queue"
)

type fakeHost struct {
	paired   bool
	state    string
	peers    []protocol.PresenceInfo
	sessions int
	stats    *queue.Stats
	cleared  int64
}

func (h *fakeHost) DeviceID() string                 { return "dev-local" }
func (h *fakeHost) Paired() bool                     { return h.paired }
func (h *fakeHost) RelayState() string               { return h.state }
func (h *fakeHost) Peers() []protocol.PresenceInfo   { return h.peers }
func (h *fakeHost) SessionCount() int                { return h.sessions }
func (h *fakeHost) QueueStats() (*queue.Stats, error) { return h.stats, nil }
func (h *fakeHost) ClearFailedCommands() (int64, error) {
	n := h.cleared
	h.cleared = 0
	return n, nil
}

func startServer(t *testing.T, host HostInfo) (*Server, *Client) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, host)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client := NewClient(socketPath)
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestStatus(t *testing.T) {
	host := &fakeHost{
		paired: true,
		state:  "connected",
		peers: []protocol.PresenceInfo{
			{DeviceID: "dev-mobile", DeviceType: protocol.DeviceMobile, Platform: "ios"},
		},
		sessions: 2,
	}
	_, client := startServer(t, host)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if status.DeviceID != "dev-local" || !status.Paired {
		t.Errorf("status = %+v", status)
	}
	if status.RelayState != "connected" {
		t.Errorf("RelayState = %s", status.RelayState)
	}
	if len(status.Peers) != 1 || status.Peers[0].DeviceID != "dev-mobile" {
		t.Errorf("Peers = %+v", status.Peers)
	}
	if status.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", status.Sessions)
	}
}

func TestQueue(t *testing.T) {
	host := &fakeHost{
		stats: &queue.Stats{Pending: 3, Failed: 1},
	}
	_, client := startServer(t, host)

	resp, err := client.Queue(context.Background())
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if resp.Stats.Pending != 3 || resp.Stats.Failed != 1 {
		t.Errorf("stats = %+v", resp.Stats)
	}
}

func TestClearFailed(t *testing.T) {
	host := &fakeHost{cleared: 4}
	_, client := startServer(t, host)

	resp, err := client.ClearFailed(context.Background())
	if err != nil {
		t.Fatalf("ClearFailed() error = %v", err)
	}
	if resp.Cleared != 4 {
		t.Errorf("Cleared = %d, want 4", resp.Cleared)
	}
}

func TestClearFailedRequiresPost(t *testing.T) {
	srv, client := startServer(t, &fakeHost{})
	_ = srv

	req, _ := http.NewRequest(http.MethodGet, "http://localhost/queue/clear-failed", nil)
	resp, err := client.httpClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestStopIdempotent(t *testing.T) {
	srv, _ := startServer(t, &fakeHost{})

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}
