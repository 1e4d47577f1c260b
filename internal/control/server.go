// Package control provides a Unix socket control interface for the
// running Tether daemon. The status and queue subcommands talk to it.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/coinstash/tether/internal/protocol"
	"github.com/coinstash/tether/internal/queue"
)

// HostInfo exposes daemon state to the control interface.
type HostInfo interface {
	// DeviceID returns this host's device identity.
	DeviceID() string

	// Paired reports whether a pairing record exists.
	Paired() bool

	// RelayState returns the relay connection state name.
	RelayState() string

	// Peers returns the current presence roster.
	Peers() []protocol.PresenceInfo

	// SessionCount returns the number of live agent sessions.
	SessionCount() int

	// QueueStats returns offline queue statistics.
	QueueStats() (*queue.Stats, error)

	// ClearFailedCommands removes failed queue entries and returns the
	// number cleared.
	ClearFailedCommands() (int64, error)
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	DeviceID   string                  `json:"device_id"`
	Paired     bool                    `json:"paired"`
	RelayState string                  `json:"relay_state"`
	Peers      []protocol.PresenceInfo `json:"peers"`
	Sessions   int                     `json:"sessions"`
}

// QueueResponse is the response for the queue endpoint.
type QueueResponse struct {
	Stats *queue.Stats `json:"stats"`
}

// ClearFailedResponse is the response for the clear-failed endpoint.
type ClearFailedResponse struct {
	Cleared int64 `json:"cleared"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	host     HostInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, host HostInfo) *Server {
	s := &Server{
		cfg:  cfg,
		host: host,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/queue/clear-failed", s.handleClearFailed)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := s.host.Peers()
	if peers == nil {
		peers = []protocol.PresenceInfo{}
	}

	writeJSON(w, StatusResponse{
		DeviceID:   s.host.DeviceID(),
		Paired:     s.host.Paired(),
		RelayState: s.host.RelayState(),
		Peers:      peers,
		Sessions:   s.host.SessionCount(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.host.QueueStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, QueueResponse{Stats: stats})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cleared, err := s.host.ClearFailedCommands()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, ClearFailedResponse{Cleared: cleared})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
