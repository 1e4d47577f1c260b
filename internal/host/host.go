// Package host implements the daemon orchestration for Tether: it
// owns the identity, key material, offline queue, relay connection,
// live session bridges, and the control and health servers.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinstash/tether/internal/bridge"
	"github.com/coinstash/tether/internal/config"
	"github.com/coinstash/tether/internal/control"
	"github.com/coinstash/tether/internal/crypto"
	"github.com/coinstash/tether/internal/directory"
	"github.com/coinstash/tether/internal/health"
	"github.com/coinstash/tether/internal/identity"
	"github.com/coinstash/tether/internal/keystore"
	"github.com/coinstash/tether/internal/logging"
	"github.com/coinstash/tether/internal/metrics"
	"github.com/coinstash/tether/internal/pairing"
	"github.com/coinstash/tether/internal/protocol"
	"github.com/coinstash/tether/internal/queue"
	"github.com/coinstash/tether/internal/relay"
	"github.com/coinstash/tether/internal/rowstore"
	"github.com/coinstash/tether/internal/sleep"
	"github.com/coinstash/tether/internal/sysinfo"
)

// Host is the running Tether daemon.
type Host struct {
	cfg      *config.Config
	logger   *slog.Logger
	deviceID identity.DeviceID

	store *keystore.FileStore
	vault *keystore.Vault
	queue *queue.Queue
	rows  *rowstore.Client
	dir   *directory.Client
	svc   *crypto.Service
	relay *relay.Manager

	controlSrv *control.Server
	healthSrv  *health.Server
	metrics    *metrics.Metrics
	wake       *sleep.Detector

	mu       sync.Mutex
	sessions map[string]*bridge.SessionBridge

	running atomic.Bool
}

// New creates a host from configuration. It initializes every
// component but opens no network connections; call Start for that.
func New(cfg *config.Config) (*Host, error) {
	if cfg.Server.BaseURL == "" {
		return nil, errors.New("host: server.base_url is required")
	}

	logger := logging.NewLogger(cfg.Host.LogLevel, cfg.Host.LogFormat)

	deviceID, created, err := identity.LoadOrCreate(cfg.Host.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load device identity: %w", err)
	}
	if created {
		logger.Info("created device identity", logging.KeyDeviceID, deviceID.String())
	}

	store, err := keystore.NewFileStore(filepath.Join(cfg.Host.DataDir, "keystore"))
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	vault := keystore.NewVault(store)

	queuePath := cfg.Queue.Path
	if queuePath == "" {
		queuePath = filepath.Join(cfg.Host.DataDir, "queue.db")
	}
	q, err := queue.Open(queue.Config{
		Path:        queuePath,
		DefaultTTL:  cfg.Queue.DefaultTTL,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Retention:   cfg.Queue.Retention,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	rows, err := rowstore.NewClient(rowstore.Config{
		BaseURL:   cfg.Server.BaseURL,
		AuthToken: cfg.Server.AuthToken,
		Timeout:   cfg.Server.Timeout,
	})
	if err != nil {
		q.Close()
		return nil, err
	}

	dir := directory.NewClient(rows)
	svc := crypto.NewService(vault, dir)
	met := metrics.Default()

	h := &Host{
		cfg:      cfg,
		logger:   logger,
		deviceID: deviceID,
		store:    store,
		vault:    vault,
		queue:    q,
		rows:     rows,
		dir:      dir,
		svc:      svc,
		metrics:  met,
		sessions: make(map[string]*bridge.SessionBridge),
	}

	h.relay = relay.NewManager(relay.Options{
		Config:   cfg.Relay,
		DeviceID: deviceID.String(),
		Store:    store,
		Queue:    q,
		Crypto:   svc,
		Logger:   logger,
		Metrics:  met,
	})
	h.relay.OnMessage(h.dispatch)

	// After a suspend the relay socket may be dead without an error;
	// redial as soon as the clock jump is noticed.
	h.wake = sleep.NewDetector(sleep.DefaultConfig(), func(gap time.Duration) {
		if !h.running.Load() {
			return
		}
		logger.Info("redialing relay after wake", logging.KeyDuration, gap)
		if err := h.relay.Redial(context.Background()); err != nil {
			logger.Warn("redial after wake failed", logging.KeyError, err)
		}
	}, logger)

	if cfg.Control.Enabled {
		h.controlSrv = control.NewServer(control.ServerConfig{
			SocketPath:   cfg.Control.SocketPath,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, h)
	}
	if cfg.Health.Enabled {
		h.healthSrv = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, h)
	}

	return h, nil
}

// Start brings the daemon up: servers first, then the relay. A
// failed relay connection is not fatal; the reconnector keeps trying.
func (h *Host) Start(ctx context.Context) error {
	if h.running.Swap(true) {
		return nil
	}

	if h.controlSrv != nil {
		if err := h.controlSrv.Start(); err != nil {
			h.running.Store(false)
			return fmt.Errorf("start control server: %w", err)
		}
		h.logger.Info("control socket listening",
			logging.KeyEndpoint, h.controlSrv.SocketPath())
	}
	if h.healthSrv != nil {
		if err := h.healthSrv.Start(); err != nil {
			h.running.Store(false)
			if h.controlSrv != nil {
				h.controlSrv.Stop()
			}
			return fmt.Errorf("start health server: %w", err)
		}
		h.logger.Info("health server listening",
			logging.KeyEndpoint, h.healthSrv.Address())
	}

	// Refresh our directory entry on every start; key rotation on
	// another machine with the same account must not go stale.
	if h.Paired() {
		if err := h.svc.RegisterPublicKey(ctx, h.deviceID.String()); err != nil {
			h.logger.Warn("key refresh failed", logging.KeyError, err)
		}
	}

	if err := h.relay.Connect(ctx); err != nil {
		h.logger.Warn("initial relay connection failed, retrying in background",
			logging.KeyError, err)
	}

	h.wake.Start()

	return nil
}

// Stop shuts the daemon down: sessions, relay, servers, queue.
func (h *Host) Stop(ctx context.Context) error {
	if !h.running.Swap(false) {
		return nil
	}

	h.mu.Lock()
	sessions := make([]*bridge.SessionBridge, 0, len(h.sessions))
	for _, b := range h.sessions {
		sessions = append(sessions, b)
	}
	h.mu.Unlock()
	for _, b := range sessions {
		b.Stop()
	}

	h.wake.Stop()
	h.relay.Close()

	var errs []error
	if h.healthSrv != nil {
		if err := h.healthSrv.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.controlSrv != nil {
		if err := h.controlSrv.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.queue.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Relay returns the relay manager.
func (h *Host) Relay() *relay.Manager { return h.relay }

// PairingBootstrap returns a bootstrap bound to this host's stores.
func (h *Host) PairingBootstrap(userID string) *pairing.Bootstrap {
	return pairing.NewBootstrap(pairing.Options{
		Store:    h.store,
		Crypto:   h.svc,
		Dir:      h.dir,
		Rows:     h.rows,
		DeviceID: h.deviceID.String(),
		UserID:   userID,
		Logger:   h.logger,
	})
}

// SessionOptions configures a new agent session.
type SessionOptions struct {
	SessionID   string
	AgentType   string
	ProjectPath string
	Agent       bridge.Agent
}

// StartSession attaches an agent to the relay under a new bridge.
func (h *Host) StartSession(opts SessionOptions) (*bridge.SessionBridge, error) {
	if opts.SessionID == "" || opts.Agent == nil {
		return nil, errors.New("host: session id and agent are required")
	}

	h.mu.Lock()
	if _, exists := h.sessions[opts.SessionID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("host: session %s already exists", opts.SessionID)
	}
	h.mu.Unlock()

	b := bridge.NewSessionBridge(bridge.Options{
		SessionID:   opts.SessionID,
		MachineID:   h.deviceID.String(),
		AgentType:   opts.AgentType,
		ProjectPath: opts.ProjectPath,
		Agent:       opts.Agent,
		Sender:      h.relay,
		Rows:        h.rows,
		Logger:      h.logger,
		OnStop:      func() { h.removeSession(opts.SessionID) },
	})

	h.mu.Lock()
	h.sessions[opts.SessionID] = b
	h.mu.Unlock()

	b.Start()
	h.logger.Info("session started", logging.KeySessionID, opts.SessionID)
	return b, nil
}

// StopSession stops and detaches one session.
func (h *Host) StopSession(sessionID string) {
	h.mu.Lock()
	b, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	b.Stop()
	h.removeSession(sessionID)
}

func (h *Host) removeSession(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// dispatch routes an inbound relay message to its session bridge. A
// message naming an unknown session is dropped; one without a session
// id goes to every live bridge.
func (h *Host) dispatch(msg *protocol.Message) {
	sid := payloadSessionID(msg.Payload)

	h.mu.Lock()
	var targets []*bridge.SessionBridge
	if sid != "" {
		if b, ok := h.sessions[sid]; ok {
			targets = append(targets, b)
		}
	} else {
		for _, b := range h.sessions {
			targets = append(targets, b)
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.logger.Debug("no session for inbound message",
			logging.KeyMessageID, msg.ID,
			logging.KeySessionID, sid)
		return
	}

	ctx := context.Background()
	for _, b := range targets {
		b.HandleMessage(ctx, msg)
	}
}

// payloadSessionID extracts the session id shared by all payload types.
func payloadSessionID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}

// Control/health surfaces.

// DeviceID returns the host device identity.
func (h *Host) DeviceID() string { return h.deviceID.String() }

// Paired reports whether a pairing record exists.
func (h *Host) Paired() bool {
	_, err := keystore.LoadPairing(h.store)
	return err == nil
}

// RelayState returns the relay connection state name.
func (h *Host) RelayState() string { return h.relay.State().String() }

// Peers returns the current presence roster.
func (h *Host) Peers() []protocol.PresenceInfo { return h.relay.Presence() }

// SessionCount returns the number of live sessions.
func (h *Host) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// QueueStats returns offline queue statistics.
func (h *Host) QueueStats() (*queue.Stats, error) { return h.queue.Stats() }

// ClearFailedCommands removes failed queue entries.
func (h *Host) ClearFailedCommands() (int64, error) { return h.queue.ClearFailed() }

// IsRunning reports whether the daemon is up.
func (h *Host) IsRunning() bool { return h.running.Load() }

// Stats returns health statistics.
func (h *Host) Stats() health.Stats {
	pending := 0
	if stats, err := h.queue.Stats(); err == nil {
		pending = stats.Pending
	}
	return health.Stats{
		Paired:        h.Paired(),
		RelayState:    h.RelayState(),
		PeerCount:     len(h.relay.Presence()),
		SessionCount:  h.SessionCount(),
		QueuePending:  pending,
		Hostname:      sysinfo.Hostname(),
		Version:       sysinfo.Version,
		UptimeSeconds: sysinfo.UptimeSeconds(),
	}
}
