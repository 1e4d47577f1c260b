// Package relay maintains the connection to the hosted relay channel:
// connect/disconnect lifecycle, presence tracking, reconnection with
// backoff, and the send path with its offline queue fallback.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coinstash/tether/internal/config"
	"github.com/coinstash/tether/internal/crypto"
	"github.com/coinstash/tether/internal/directory"
	"github.com/coinstash/tether/internal/keystore"
	"github.com/coinstash/tether/internal/logging"
	"github.com/coinstash/tether/internal/metrics"
	"github.com/coinstash/tether/internal/protocol"
	"github.com/coinstash/tether/internal/queue"
	"github.com/coinstash/tether/internal/recovery"
	"github.com/coinstash/tether/internal/sysinfo"
)

// ErrNotConnected is returned by Send when the channel is down but the
// network is believed to be available. Callers may retry; the message
// was not queued.
var ErrNotConnected = errors.New("relay: not connected")

// undecryptablePayload replaces a payload that failed authentication.
// The envelope is still delivered so the UI can surface the gap.
var undecryptablePayload = json.RawMessage(`{"undecryptable":true}`)

// State is the relay connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Options configures a Manager. Queue, Store, and Crypto are required;
// Dialer, Logger, and Metrics default when nil.
type Options struct {
	Config   config.RelayConfig
	DeviceID string
	Store    keystore.Store
	Queue    *queue.Queue
	Crypto   *crypto.Service
	Dialer   Dialer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Manager owns the relay channel connection. One Manager per process.
type Manager struct {
	cfg      config.RelayConfig
	deviceID string
	store    keystore.Store
	queue    *queue.Queue
	crypto   *crypto.Service
	dial     Dialer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	// connectMu serializes connect and teardown sequences.
	connectMu sync.Mutex

	mu         sync.Mutex
	state      State
	ch         Channel
	connCancel context.CancelFunc
	gen        uint64
	presence   map[string]protocol.PresenceInfo
	network    bool
	foreground bool

	onMessage []func(*protocol.Message)
	onJoin    []func(protocol.PresenceInfo)
	onLeave   []func(protocol.PresenceInfo)
	onState   []func(State)

	reconnector *Reconnector
}

// NewManager creates a relay connection manager. It does not connect.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.Default()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = DialWebSocket
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Config.PublishRate > 0 {
		burst := int(opts.Config.PublishRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Config.PublishRate), burst)
	}

	m := &Manager{
		cfg:        opts.Config,
		deviceID:   opts.DeviceID,
		store:      opts.Store,
		queue:      opts.Queue,
		crypto:     opts.Crypto,
		dial:       dial,
		logger:     logger.With(logging.KeyComponent, "relay"),
		metrics:    met,
		limiter:    limiter,
		presence:   make(map[string]protocol.PresenceInfo),
		network:    true,
		foreground: true,
	}
	m.reconnector = NewReconnector(opts.Config.Reconnect, m.retryConnect, m.retriesExhausted)
	return m
}

// Connect establishes the relay channel. Connecting while connected is
// a no-op. Without a pairing record there is nothing to connect to and
// Connect returns nil.
func (m *Manager) Connect(ctx context.Context) error {
	m.reconnector.Reset()
	if err := m.connect(ctx); err != nil {
		m.scheduleReconnect()
		return err
	}
	return nil
}

// Disconnect tears down the channel and cancels pending reconnection.
// It is idempotent.
func (m *Manager) Disconnect() {
	m.reconnector.Reset()

	m.connectMu.Lock()
	m.teardown()
	m.connectMu.Unlock()

	m.setState(StateDisconnected)
}

// Redial tears the current connection down and dials again. Used
// after system wake, when an apparently connected channel may be
// silently dead.
func (m *Manager) Redial(ctx context.Context) error {
	m.connectMu.Lock()
	m.teardown()
	m.connectMu.Unlock()

	return m.Connect(ctx)
}

// Close permanently shuts the manager down.
func (m *Manager) Close() {
	m.reconnector.Stop()

	m.connectMu.Lock()
	m.teardown()
	m.connectMu.Unlock()

	m.setState(StateDisconnected)
}

// Send publishes a message of the given type to the paired device.
// The envelope id, timestamp, and sender fields are injected here; the
// payload is encrypted when the counterpart's key is available.
//
// Connected: the message is published immediately. Disconnected while
// the network is unavailable: the message is stored in the offline
// queue and Send returns nil. Disconnected while the network is
// available: ErrNotConnected.
func (m *Manager) Send(ctx context.Context, msgType string, payload any) error {
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		return err
	}

	msg := &protocol.Message{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Type:           msgType,
		SenderDeviceID: m.deviceID,
		SenderType:     protocol.SenderCLI,
		Payload:        raw,
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	if err := m.encryptPayload(ctx, msg); err != nil {
		return err
	}

	m.mu.Lock()
	connected := m.state == StateConnected
	network := m.network
	m.mu.Unlock()

	if connected {
		if err := m.publish(ctx, msg); err != nil {
			return err
		}
		m.metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
		return nil
	}

	if !network {
		if _, err := m.queue.Enqueue(msg, queue.Options{Priority: queuePriority(msg.Type)}); err != nil {
			return fmt.Errorf("queue message: %w", err)
		}
		m.metrics.MessagesQueued.Inc()
		m.logger.Debug("message queued while offline",
			logging.KeyMessageID, msg.ID,
			logging.KeyMessageType, msg.Type)
		return nil
	}

	return ErrNotConnected
}

// SetNetworkAvailable records network reachability. An offline to
// online transition triggers a connection attempt when paired and idle.
func (m *Manager) SetNetworkAvailable(available bool) {
	m.mu.Lock()
	was := m.network
	m.network = available
	state := m.state
	m.mu.Unlock()

	if available == was {
		return
	}

	if !available {
		m.logger.Info("network unavailable")
		return
	}

	m.logger.Info("network available")
	if idleState(state) {
		m.connectInBackground()
	}
}

// SetForeground records whether the host app is foregrounded. Coming
// to the foreground triggers a connection attempt when idle;
// backgrounding never forces a close.
func (m *Manager) SetForeground(foreground bool) {
	m.mu.Lock()
	was := m.foreground
	m.foreground = foreground
	state := m.state
	network := m.network
	m.mu.Unlock()

	if foreground && !was && network && idleState(state) {
		m.connectInBackground()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Presence returns a snapshot of peers currently on the channel.
func (m *Manager) Presence() []protocol.PresenceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.PresenceInfo, 0, len(m.presence))
	for _, p := range m.presence {
		out = append(out, p)
	}
	return out
}

// PeerOnline reports whether a peer of the given device type is
// present. Presence is the authoritative liveness signal.
func (m *Manager) PeerOnline(deviceType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.presence {
		if p.DeviceType == deviceType {
			return true
		}
	}
	return false
}

// OnMessage registers a listener for inbound messages. Listeners run
// on the read loop goroutine in arrival order.
func (m *Manager) OnMessage(fn func(*protocol.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = append(m.onMessage, fn)
}

// OnPresenceJoin registers a listener for peers joining the channel.
func (m *Manager) OnPresenceJoin(fn func(protocol.PresenceInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoin = append(m.onJoin, fn)
}

// OnPresenceLeave registers a listener for peers leaving the channel.
func (m *Manager) OnPresenceLeave(fn func(protocol.PresenceInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeave = append(m.onLeave, fn)
}

// OnStateChange registers a listener for connection state transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// connect performs one connection attempt.
func (m *Manager) connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.State() == StateConnected {
		return nil
	}

	m.teardown()

	rec, err := keystore.LoadPairing(m.store)
	if err != nil {
		if errors.Is(err, keystore.ErrNotPaired) {
			m.logger.Debug("relay connect skipped: not paired")
			return nil
		}
		return fmt.Errorf("load pairing record: %w", err)
	}

	m.setState(StateConnecting)

	ch, err := m.dial(ctx, m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	self := protocol.PresenceInfo{
		DeviceID:   m.deviceID,
		DeviceType: protocol.DeviceCLI,
		Platform:   sysinfo.Platform(),
	}
	roster, err := ch.Subscribe(ctx, rec.LocalUserID, self)
	if err != nil {
		ch.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.ch = ch
	m.connCancel = cancel
	m.gen++
	gen := m.gen
	m.presence = make(map[string]protocol.PresenceInfo, len(roster))
	for _, p := range roster {
		if p.DeviceID != m.deviceID {
			m.presence[p.DeviceID] = p
		}
	}
	peers := len(m.presence)
	m.mu.Unlock()

	m.metrics.PeersPresent.Set(float64(peers))
	m.metrics.Connects.Inc()
	m.setState(StateConnected)

	m.logger.Info("relay connected",
		logging.KeyEndpoint, m.cfg.Endpoint,
		logging.KeyCount, peers)

	recovery.Go(m.logger, "relay-read", func() {
		m.readLoop(connCtx, ch, gen)
	})
	recovery.Go(m.logger, "queue-drain", func() {
		m.drain(connCtx)
	})

	return nil
}

// teardown closes the active channel, if any. Caller holds connectMu.
func (m *Manager) teardown() {
	m.mu.Lock()
	ch := m.ch
	cancel := m.connCancel
	m.ch = nil
	m.connCancel = nil
	m.presence = make(map[string]protocol.PresenceInfo)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
	m.metrics.PeersPresent.Set(0)
}

func (m *Manager) scheduleReconnect() {
	m.setState(StateReconnecting)
	m.reconnector.Schedule()
}

// retryConnect is the reconnector's attempt callback.
func (m *Manager) retryConnect() error {
	m.metrics.ReconnectAttempts.Inc()
	err := m.connect(context.Background())
	if err != nil {
		m.logger.Warn("reconnect attempt failed",
			logging.KeyAttempts, m.reconnector.Attempts(),
			logging.KeyError, err)
		m.setState(StateReconnecting)
	}
	return err
}

// retriesExhausted fires when the reconnect budget is spent. The error
// state is terminal until an explicit Connect or a network/foreground
// transition.
func (m *Manager) retriesExhausted() {
	m.logger.Error("reconnect attempts exhausted",
		logging.KeyAttempts, m.reconnector.Attempts())
	m.setState(StateError)
}

func (m *Manager) connectInBackground() {
	m.reconnector.Reset()
	recovery.Go(m.logger, "relay-connect", func() {
		if err := m.connect(context.Background()); err != nil {
			m.scheduleReconnect()
		}
	})
}

// readLoop consumes frames from the channel until it fails or the
// connection is torn down.
func (m *Manager) readLoop(ctx context.Context, ch Channel, gen uint64) {
	for {
		frame, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate teardown
			}
			m.handleReadError(gen, err)
			return
		}

		switch frame.Type {
		case protocol.FrameMessage:
			m.handleInbound(ctx, frame.Message)
		case protocol.FramePresence:
			m.handlePresence(frame)
		case protocol.FrameError:
			m.logger.Warn("relay channel error", logging.KeyError, frame.Error)
		default:
			m.logger.Debug("ignoring channel frame", "frame_type", frame.Type)
		}
	}
}

func (m *Manager) handleReadError(gen uint64, err error) {
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}

	m.logger.Warn("relay channel closed", logging.KeyError, err)
	m.metrics.Disconnects.Inc()

	m.connectMu.Lock()
	m.teardown()
	m.connectMu.Unlock()

	m.scheduleReconnect()
}

// handleInbound decrypts and dispatches one inbound message. Decryption
// failure does not drop the envelope: a placeholder payload is passed
// through so the gap is visible, and the connection is unaffected.
func (m *Manager) handleInbound(ctx context.Context, msg *protocol.Message) {
	if msg == nil || msg.SenderDeviceID == m.deviceID {
		return
	}

	m.metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()

	if protocol.IsEncrypted(msg.Payload) {
		var env protocol.EncryptedPayload
		if err := protocol.UnmarshalPayload(msg.Payload, &env); err == nil {
			plain, err := m.crypto.Decrypt(ctx, env.Ciphertext, env.Nonce, msg.SenderDeviceID)
			if err != nil {
				m.metrics.DecryptFailures.Inc()
				m.logger.Warn("inbound payload failed decryption",
					logging.KeyMessageID, msg.ID,
					logging.KeyDeviceID, msg.SenderDeviceID,
					logging.KeyError, err)
				msg.Payload = undecryptablePayload
			} else {
				msg.Payload = plain
			}
		}
	}

	m.mu.Lock()
	fns := append(([]func(*protocol.Message))(nil), m.onMessage...)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (m *Manager) handlePresence(frame *protocol.ChannelFrame) {
	if frame.Presence == nil {
		return
	}
	p := *frame.Presence
	if p.DeviceID == m.deviceID {
		return
	}

	switch frame.Event {
	case protocol.PresenceJoin:
		m.mu.Lock()
		m.presence[p.DeviceID] = p
		peers := len(m.presence)
		fns := append(([]func(protocol.PresenceInfo))(nil), m.onJoin...)
		m.mu.Unlock()

		m.metrics.PeersPresent.Set(float64(peers))
		m.logger.Info("peer joined",
			logging.KeyDeviceID, p.DeviceID,
			"device_type", p.DeviceType)
		for _, fn := range fns {
			fn(p)
		}

	case protocol.PresenceLeave:
		m.mu.Lock()
		delete(m.presence, p.DeviceID)
		peers := len(m.presence)
		fns := append(([]func(protocol.PresenceInfo))(nil), m.onLeave...)
		m.mu.Unlock()

		m.metrics.PeersPresent.Set(float64(peers))
		m.logger.Info("peer left",
			logging.KeyDeviceID, p.DeviceID,
			"device_type", p.DeviceType)
		for _, fn := range fns {
			fn(p)
		}
	}
}

// encryptPayload seals the payload for the paired counterpart. When no
// key material is available yet the payload stays plaintext; that is
// logged, not fatal, so pairing bootstrap can complete.
func (m *Manager) encryptPayload(ctx context.Context, msg *protocol.Message) error {
	rec, err := keystore.LoadPairing(m.store)
	if err != nil {
		if errors.Is(err, keystore.ErrNotPaired) {
			return nil
		}
		return fmt.Errorf("load pairing record: %w", err)
	}

	env, err := m.crypto.Encrypt(ctx, msg.Payload, rec.RemoteMachineID)
	if err != nil {
		if errors.Is(err, directory.ErrKeyNotRegistered) {
			m.logger.Warn("peer key unavailable, sending plaintext",
				logging.KeyDeviceID, rec.RemoteMachineID)
			return nil
		}
		m.metrics.EncryptFailures.Inc()
		return fmt.Errorf("encrypt payload: %w", err)
	}

	raw, err := protocol.MarshalPayload(protocol.EncryptedPayload{
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
	})
	if err != nil {
		return err
	}
	msg.Payload = raw
	return nil
}

// publish writes one message to the active channel, rate-limited.
func (m *Manager) publish(ctx context.Context, msg *protocol.Message) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()

	if ch == nil {
		return ErrNotConnected
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := ch.Publish(ctx, msg); err != nil {
		m.metrics.SendErrors.Inc()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// drain delivers queued messages over the active channel.
func (m *Manager) drain(ctx context.Context) {
	m.metrics.QueueDrains.Inc()

	err := m.queue.ProcessQueue(ctx, func(ctx context.Context, msg *protocol.Message) error {
		if err := m.publish(ctx, msg); err != nil {
			m.metrics.QueueFailures.Inc()
			return err
		}
		m.metrics.QueueDelivered.Inc()
		m.metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("queue drain stopped", logging.KeyError, err)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	fns := append(([]func(State))(nil), m.onState...)
	m.mu.Unlock()

	m.metrics.ConnectionState.Set(float64(s))
	m.logger.Debug("relay state changed",
		logging.KeyState, s.String(),
		"previous", prev.String())

	for _, fn := range fns {
		fn(s)
	}
}

// idleState reports whether a connection attempt is worthwhile: not
// already connected or mid-attempt.
func idleState(s State) bool {
	return s == StateDisconnected || s == StateReconnecting || s == StateError
}

// queuePriority orders the offline queue so interactive traffic beats
// bookkeeping when connectivity returns.
func queuePriority(msgType string) int {
	switch msgType {
	case protocol.TypePermissionRequest:
		return 5
	case protocol.TypeSessionState:
		return 3
	case protocol.TypeAgentResponse, protocol.TypeChat:
		return 2
	default:
		return 0
	}
}
