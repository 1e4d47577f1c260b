package relay

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinstash/tether/internal/config"
	"github.com/coinstash/tether/internal/crypto"
	"github.com/coinstash/tether/internal/directory"
	"github.com/coinstash/tether/internal/keystore"
	"github.com/coinstash/tether/internal/logging"
	"github.com/coinstash/tether/internal/metrics"
	"github.com/coinstash/tether/internal/protocol"
	"github.com/coinstash/tether/internal/queue"
	"github.com/coinstash/tether/internal/rowstore"
)

// fakeChannel is an in-memory Channel fed by tests.
type fakeChannel struct {
	mu        sync.Mutex
	published []*protocol.Message
	frames    chan *protocol.ChannelFrame
	roster    []protocol.PresenceInfo
	subErr    error
	pubErr    error
	closed    atomic.Bool
	failOnce  sync.Once
}

func newFakeChannel(roster ...protocol.PresenceInfo) *fakeChannel {
	return &fakeChannel{
		frames: make(chan *protocol.ChannelFrame, 16),
		roster: roster,
	}
}

func (c *fakeChannel) Subscribe(ctx context.Context, channel string, self protocol.PresenceInfo) ([]protocol.PresenceInfo, error) {
	if c.subErr != nil {
		return nil, c.subErr
	}
	return c.roster, nil
}

func (c *fakeChannel) Publish(ctx context.Context, msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubErr != nil {
		return c.pubErr
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) (*protocol.ChannelFrame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

// fail simulates the channel dropping.
func (c *fakeChannel) fail() {
	c.failOnce.Do(func() { close(c.frames) })
}

func (c *fakeChannel) sent() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.published))
	copy(out, c.published)
	return out
}

// fakeDialer hands out a fresh fakeChannel per dial.
type fakeDialer struct {
	mu       sync.Mutex
	roster   []protocol.PresenceInfo
	dialErr  error
	channels []*fakeChannel
}

func (d *fakeDialer) dial(ctx context.Context, endpoint string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	ch := newFakeChannel(d.roster...)
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

// memBackend is an in-memory key directory backend.
type memBackend struct {
	mu      sync.Mutex
	entries map[string]*rowstore.DirectoryEntry
}

func newMemBackend() *memBackend {
	return &memBackend{entries: make(map[string]*rowstore.DirectoryEntry)}
}

func (b *memBackend) GetKey(ctx context.Context, deviceID string) (*rowstore.DirectoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[deviceID]
	if !ok {
		return nil, rowstore.ErrNotFound
	}
	return entry, nil
}

func (b *memBackend) PutKey(ctx context.Context, entry *rowstore.DirectoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.DeviceID] = entry
	return nil
}

type fixture struct {
	m       *Manager
	q       *queue.Queue
	store   keystore.Store
	dialer  *fakeDialer
	backend *memBackend
	svc     *crypto.Service
}

func newFixture(t *testing.T, paired bool) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := keystore.NewFileStore(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	if paired {
		err := keystore.SavePairing(store, &keystore.PairingRecord{
			LocalUserID:      "user-1",
			RemoteMachineID:  "dev-mobile",
			RemoteDeviceName: "Phone",
			PairedAt:         time.Now(),
		})
		if err != nil {
			t.Fatalf("SavePairing() error = %v", err)
		}
	}

	q, err := queue.Open(queue.Config{
		Path:        filepath.Join(dir, "queue.db"),
		DefaultTTL:  time.Hour,
		MaxAttempts: 3,
		Retention:   time.Hour,
		Logger:      logging.NopLogger(),
	})
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	backend := newMemBackend()
	svc := crypto.NewService(keystore.NewVault(store), directory.NewClient(backend))

	dialer := &fakeDialer{
		roster: []protocol.PresenceInfo{
			{DeviceID: "dev-mobile", DeviceType: protocol.DeviceMobile, Platform: "ios"},
		},
	}

	m := NewManager(Options{
		Config: config.RelayConfig{
			Endpoint: "wss://relay.example.com/channel",
			Reconnect: config.ReconnectConfig{
				InitialDelay: 10 * time.Millisecond,
				MaxDelay:     40 * time.Millisecond,
				Multiplier:   2.0,
				Jitter:       0,
				MaxRetries:   0,
			},
		},
		DeviceID: "dev-local",
		Store:    store,
		Queue:    q,
		Crypto:   svc,
		Dialer:   dialer.dial,
		Logger:   logging.NopLogger(),
		Metrics:  metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	t.Cleanup(m.Close)

	return &fixture{m: m, q: q, store: store, dialer: dialer, backend: backend, svc: svc}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_ConnectPopulatesPresence(t *testing.T) {
	f := newFixture(t, true)

	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := f.m.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}
	if !f.m.PeerOnline(protocol.DeviceMobile) {
		t.Error("PeerOnline(mobile) = false after connect with roster")
	}
	if peers := f.m.Presence(); len(peers) != 1 || peers[0].DeviceID != "dev-mobile" {
		t.Errorf("Presence() = %+v", peers)
	}

	// Connecting again is a no-op.
	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if f.dialer.dials() != 1 {
		t.Errorf("dials = %d, want 1", f.dialer.dials())
	}
}

func TestManager_ConnectWithoutPairingIsNoop(t *testing.T) {
	f := newFixture(t, false)

	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := f.m.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
	if f.dialer.dials() != 0 {
		t.Errorf("dials = %d, want 0", f.dialer.dials())
	}
}

func TestManager_SendPublishesWhenConnected(t *testing.T) {
	f := newFixture(t, true)
	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := f.m.Send(context.Background(), protocol.TypeChat, protocol.ChatPayload{Text: "hello"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ch := f.dialer.channel(0)
	if got := len(ch.sent()); got != 1 {
		t.Fatalf("published %d messages, want 1", got)
	}

	msg := ch.sent()[0]
	if msg.ID == "" || msg.Timestamp == "" {
		t.Errorf("envelope fields not injected: %+v", msg)
	}
	if msg.SenderDeviceID != "dev-local" || msg.SenderType != protocol.SenderCLI {
		t.Errorf("sender fields = %s/%s", msg.SenderDeviceID, msg.SenderType)
	}
	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		t.Errorf("timestamp not RFC3339: %v", err)
	}

	// No counterpart key registered yet, so the payload degrades to
	// plaintext rather than blocking the send.
	var chat protocol.ChatPayload
	if err := protocol.UnmarshalPayload(msg.Payload, &chat); err != nil || chat.Text != "hello" {
		t.Errorf("payload = %s, err = %v", msg.Payload, err)
	}
}

func TestManager_SendEncryptsWhenKeyAvailable(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// The counterpart publishes its key to the shared directory, and
	// we publish ours so it can decrypt.
	mobileStore, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "keys"))
	if err != nil {
		t.Fatal(err)
	}
	mobileSvc := crypto.NewService(keystore.NewVault(mobileStore), directory.NewClient(f.backend))
	if err := mobileSvc.RegisterPublicKey(ctx, "dev-mobile"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RegisterPublicKey(ctx, "dev-local"); err != nil {
		t.Fatal(err)
	}

	if err := f.m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Send(ctx, protocol.TypeChat, protocol.ChatPayload{Text: "secret"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg := f.dialer.channel(0).sent()[0]
	if !protocol.IsEncrypted(msg.Payload) {
		t.Fatalf("payload not encrypted: %s", msg.Payload)
	}

	var env protocol.EncryptedPayload
	if err := protocol.UnmarshalPayload(msg.Payload, &env); err != nil {
		t.Fatal(err)
	}
	plain, err := mobileSvc.Decrypt(ctx, env.Ciphertext, env.Nonce, "dev-local")
	if err != nil {
		t.Fatalf("counterpart Decrypt() error = %v", err)
	}
	var chat protocol.ChatPayload
	if err := json.Unmarshal(plain, &chat); err != nil || chat.Text != "secret" {
		t.Errorf("decrypted payload = %s, err = %v", plain, err)
	}
}

func TestManager_SendQueuesWhenOffline(t *testing.T) {
	f := newFixture(t, true)
	f.m.SetNetworkAvailable(false)

	err := f.m.Send(context.Background(), protocol.TypeAgentResponse, protocol.AgentResponsePayload{Text: "later"})
	if err != nil {
		t.Fatalf("Send() while offline error = %v", err)
	}

	stats, err := f.q.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
}

func TestManager_SendDisconnectedOnline(t *testing.T) {
	f := newFixture(t, true)

	err := f.m.Send(context.Background(), protocol.TypeChat, protocol.ChatPayload{Text: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}

	stats, _ := f.q.Stats()
	if stats.Pending != 0 {
		t.Errorf("Pending = %d, want 0 (transient failures must not queue)", stats.Pending)
	}
}

func TestManager_ConnectDrainsQueue(t *testing.T) {
	f := newFixture(t, true)
	f.m.SetNetworkAvailable(false)

	ctx := context.Background()
	if err := f.m.Send(ctx, protocol.TypeCostUpdate, protocol.CostUpdatePayload{USD: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Send(ctx, protocol.TypeSessionState, protocol.SessionStatePayload{State: protocol.StateIdle}); err != nil {
		t.Fatal(err)
	}

	f.m.SetNetworkAvailable(true)

	waitFor(t, "queue drain", func() bool {
		if f.dialer.dials() == 0 {
			return false
		}
		return len(f.dialer.channel(0).sent()) == 2
	})

	// session_state outranks cost_update in the queue.
	sent := f.dialer.channel(0).sent()
	if sent[0].Type != protocol.TypeSessionState || sent[1].Type != protocol.TypeCostUpdate {
		t.Errorf("drain order = %s, %s", sent[0].Type, sent[1].Type)
	}

	stats, _ := f.q.Stats()
	if stats.Pending != 0 || stats.Sent != 2 {
		t.Errorf("stats after drain = %+v", stats)
	}
}

func TestManager_PresenceJoinLeave(t *testing.T) {
	f := newFixture(t, true)
	f.dialer.roster = nil

	var mu sync.Mutex
	var joins, leaves []protocol.PresenceInfo
	f.m.OnPresenceJoin(func(p protocol.PresenceInfo) {
		mu.Lock()
		joins = append(joins, p)
		mu.Unlock()
	})
	f.m.OnPresenceLeave(func(p protocol.PresenceInfo) {
		mu.Lock()
		leaves = append(leaves, p)
		mu.Unlock()
	})

	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.m.PeerOnline(protocol.DeviceMobile) {
		t.Fatal("PeerOnline(mobile) = true with empty roster")
	}

	ch := f.dialer.channel(0)
	ch.frames <- &protocol.ChannelFrame{
		Type:  protocol.FramePresence,
		Event: protocol.PresenceJoin,
		Presence: &protocol.PresenceInfo{
			DeviceID:   "dev-mobile",
			DeviceType: protocol.DeviceMobile,
		},
	}

	waitFor(t, "presence join", func() bool { return f.m.PeerOnline(protocol.DeviceMobile) })
	mu.Lock()
	if len(joins) != 1 || joins[0].DeviceID != "dev-mobile" {
		t.Errorf("joins = %+v", joins)
	}
	mu.Unlock()

	ch.frames <- &protocol.ChannelFrame{
		Type:  protocol.FramePresence,
		Event: protocol.PresenceLeave,
		Presence: &protocol.PresenceInfo{
			DeviceID:   "dev-mobile",
			DeviceType: protocol.DeviceMobile,
		},
	}

	waitFor(t, "presence leave", func() bool { return !f.m.PeerOnline(protocol.DeviceMobile) })
	mu.Lock()
	if len(leaves) != 1 {
		t.Errorf("leaves = %+v", leaves)
	}
	mu.Unlock()
}

func TestManager_InboundDelivered(t *testing.T) {
	f := newFixture(t, true)

	received := make(chan *protocol.Message, 1)
	f.m.OnMessage(func(msg *protocol.Message) { received <- msg })

	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	payload, _ := protocol.MarshalPayload(protocol.ChatPayload{Text: "from phone"})
	f.dialer.channel(0).frames <- &protocol.ChannelFrame{
		Type: protocol.FrameMessage,
		Message: &protocol.Message{
			ID:             "m-1",
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			Type:           protocol.TypeChat,
			SenderDeviceID: "dev-mobile",
			SenderType:     protocol.SenderMobile,
			Payload:        payload,
		},
	}

	select {
	case msg := <-received:
		var chat protocol.ChatPayload
		if err := protocol.UnmarshalPayload(msg.Payload, &chat); err != nil || chat.Text != "from phone" {
			t.Errorf("payload = %s, err = %v", msg.Payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestManager_InboundDecryptFailure(t *testing.T) {
	f := newFixture(t, true)

	received := make(chan *protocol.Message, 1)
	f.m.OnMessage(func(msg *protocol.Message) { received <- msg })

	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Garbage ciphertext from a sender whose key is not registered.
	payload, _ := protocol.MarshalPayload(protocol.EncryptedPayload{
		Ciphertext: []byte("not real ciphertext"),
		Nonce:      []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	})
	f.dialer.channel(0).frames <- &protocol.ChannelFrame{
		Type: protocol.FrameMessage,
		Message: &protocol.Message{
			ID:             "m-bad",
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			Type:           protocol.TypeChat,
			SenderDeviceID: "dev-mobile",
			SenderType:     protocol.SenderMobile,
			Payload:        payload,
		},
	}

	select {
	case msg := <-received:
		var probe map[string]bool
		if err := json.Unmarshal(msg.Payload, &probe); err != nil || !probe["undecryptable"] {
			t.Errorf("payload = %s, want undecryptable placeholder", msg.Payload)
		}
		if got := f.m.State(); got != StateConnected {
			t.Errorf("State() = %v after decrypt failure, want connected", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decrypt failure dropped the envelope")
	}
}

func TestManager_ReconnectAfterChannelFailure(t *testing.T) {
	f := newFixture(t, true)

	states := make(chan State, 16)
	f.m.OnStateChange(func(s State) { states <- s })

	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.dialer.channel(0).fail()

	waitFor(t, "reconnect", func() bool {
		return f.dialer.dials() >= 2 && f.m.State() == StateConnected
	})

	sawReconnecting := false
	for len(states) > 0 {
		if <-states == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Error("never observed reconnecting state")
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	f := newFixture(t, true)

	if err := f.m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.m.Disconnect()
	f.m.Disconnect()

	if got := f.m.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if peers := f.m.Presence(); len(peers) != 0 {
		t.Errorf("Presence() = %+v after disconnect", peers)
	}
	if !f.dialer.channel(0).closed.Load() {
		t.Error("channel not closed on disconnect")
	}
}

func TestState_String(t *testing.T) {
	if StateConnected.String() != "connected" || StateReconnecting.String() != "reconnecting" {
		t.Error("State.String() mismatch")
	}
}

func TestQueuePriority(t *testing.T) {
	if queuePriority(protocol.TypePermissionRequest) <= queuePriority(protocol.TypeSessionState) {
		t.Error("permission_request should outrank session_state")
	}
	if queuePriority(protocol.TypeCostUpdate) != 0 {
		t.Error("cost_update should have default priority")
	}
}
