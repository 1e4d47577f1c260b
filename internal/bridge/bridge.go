// Package bridge connects a live terminal agent session to the relay:
// agent events are translated to wire messages, and inbound wire
// messages are routed back into the agent.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coinstash/tether/internal/logging"
	"github.com/coinstash/tether/internal/protocol"
	"github.com/coinstash/tether/internal/recovery"
	"github.com/coinstash/tether/internal/rowstore"
)

// Session statuses recorded in the row store.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusIdle     = "idle"
	StatusPaused   = "paused"
	StatusStopped  = "stopped"
	StatusError    = "error"
	StatusExpired  = "expired"
)

// EventKind classifies an agent event.
type EventKind string

const (
	EventPartialOutput EventKind = "partial-output"
	EventFinalOutput   EventKind = "final-output"
	EventStatus        EventKind = "status"
	EventPermission    EventKind = "permission-request"
	EventToolCall      EventKind = "tool-call"
	EventToolResult    EventKind = "tool-result"
	EventFSEdit        EventKind = "fs-edit"
	EventTerminal      EventKind = "terminal-output"
	EventCost          EventKind = "cost-update"
)

// Event is one occurrence in an agent session. Fields are populated
// according to Kind.
type Event struct {
	Kind      EventKind
	Text      string
	Status    string
	Detail    string
	RequestID string
	ToolName  string
	Args      json.RawMessage
	Content   string
	Path      string
	USD       float64
	Tokens    int64
}

// Agent is a running terminal agent. Implementations wrap a concrete
// agent process; the bridge only consumes this surface.
type Agent interface {
	// Events returns the agent's event stream. The channel closes when
	// the agent terminates.
	Events() <-chan Event

	Prompt(ctx context.Context, text string) error
	RespondPermission(ctx context.Context, requestID string, approved bool) error
	Cancel(ctx context.Context) error
	Close() error
}

// Sender publishes wire messages. Satisfied by relay.Manager.
type Sender interface {
	Send(ctx context.Context, msgType string, payload any) error
}

// Options configures a SessionBridge.
type Options struct {
	SessionID   string
	MachineID   string
	AgentType   string
	ProjectPath string
	Agent       Agent
	Sender      Sender
	Rows        *rowstore.Client // optional; row writes are best-effort
	Logger      *slog.Logger
	// OnStop fires when the remote requests end_session, after the
	// bridge has stopped. The owner disposes the agent process.
	OnStop func()

	now func() time.Time
}

// SessionBridge drives one live session.
type SessionBridge struct {
	opts      Options
	logger    *slog.Logger
	createdAt time.Time

	mu      sync.Mutex
	status  string
	stopped bool

	stopOnce sync.Once
	done     chan struct{}
}

// NewSessionBridge creates a bridge for one session. Call Start to
// begin translating events.
func NewSessionBridge(opts Options) *SessionBridge {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &SessionBridge{
		opts:      opts,
		logger:    logger.With(logging.KeySessionID, opts.SessionID),
		createdAt: opts.now(),
		status:    StatusStarting,
		done:      make(chan struct{}),
	}
}

// Start begins consuming agent events. It returns immediately.
func (b *SessionBridge) Start() {
	b.upsertRow(b.Status())

	recovery.Go(b.logger, "bridge-events", b.eventLoop)
}

// Status returns the last known agent status.
func (b *SessionBridge) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Done is closed once the bridge has stopped.
func (b *SessionBridge) Done() <-chan struct{} {
	return b.done
}

// Stop detaches the bridge: the event loop ends, the session row is
// marked stopped, and the agent is closed. In-flight agent calls
// complete on their own and their results are ignored. Idempotent.
func (b *SessionBridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.status = StatusStopped
		b.mu.Unlock()

		b.upsertRow(StatusStopped)

		if err := b.opts.Agent.Close(); err != nil {
			b.logger.Warn("agent close failed", logging.KeyError, err)
		}
		close(b.done)
	})
}

// HandleMessage routes one inbound wire message into the agent.
// Unknown types and commands are logged and dropped; they never
// disturb the session.
func (b *SessionBridge) HandleMessage(ctx context.Context, msg *protocol.Message) {
	if b.isStopped() {
		return
	}

	switch msg.Type {
	case protocol.TypeChat:
		b.handleChat(ctx, msg)
	case protocol.TypePermissionResponse:
		b.handlePermissionResponse(ctx, msg)
	case protocol.TypeCommand:
		b.handleCommand(ctx, msg)
	default:
		b.logger.Debug("dropping unhandled message",
			logging.KeyMessageID, msg.ID,
			logging.KeyMessageType, msg.Type)
	}
}

func (b *SessionBridge) handleChat(ctx context.Context, msg *protocol.Message) {
	var chat protocol.ChatPayload
	if err := protocol.UnmarshalPayload(msg.Payload, &chat); err != nil {
		b.logger.Warn("malformed chat payload", logging.KeyError, err)
		return
	}

	// Chats addressed to another session are not ours to answer.
	if chat.SessionID != "" && chat.SessionID != b.opts.SessionID {
		b.logger.Debug("dropping chat for foreign session",
			logging.KeySessionID, chat.SessionID)
		return
	}

	if err := b.opts.Agent.Prompt(ctx, chat.Text); err != nil {
		b.logger.Warn("prompt failed", logging.KeyError, err)
	}
}

func (b *SessionBridge) handlePermissionResponse(ctx context.Context, msg *protocol.Message) {
	var resp protocol.PermissionResponsePayload
	if err := protocol.UnmarshalPayload(msg.Payload, &resp); err != nil {
		b.logger.Warn("malformed permission response", logging.KeyError, err)
		return
	}

	if err := b.opts.Agent.RespondPermission(ctx, resp.RequestID, resp.Approved); err != nil {
		b.logger.Warn("permission response failed",
			"request_id", resp.RequestID,
			logging.KeyError, err)
	}
}

func (b *SessionBridge) handleCommand(ctx context.Context, msg *protocol.Message) {
	var cmd protocol.CommandPayload
	if err := protocol.UnmarshalPayload(msg.Payload, &cmd); err != nil {
		b.logger.Warn("malformed command payload", logging.KeyError, err)
		return
	}

	switch cmd.Command {
	case protocol.CommandCancel, protocol.CommandInterrupt:
		if err := b.opts.Agent.Cancel(ctx); err != nil {
			b.logger.Warn("cancel failed", logging.KeyError, err)
		}
	case protocol.CommandEndSession:
		b.Stop()
		if b.opts.OnStop != nil {
			b.opts.OnStop()
		}
	case protocol.CommandPing:
		// Liveness probe; presence already answers it.
	default:
		b.logger.Debug("dropping unknown command", "command", cmd.Command)
	}
}

// eventLoop translates agent events until the stream closes or the
// bridge stops.
func (b *SessionBridge) eventLoop() {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.opts.Agent.Events():
			if !ok {
				b.Stop()
				return
			}
			b.translate(ev)
		}
	}
}

// translate maps one agent event onto wire messages.
func (b *SessionBridge) translate(ev Event) {
	ctx := context.Background()

	switch ev.Kind {
	case EventPartialOutput:
		b.send(ctx, protocol.TypeAgentResponse, protocol.AgentResponsePayload{
			SessionID:   b.opts.SessionID,
			Text:        ev.Text,
			IsStreaming: true,
		})

	case EventFinalOutput:
		b.send(ctx, protocol.TypeAgentResponse, protocol.AgentResponsePayload{
			SessionID:  b.opts.SessionID,
			Text:       ev.Text,
			IsComplete: true,
		})

	case EventStatus:
		b.setStatus(ev.Status)
		b.send(ctx, protocol.TypeSessionState, protocol.SessionStatePayload{
			SessionID: b.opts.SessionID,
			State:     wireState(ev.Status),
			Detail:    ev.Detail,
		})

	case EventPermission:
		b.send(ctx, protocol.TypePermissionRequest, protocol.PermissionRequestPayload{
			SessionID: b.opts.SessionID,
			RequestID: ev.RequestID,
			ToolName:  ev.ToolName,
			Args:      ev.Args,
		})

	case EventToolCall:
		// The state change lands first so the UI flips to "executing"
		// before the tool record arrives.
		b.send(ctx, protocol.TypeSessionState, protocol.SessionStatePayload{
			SessionID: b.opts.SessionID,
			State:     protocol.StateExecuting,
		})
		b.send(ctx, protocol.TypeAgentResponse, protocol.AgentResponsePayload{
			SessionID: b.opts.SessionID,
			Record: &protocol.ResponseRecord{
				Type:     protocol.RecordToolCall,
				ToolName: ev.ToolName,
				Args:     ev.Args,
			},
		})

	case EventToolResult:
		b.send(ctx, protocol.TypeAgentResponse, protocol.AgentResponsePayload{
			SessionID: b.opts.SessionID,
			Record: &protocol.ResponseRecord{
				Type:     protocol.RecordToolResult,
				ToolName: ev.ToolName,
				Content:  ev.Content,
			},
		})

	case EventFSEdit:
		b.send(ctx, protocol.TypeAgentResponse, protocol.AgentResponsePayload{
			SessionID: b.opts.SessionID,
			Record: &protocol.ResponseRecord{
				Type:    protocol.RecordFSEdit,
				Path:    ev.Path,
				Content: ev.Content,
			},
		})

	case EventTerminal:
		b.send(ctx, protocol.TypeAgentResponse, protocol.AgentResponsePayload{
			SessionID: b.opts.SessionID,
			Record: &protocol.ResponseRecord{
				Type:    protocol.RecordTerminalOutput,
				Content: ev.Content,
			},
		})

	case EventCost:
		b.send(ctx, protocol.TypeCostUpdate, protocol.CostUpdatePayload{
			SessionID: b.opts.SessionID,
			USD:       ev.USD,
			Tokens:    ev.Tokens,
		})

	default:
		b.logger.Debug("dropping unknown agent event", "kind", string(ev.Kind))
	}
}

// send publishes one message, fire-and-forget: the relay queues or
// rejects as connectivity dictates, and the session never blocks on it.
func (b *SessionBridge) send(ctx context.Context, msgType string, payload any) {
	if err := b.opts.Sender.Send(ctx, msgType, payload); err != nil {
		b.logger.Warn("send failed",
			logging.KeyMessageType, msgType,
			logging.KeyError, err)
	}
}

func (b *SessionBridge) setStatus(status string) {
	b.mu.Lock()
	if b.stopped || b.status == status {
		b.mu.Unlock()
		return
	}
	b.status = status
	b.mu.Unlock()

	b.upsertRow(status)
}

// upsertRow mirrors the session status to the row store. Failures are
// logged and ignored; the relay path is the source of truth.
func (b *SessionBridge) upsertRow(status string) {
	if b.opts.Rows == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := b.opts.Rows.UpsertSession(ctx, &rowstore.SessionRow{
		SessionID:      b.opts.SessionID,
		MachineID:      b.opts.MachineID,
		AgentType:      b.opts.AgentType,
		ProjectPath:    b.opts.ProjectPath,
		Status:         status,
		CreatedAt:      b.createdAt,
		LastActivityAt: b.opts.now(),
	})
	if err != nil {
		b.logger.Warn("session row write failed",
			logging.KeyState, status,
			logging.KeyError, err)
	}
}

func (b *SessionBridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// wireState maps an agent status onto the wire session_state values.
func wireState(status string) string {
	switch status {
	case StatusStarting, StatusRunning:
		return protocol.StateThinking
	case StatusError:
		return protocol.StateError
	default:
		return protocol.StateIdle
	}
}
