package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/coinstash/tether/internal/protocol"
)

// Channel constants
const (
	Subprotocol    = "tether.v1"
	wsReadLimit    = 1 << 20 // 1 MB max frame size
	wsDialTimeout  = 15 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Channel is a subscribed pub/sub channel on the hosted relay. A
// channel carries JSON frames: ack, presence, and message.
type Channel interface {
	// Subscribe joins the named channel, announcing our presence, and
	// returns the snapshot of peers already subscribed.
	Subscribe(ctx context.Context, channel string, self protocol.PresenceInfo) ([]protocol.PresenceInfo, error)

	// Publish sends a message envelope to all other subscribers.
	Publish(ctx context.Context, msg *protocol.Message) error

	// Receive blocks until the next frame arrives or the channel fails.
	Receive(ctx context.Context) (*protocol.ChannelFrame, error)

	Close() error
}

// Dialer establishes a Channel against a relay endpoint. The manager
// takes a Dialer so tests can substitute an in-memory channel.
type Dialer func(ctx context.Context, endpoint string) (Channel, error)

// DialWebSocket connects to the relay endpoint over websocket.
// TLS is implied by a wss:// endpoint URL.
func DialWebSocket(ctx context.Context, endpoint string) (Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("relay dial failed: %w", err)
	}

	conn.SetReadLimit(wsReadLimit)

	return &wsChannel{conn: conn}, nil
}

// wsChannel implements Channel over a websocket connection.
type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// subscribeSnapshot is carried in the Extra field of the subscribe ack.
type subscribeSnapshot struct {
	Presence []protocol.PresenceInfo `json:"presence"`
}

func (c *wsChannel) Subscribe(ctx context.Context, channel string, self protocol.PresenceInfo) ([]protocol.PresenceInfo, error) {
	frame := &protocol.ChannelFrame{
		Type:     protocol.FrameSubscribe,
		Channel:  channel,
		Presence: &self,
	}
	if err := c.writeFrame(ctx, frame); err != nil {
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	// The relay acknowledges the subscription with a presence snapshot.
	// Frames that race ahead of the ack (e.g. a join) are skipped here;
	// the snapshot already reflects them.
	for {
		reply, err := c.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscribe failed: %w", err)
		}

		switch reply.Type {
		case protocol.FrameAck:
			var snapshot subscribeSnapshot
			if len(reply.Extra) > 0 {
				if err := json.Unmarshal(reply.Extra, &snapshot); err != nil {
					return nil, fmt.Errorf("malformed presence snapshot: %w", err)
				}
			}
			return snapshot.Presence, nil
		case protocol.FrameError:
			return nil, fmt.Errorf("subscribe rejected: %s", reply.Error)
		}
	}
}

func (c *wsChannel) Publish(ctx context.Context, msg *protocol.Message) error {
	return c.writeFrame(ctx, &protocol.ChannelFrame{
		Type:    protocol.FramePublish,
		Message: msg,
	})
}

func (c *wsChannel) Receive(ctx context.Context) (*protocol.ChannelFrame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}

	var frame protocol.ChannelFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed channel frame: %w", err)
	}
	return &frame, nil
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (c *wsChannel) writeFrame(ctx context.Context, frame *protocol.ChannelFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode channel frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
