// Package sigclient is the peer-side signaling transport: a WebSocket client
// used by controller and client processes to register with the relay and
// exchange envelopes. Reconnects are handled separately by the Supervisor so
// transport policy stays out of the protocol path.
package sigclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftline/ensemble-relay/internal/protocol"
)

const writeWait = 5 * time.Second

// Client is one connected signaling transport. It is safe to Send from
// multiple goroutines; reads happen on the single ReadLoop goroutine.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay's signaling endpoint.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", url, err)
	}
	return &Client{
		log:    logger,
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

// Register announces this peer's id and role to the relay.
func (c *Client) Register(id string, role protocol.Role) error {
	env, err := protocol.NewEnvelope(protocol.MessageTypeRegister, "", protocol.RegisterData{ID: id, Role: role})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Heartbeat refreshes the peer's liveness with the relay.
func (c *Client) Heartbeat() error {
	env, err := protocol.NewEnvelope(protocol.MessageTypeHeartbeat, "", nil)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Send writes one envelope to the relay.
func (c *Client) Send(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// ReadLoop delivers inbound envelopes to onEnvelope until the transport
// drops. It returns nil after a caller-initiated Close and the read error
// otherwise. Unparseable frames are logged and skipped.
func (c *Client) ReadLoop(onEnvelope func(protocol.Envelope)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
				return fmt.Errorf("signaling read: %w", err)
			}
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.log.Warn("bad envelope from relay", "err", err)
			continue
		}
		onEnvelope(env)
	}
}

// Close shuts the transport down. ReadLoop then returns nil rather than an
// error, which tells the Supervisor not to reconnect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}
