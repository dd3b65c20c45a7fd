package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/buildsession/internal/events"
	"github.com/hyper-ai-inc/buildsession/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client message types.
const (
	MsgSubscribe     = "subscribe"
	MsgUnsubscribe   = "unsubscribe"
	MsgStartTerminal = "start_terminal"
	MsgInput         = "input"
	MsgResize        = "resize"
	MsgPing          = "ping"
)

// ClientMessage is a JSON message sent by a client. Terminal messages
// without a project_id address the client's last started terminal.
type ClientMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// Client is one websocket connection. All of its subscriptions share one
// bounded outbound queue.
type Client struct {
	conn   *websocket.Conn
	router *Router
	sub    *events.Subscriber

	// terminal is only touched by ReadPump.
	terminal string
}

func newClient(conn *websocket.Conn, r *Router, id string) *Client {
	return &Client{
		conn:   conn,
		router: r,
		sub:    events.NewSubscriber(id, r.queueSize),
	}
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.sub.ID
}

// ReadPump reads messages from the WebSocket until it fails, then releases
// every subscription and terminal attachment of the connection.
func (c *Client) ReadPump() {
	defer func() {
		c.router.terminals.DetachAll(c.ID())
		c.router.hub.UnsubscribeAll(c.sub)
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.router.logger.Warn("websocket error", "conn", c.ID(), "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			// Raw bytes go to the current terminal
			if c.terminal != "" {
				if err := c.router.terminals.Input(c.terminal, c.ID(), data); err != nil {
					c.fail(c.terminal, err)
				}
			}

		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.fail("", err)
				continue
			}
			c.handle(msg)
		}
	}
}

func (c *Client) handle(msg ClientMessage) {
	ctx := context.Background()

	switch msg.Type {
	case MsgSubscribe:
		if !c.validProject(msg.ProjectID) {
			return
		}
		c.router.hub.Subscribe(msg.ProjectID, c.sub)
		c.sub.Send(events.EnvStatus(c.router.envs.GetStatus(ctx, msg.ProjectID)))

	case MsgUnsubscribe:
		if msg.ProjectID == "" {
			return
		}
		c.router.hub.Unsubscribe(msg.ProjectID, c.sub)
		c.router.terminals.Detach(msg.ProjectID, c.ID())
		if c.terminal == msg.ProjectID {
			c.terminal = ""
		}

	case MsgStartTerminal:
		projectID := c.target(msg)
		if !c.validProject(projectID) {
			return
		}
		c.router.hub.Subscribe(projectID, c.sub)
		err := c.router.terminals.Attach(ctx, projectID, c.ID(), func(data string) {
			c.sub.Send(events.Output(projectID, data))
		})
		if err != nil {
			c.fail(projectID, err)
			return
		}
		c.terminal = projectID

	case MsgInput:
		projectID := c.target(msg)
		if err := c.router.terminals.Input(projectID, c.ID(), []byte(msg.Data)); err != nil {
			c.fail(projectID, err)
		}

	case MsgResize:
		projectID := c.target(msg)
		if err := c.router.terminals.Resize(projectID, c.ID(), msg.Cols, msg.Rows); err != nil {
			c.fail(projectID, err)
		}

	case MsgPing:
		// Client keepalive; presence is sufficient

	default:
		c.sub.Send(events.Error(msg.ProjectID, "unknown message type: "+msg.Type))
	}
}

func (c *Client) target(msg ClientMessage) string {
	if msg.ProjectID != "" {
		return msg.ProjectID
	}
	return c.terminal
}

func (c *Client) validProject(projectID string) bool {
	if models.ValidProjectID(projectID) {
		return true
	}
	c.sub.Send(events.Error(projectID, "invalid project_id"))
	return false
}

// fail reports a command error to this connection only.
func (c *Client) fail(projectID string, err error) {
	c.sub.Send(events.Error(projectID, err.Error()))
}

// WritePump drains the subscriber queue to the WebSocket
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.sub.Notify():
			for _, ev := range c.sub.Drain() {
				data, err := ev.Marshal()
				if err != nil {
					c.router.logger.Error("marshal event", "type", ev.Type, "error", err)
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}

		case <-c.sub.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
