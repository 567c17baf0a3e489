package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/naok1207/workflow-visualizer/internal/metrics"
	"github.com/naok1207/workflow-visualizer/pkg/relay"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers may be served from another origin
	},
}

// clientMessage is sent by viewers to manage task channel membership.
type clientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// serverReply acknowledges a client message.
type serverReply struct {
	Type    string   `json:"type"`
	TaskID  string   `json:"task_id,omitempty"`
	Tasks   []string `json:"tasks,omitempty"`
	Message string   `json:"message,omitempty"`
}

type wsClient struct {
	conn      *websocket.Conn
	sub       *relay.Subscriber
	replies   chan serverReply
	readDone  chan struct{}
	writeDone chan struct{}
}

// serveWS streams relay deliveries to a live viewer. The viewer is on the
// global channel and joins task channels with join_task and leave_task.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{
		conn:      conn,
		sub:       s.deps.Relay.SubscribeAll(),
		replies:   make(chan serverReply, 8),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	metrics.WebsocketOpened()
	s.deps.Logger.Infof("Live viewer connected (%s)", RequestID(r.Context()))

	go c.readLoop(s.deps.PingInterval * 2)
	c.writeLoop(s.deps.PingInterval)

	close(c.writeDone)
	c.sub.Close()
	conn.Close()
	<-c.readDone
	metrics.WebsocketClosed()
	s.deps.Logger.Infof("Live viewer disconnected (%s)", RequestID(r.Context()))
}

func (c *wsClient) readLoop(pongWait time.Duration) {
	defer close(c.readDone)
	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var reply serverReply
		switch {
		case msg.Type != "join_task" && msg.Type != "leave_task":
			reply = serverReply{Type: "error", Message: "unknown message type " + msg.Type}
		case msg.TaskID == "":
			reply = serverReply{Type: "error", Message: "task_id is required"}
		case msg.Type == "join_task":
			c.sub.Join(msg.TaskID)
			reply = serverReply{Type: "joined", TaskID: msg.TaskID, Tasks: c.sub.Tasks()}
		default:
			c.sub.Leave(msg.TaskID)
			reply = serverReply{Type: "left", TaskID: msg.TaskID, Tasks: c.sub.Tasks()}
		}
		select {
		case c.replies <- reply:
		case <-c.writeDone:
			return
		}
	}
}

// writeLoop owns all writes to the connection.
func (c *wsClient) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case d, ok := <-c.sub.Events():
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := c.write(d.Message()); err != nil {
				return
			}
		case reply := <-c.replies:
			if err := c.write(reply); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.readDone:
			return
		}
	}
}

func (c *wsClient) write(v interface{}) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}
