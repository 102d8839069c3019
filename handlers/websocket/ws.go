package websocket

import (
	"collab-editor/core"
	"collab-editor/gateway"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 5000000
	sendBuffer     = 256
)

var errSendBufferFull = errors.New("send buffer full")

// frame is the JSON envelope used on the raw WebSocket endpoint.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type wsClient struct {
	gw     *gateway.Gateway
	conn   *websocket.Conn
	connID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsClient) Send(evt core.Event) error {
	data, err := json.Marshal(outboundFrame{Event: evt.Name, Data: evt.Payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrTransportClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeWS upgrades the request and bridges JSON frames to the gateway.
func ServeWS(gw *gateway.Gateway, origins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || localhostOrigin.MatchString(origin) || lo.Contains(origins, origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("WebSocket upgrade failed")
			return
		}

		client := &wsClient{
			gw:     gw,
			conn:   conn,
			connID: "ws-" + ulid.Make().String(),
			send:   make(chan []byte, sendBuffer),
		}
		gw.Connect(client.connID, client)

		go client.writePump()
		go client.readPump()
	}
}

func (c *wsClient) readPump() {
	reason := "transport close"
	defer func() {
		c.gw.Disconnect(c.connID, reason)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = "transport error"
				logrus.WithError(err).WithField("conn_id", c.connID).Warn("WebSocket read failed")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			logrus.WithError(err).WithField("conn_id", c.connID).Debug("Malformed frame")
			f = frame{}
		}
		var raw any
		if len(f.Data) > 0 {
			raw = f.Data
		}
		_ = c.gw.Receive(context.Background(), c.connID, f.Event, raw)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
