package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

// inbound is the routing header shared by every server message.
type inbound struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
}

// serve runs one connection until it fails or the client stops. The writer
// owns all writes; the reader runs on the calling goroutine.
func (c *Client) serve(conn *websocket.Conn) {
	c.active.Store(conn)
	defer c.active.CompareAndSwap(conn, nil)
	if c.stopped() {
		conn.Close()
		return
	}

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.write(conn, quit)
	}()

	c.read(conn)
	close(quit)
	conn.Close()
	wg.Wait()
}

func (c *Client) read(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err.Error())
			}
			return
		}
		c.route(data)
	}
}

// route sends replies to their waiter and commands to the handler. Other
// messages are ignored.
func (c *Client) route(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("failed to parse message", logging.KeyError, err.Error())
		return
	}
	if msg.RequestID != "" {
		c.replies.deliver(msg.RequestID, data)
		return
	}
	if msg.ID == "" || c.handler == nil {
		return
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warn("failed to parse command", logging.KeyError, err.Error())
		return
	}
	go c.answer(cmd)
}

func (c *Client) answer(cmd Command) {
	log.Info("processing command", "commandId", cmd.ID, "commandType", cmd.Type)
	res := c.handler(cmd)
	res.Type = "command_result"
	res.CommandID = cmd.ID
	if err := c.Send(res); err != nil {
		log.Error("failed to send command result", "commandId", cmd.ID, logging.KeyError, err.Error())
	}
}

func (c *Client) write(conn *websocket.Conn, quit <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		var (
			kind = websocket.TextMessage
			data []byte
		)
		select {
		case <-quit:
			return
		case <-c.done:
			return
		case data = <-c.outbox:
		case <-ping.C:
			kind = websocket.PingMessage
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(kind, data); err != nil {
			if kind == websocket.TextMessage {
				log.Warn("write error", logging.KeyError, err.Error())
			}
			conn.Close()
			return
		}
	}
}

// replyTable matches server replies to outstanding requests by requestId.
type replyTable struct {
	mu      sync.Mutex
	waiting map[string]chan json.RawMessage
}

func newReplyTable() *replyTable {
	return &replyTable{waiting: make(map[string]chan json.RawMessage)}
}

// expect registers requestID. The returned func drops the registration.
func (t *replyTable) expect(requestID string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 1)
	t.mu.Lock()
	t.waiting[requestID] = ch
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		delete(t.waiting, requestID)
		t.mu.Unlock()
	}
}

func (t *replyTable) deliver(requestID string, data []byte) {
	t.mu.Lock()
	ch, ok := t.waiting[requestID]
	delete(t.waiting, requestID)
	t.mu.Unlock()
	if !ok {
		log.Debug("reply for unknown request", "requestId", requestID)
		return
	}
	ch <- json.RawMessage(data)
}
