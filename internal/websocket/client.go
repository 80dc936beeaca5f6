package websocket

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/secmem"
)

var log = logging.L("websocket")

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = time.Minute
	pingPeriod       = pongWait * 9 / 10
	maxMessageSize   = 512 << 10
	outboxSize       = 256
)

var (
	ErrStopped  = errors.New("websocket client stopped")
	ErrSendFull = errors.New("websocket send buffer full")
)

// Config holds the management server connection settings.
type Config struct {
	ServerURL string
	DeviceID  string
	AuthToken *secmem.Secret

	// TLSConfig carries the client certificate for mTLS; nil uses the
	// system defaults.
	TLSConfig *tls.Config

	// EulaTimeout bounds how long the EulaGate waits for a decision. Zero
	// selects five minutes.
	EulaTimeout time.Duration
}

// Command is a server request. Every command is answered with a
// CommandResult carrying the same ID.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CommandResult struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CommandHandler answers a server command.
type CommandHandler func(cmd Command) CommandResult

// Client holds a connection to the management server open, redialing with
// exponential backoff whenever it drops. Messages queued with Send while
// disconnected are delivered after the next successful dial.
type Client struct {
	config  Config
	handler CommandHandler

	outbox  chan []byte
	replies *replyTable

	active    atomic.Pointer[websocket.Conn]
	done      chan struct{}
	stopOnce  sync.Once
	connected chan struct{}
	firstConn sync.Once
}

// New creates a client. handler may be nil when the server sends no commands.
func New(cfg Config, handler CommandHandler) *Client {
	return &Client{
		config:    cfg,
		handler:   handler,
		outbox:    make(chan []byte, outboxSize),
		replies:   newReplyTable(),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Connected is closed after the first successful connection.
func (c *Client) Connected() <-chan struct{} { return c.connected }

// Start dials and serves connections until Stop is called.
func (c *Client) Start() {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = time.Minute
	retry.RandomizationFactor = 0.3
	retry.MaxElapsedTime = 0

	for !c.stopped() {
		conn, err := c.dial()
		if err != nil {
			wait := retry.NextBackOff()
			log.Warn("connection failed", logging.KeyError, err.Error(), "retryIn", wait.String())
			select {
			case <-c.done:
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		c.serve(conn)
	}
}

// Stop closes the connection, ends the dial loop and wipes the token.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if conn := c.active.Swap(nil); conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		}
		c.config.AuthToken.Zero()
		log.Info("client stopped")
	})
}

func (c *Client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send queues v as a JSON text message. It never blocks; a full queue
// returns ErrSendFull.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if c.stopped() {
		return ErrStopped
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		return ErrSendFull
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	header := http.Header{}
	if !c.config.AuthToken.Empty() {
		header.Set("Authorization", "Bearer "+c.config.AuthToken.Reveal())
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  c.config.TLSConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.Dial(endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	log.Info("connected", "server", c.config.ServerURL)
	c.firstConn.Do(func() { close(c.connected) })
	return conn, nil
}

// endpoint maps the server URL onto the device's updater socket, switching
// http(s) to ws(s).
func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if id := c.config.DeviceID; id != "" {
		u.Path = "/api/v1/devices/" + url.PathEscape(id) + "/updater/ws"
	}
	return u.String(), nil
}
