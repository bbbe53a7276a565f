package netrpc

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const modelPollInterval = 40 * time.Second

// Client is the actor-side half of the distributed layer: it sends
// trajectory frames to the learner and periodically polls for model
// updates. Grounded on lox-pokerforbots/internal/client/client.go's
// connect/readPump/writePump structure, adapted from JSON frames to
// netrpc's binary ones.
type Client struct {
	serverURL            string
	isTournamentOpponent bool

	logger *log.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	onModelUpdate func(modelID string, sd []TensorWire)

	closeOnce sync.Once
}

// NewClient builds a Client targeting serverURL (e.g. "ws://host:port/ws").
func NewClient(serverURL string, isTournamentOpponent bool, onModelUpdate func(string, []TensorWire)) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		serverURL:            serverURL,
		isTournamentOpponent: isTournamentOpponent,
		logger:               log.Default().WithPrefix("netrpc.client"),
		send:                 make(chan []byte, 256),
		ctx:                  ctx,
		cancel:               cancel,
		onModelUpdate:        onModelUpdate,
	}
}

// Connect dials the server and starts the read/write pumps plus the
// periodic model-update poll loop.
func (c *Client) Connect() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return errors.Wrap(err, "netrpc: invalid server url")
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "netrpc: dial")
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()
	go c.pollLoop()
	return nil
}

// Close tears the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// SendTrajectory enqueues a trajectory frame for delivery.
func (c *Client) SendTrajectory(kv map[string][]float32) {
	c.enqueue(EncodeTrajectory(kv))
}

// RequestModel enqueues a model_request frame.
func (c *Client) RequestModel() {
	c.enqueue(EncodeModelRequest(c.isTournamentOpponent))
}

func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

func (c *Client) readPump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Error("read error, will not reconnect automatically", "err", err)
			return
		}
		if len(data) == 0 {
			continue
		}
		if MessageType(data[0]) == MsgModelUpdate {
			modelID, sd, err := DecodeModelUpdate(data[1:])
			if err != nil {
				c.logger.Error("bad model_update frame", "err", err)
				continue
			}
			if c.onModelUpdate != nil {
				c.onModelUpdate(modelID, sd)
			}
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case frame, ok := <-c.send:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Error("write error", "err", err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// pollLoop requests a model update every ~40s, unless this client is a
// tournament opponent that opted out (isTournamentOpponent==true means
// it still asks but the learner may choose not to swap its weights —
// NewClient's flag is threaded through RequestModel's payload byte
// exactly so the learner can make that call).
func (c *Client) pollLoop() {
	ticker := time.NewTicker(modelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.RequestModel()
		case <-c.ctx.Done():
			return
		}
	}
}
