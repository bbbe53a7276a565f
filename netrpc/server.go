package netrpc

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Conn is one actor's connection as seen by the learner Server.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	logger *log.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, logger *log.Logger) *Conn {
	return &Conn{ws: ws, send: make(chan []byte, 256), logger: logger, done: make(chan struct{})}
}

// Send enqueues a frame for delivery to this actor. Non-blocking: a
// full outbound queue drops the frame; an actor that misses a model
// update asks again on its next 40s poll.
func (c *Conn) Send(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("actor send queue full, dropping frame")
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readPump(dispatch func(mt MessageType, payload []byte)) {
	defer c.Close()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		dispatch(MessageType(data[0]), data[1:])
	}
}

// Server is the learner-side half of the distributed layer: it accepts
// actor connections, forwards trajectory frames to onTrajectory, and
// answers model_request frames via onModelRequest. Grounded on
// lox-pokerforbots/internal/server/server.go's websocket-upgrade and
// read/write-pump pattern.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *log.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}

	onTrajectory   func(kv map[string][]float32)
	onModelRequest func(c *Conn, isTournamentOpponent bool)
}

// NewServer builds a Server bound to addr. It does not start listening
// until Serve is called.
func NewServer(addr string, onTrajectory func(map[string][]float32), onModelRequest func(*Conn, bool)) *Server {
	s := &Server{
		upgrader:       websocket.Upgrader{ReadBufferSize: 1 << 20, WriteBufferSize: 1 << 20},
		logger:         log.Default().WithPrefix("netrpc.server"),
		conns:          make(map[*Conn]struct{}),
		onTrajectory:   onTrajectory,
		onModelRequest: onModelRequest,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Serve starts accepting actor connections; it blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.httpServer.Close()
	}()
	s.logger.Info("listening", "addr", ln.Addr())
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "err", err)
		return
	}
	c := newConn(ws, s.logger)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	go func() {
		c.readPump(func(mt MessageType, payload []byte) {
			switch mt {
			case MsgTrajectory:
				kv, err := DecodeTrajectory(payload)
				if err != nil {
					s.logger.Error("bad trajectory frame", "err", err)
					return
				}
				if s.onTrajectory != nil {
					s.onTrajectory(kv)
				}
			case MsgModelRequest:
				isOpp, err := DecodeModelRequest(payload)
				if err != nil {
					s.logger.Error("bad model_request frame", "err", err)
					return
				}
				if s.onModelRequest != nil {
					s.onModelRequest(c, isOpp)
				}
			case MsgResult:
				// Elo aggregation consumption is left to the caller via
				// a dedicated handler if ever needed; nothing to do here
				// for the self-play core.
			}
		})
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// Broadcast sends a model_update frame to every connected actor.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Send(frame)
	}
}

// NumConns reports the current number of connected actors.
func (s *Server) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
