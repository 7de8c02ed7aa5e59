package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsReadLimit caps inbound WebSocket frames; client operations are small.
const wsReadLimit = 1 << 20

// Client-to-server operations.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opSet         = "set"
	opPing        = "ping"
)

// Server-to-client message types.
const (
	msgWelcome = "welcome"
	msgChange  = "change"
	msgPong    = "pong"
	msgError   = "error"
)

type clientMessage struct {
	Op    string `json:"op"`
	Name  string `json:"name,omitempty"`
	Value any    `json:"value,omitempty"`
}

type serverMessage struct {
	Type    string   `json:"type"`
	Name    string   `json:"name,omitempty"`
	Value   any      `json:"value,omitempty"`
	Version uint64   `json:"version,omitempty"`
	Names   []string `json:"names,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// client is one WebSocket connection. A single writer goroutine owns the
// socket for writes; everything else queues through the send channel.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	send chan []byte
	done chan struct{}

	mu   sync.Mutex
	subs map[string]func()

	closeOnce sync.Once
}

// handleWebSocket upgrades the connection and attaches a client to the
// runtime's reactive store.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, s.sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]func()),
	}
	c.logger = s.logger.With("client_id", c.id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c.id] = c
	s.mu.Unlock()
	s.metrics.ClientConnected()

	c.logger.Info("websocket client connected", "remote", conn.RemoteAddr())
	c.push(serverMessage{Type: msgWelcome, Names: s.runtime.VariableNames()})

	go c.writeLoop()
	go c.readLoop()
}

func (c *client) readLoop() {
	defer c.close()

	pongWait := c.server.pingInterval + c.server.writeTimeout
	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "err", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) dispatch(data []byte) {
	var msg clientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		c.pushError(fmt.Errorf("bad message: %w", err))
		return
	}
	switch msg.Op {
	case opSubscribe:
		c.subscribe(msg.Name)
	case opUnsubscribe:
		c.unsubscribe(msg.Name)
	case opSet:
		c.set(msg.Name, msg.Value)
	case opPing:
		c.push(serverMessage{Type: msgPong})
	default:
		c.pushError(fmt.Errorf("unknown op %q", msg.Op))
	}
}

// subscribe registers for changes and pushes the current state right away so
// the client starts from a consistent snapshot. Undefined names get a slot;
// it fills in when a cell later exports the value.
func (c *client) subscribe(name string) {
	if name == "" {
		c.pushError(errors.New("subscribe needs a name"))
		return
	}

	c.mu.Lock()
	_, dup := c.subs[name]
	c.mu.Unlock()
	if dup {
		return
	}

	rt := c.server.runtime
	if !rt.VariableDefined(name) {
		if err := rt.DefineVariable(name, nil); err != nil {
			c.pushError(err)
			return
		}
	}
	unsub, err := rt.SubscribeVariable(name, func(value any, version uint64) {
		c.push(serverMessage{Type: msgChange, Name: name, Value: value, Version: version})
	})
	if err != nil {
		c.pushError(err)
		return
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		unsub()
		return
	}
	if _, dup := c.subs[name]; dup {
		c.mu.Unlock()
		unsub()
		return
	}
	c.subs[name] = unsub
	c.mu.Unlock()

	if v, ok := rt.Store().Get(name); ok {
		c.push(serverMessage{Type: msgChange, Name: name, Value: v.Get(), Version: v.Version()})
	}
}

func (c *client) unsubscribe(name string) {
	c.mu.Lock()
	unsub, ok := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

// set routes writes through the input registry when the name is a defined
// input so its constraints still apply.
func (c *client) set(name string, value any) {
	if name == "" {
		c.pushError(errors.New("set needs a name"))
		return
	}
	rt := c.server.runtime
	if rt.InputExists(name) {
		if err := rt.SetInput(name, value); err != nil {
			c.pushError(err)
		}
		return
	}
	rt.SetVariable(name, value)
}

// push queues a message for the writer goroutine. Store notifications run on
// engine goroutines and must not block, so a client that cannot drain its
// queue is dropped instead.
func (c *client) push(msg serverMessage) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		c.logger.Error("encoding push", "err", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("send queue full, dropping client")
		go c.close()
	}
}

func (c *client) pushError(err error) {
	c.push(serverMessage{Type: msgError, Error: err.Error()})
}

// close detaches subscriptions, drops the connection and unregisters the
// client. Safe to call from any goroutine, any number of times.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, unsub := range subs {
			unsub()
		}

		c.conn.Close()

		s := c.server
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		s.metrics.ClientDisconnected()

		c.logger.Info("websocket client disconnected")
	})
}
