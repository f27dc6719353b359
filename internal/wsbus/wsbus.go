// Package wsbus implements the per-channel WebSocket broadcaster: callers
// register named channels ("mobile_location" being the one spec.md
// names), subscribe *websocket.Conn clients to them, and broadcast JSON
// messages that fan out to every subscriber, with a periodic ping keeping
// idle connections alive.
package wsbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval = 15 * time.Second
	writeWait    = 10 * time.Second
)

// Client wraps one subscriber connection. Writes are serialized through a
// single owning goroutine, as gorilla/websocket requires.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger
}

func newClient(conn *websocket.Conn, log zerolog.Logger) *Client {
	return &Client{conn: conn, send: make(chan []byte, 32), log: log}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("wsbus: client write failed")
			return
		}
	}
}

// readPump discards inbound traffic but is required to process control
// frames (pong, close) and detect a dead connection.
func (c *Client) readPump(onClose func()) {
	defer onClose()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// msgQueue is an unbounded FIFO of pre-encoded messages, matching the
// original WebsocketBroadcast's plain `queue.Queue()` (no maxsize).
type msgQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newMsgQueue() *msgQueue {
	q := &msgQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *msgQueue) push(msg []byte) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *msgQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *msgQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// Channel is one named broadcast worker with its own client set and
// message queue.
type Channel struct {
	name string
	log  zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	queue *msgQueue
	done  chan struct{}
}

func newChannel(name string, log zerolog.Logger) *Channel {
	c := &Channel{
		name:    name,
		log:     log.With().Str("channel", name).Logger(),
		clients: make(map[*Client]struct{}),
		queue:   newMsgQueue(),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) run() {
	defer close(c.done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	msgCh := make(chan []byte)
	go func() {
		for {
			m, ok := c.queue.pop()
			if !ok {
				close(msgCh)
				return
			}
			msgCh <- m
		}
	}()

	for {
		select {
		case m, ok := <-msgCh:
			if !ok {
				return
			}
			c.fanOut(m)
		case <-ticker.C:
			c.ping()
		}
	}
}

func (c *Channel) fanOut(msg []byte) {
	c.mu.RLock()
	clients := make([]*Client, 0, len(c.clients))
	for cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.RUnlock()

	for _, cl := range clients {
		if !cl.enqueue(msg) {
			c.log.Warn().Msg("wsbus: client send buffer full, dropping message")
		}
	}
}

func (c *Channel) ping() {
	c.mu.RLock()
	clients := make([]*Client, 0, len(c.clients))
	for cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.RUnlock()

	for _, cl := range clients {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			c.log.Debug().Err(err).Msg("wsbus: ping failed")
		}
	}
}

func (c *Channel) addClient(cl *Client) {
	c.mu.Lock()
	c.clients[cl] = struct{}{}
	c.mu.Unlock()
}

func (c *Channel) removeClient(cl *Client) {
	c.mu.Lock()
	delete(c.clients, cl)
	c.mu.Unlock()
}

func (c *Channel) broadcast(msg []byte) {
	c.queue.push(msg)
}

func (c *Channel) stop() {
	c.queue.close()
	<-c.done
}

// Bus owns every registered Channel.
type Bus struct {
	mu       sync.Mutex
	channels map[string]*Channel
	log      zerolog.Logger
}

// NewBus returns an empty Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{channels: make(map[string]*Channel), log: log.With().Str("component", "wsbus").Logger()}
}

// Register creates channel name if it does not already exist.
func (b *Bus) Register(name string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return ch
	}
	ch := newChannel(name, b.log)
	b.channels[name] = ch
	return ch
}

func (b *Bus) channel(name string) (*Channel, error) {
	b.mu.Lock()
	ch, ok := b.channels[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wsbus: unknown channel %q", name)
	}
	return ch, nil
}

// Subscribe attaches conn to channel name, starting its read/write pumps.
// It blocks until the connection closes (typically called in its own
// goroutine by the HTTP handler), matching the teacher's per-connection
// client lifecycle.
func (b *Bus) Subscribe(name string, conn *websocket.Conn) error {
	ch, err := b.channel(name)
	if err != nil {
		return err
	}
	cl := newClient(conn, b.log)
	ch.addClient(cl)
	go cl.writePump()
	cl.readPump(func() {
		ch.removeClient(cl)
		close(cl.send)
	})
	return nil
}

// Broadcast JSON-encodes msg and enqueues it on channel name. Unknown
// channels are logged and dropped, matching the original raising on
// `select` of an unregistered key being a programmer error rather than a
// runtime one.
func (b *Bus) Broadcast(name string, msg any) {
	ch, err := b.channel(name)
	if err != nil {
		b.log.Warn().Err(err).Msg("wsbus: broadcast to unknown channel")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Msg("wsbus: marshal broadcast message")
		return
	}
	ch.broadcast(data)
}

// Stop shuts down every channel's worker.
func (b *Bus) Stop() {
	b.mu.Lock()
	chans := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		ch.stop()
	}
}
