// Package room tracks live connections and the rooms they watch.
package room

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultSendBuffer = 64

// Conn is one live client connection. The transport drains Outbound and closes the
// socket once Done fires.
type Conn struct {
	ID     string
	UserID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(userID string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) Outbound() <-chan []byte { return c.send }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// deliver never blocks. A full buffer drops the message for this connection only.
func (c *Conn) deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub indexes connections by id and by user, and keeps the reverse index
// connection -> rooms used for disconnect cleanup.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	byUser  map[string]map[string]*Conn
	roomsOf map[string]map[Key]struct{}
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[string]*Conn),
		byUser:  make(map[string]map[string]*Conn),
		roomsOf: make(map[string]map[Key]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
	if h.byUser[c.UserID] == nil {
		h.byUser[c.UserID] = make(map[string]*Conn)
	}
	h.byUser[c.UserID][c.ID] = c
	h.roomsOf[c.ID] = make(map[Key]struct{})
	h.logger.Info("New client added", zap.String("userID", c.UserID), zap.String("connID", c.ID))
}

// Unregister forgets the connection and returns the rooms it was in.
func (h *Hub) Unregister(c *Conn) []Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return nil
	}
	delete(h.conns, c.ID)
	if set := h.byUser[c.UserID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	keys := make([]Key, 0, len(h.roomsOf[c.ID]))
	for k := range h.roomsOf[c.ID] {
		keys = append(keys, k)
	}
	delete(h.roomsOf, c.ID)
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	h.logger.Info("Client removed", zap.String("userID", c.UserID), zap.String("connID", c.ID), zap.Int("rooms", len(keys)))
	return keys
}

// track returns false when the connection is no longer registered.
func (h *Hub) track(connID string, key Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.roomsOf[connID]
	if !ok {
		return false
	}
	rooms[key] = struct{}{}
	return true
}

func (h *Hub) untrack(connID string, key Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rooms, ok := h.roomsOf[connID]; ok {
		delete(rooms, key)
	}
}

// RoomsOf lists the rooms a connection currently belongs to.
func (h *Hub) RoomsOf(connID string) []Key {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]Key, 0, len(h.roomsOf[connID]))
	for k := range h.roomsOf[connID] {
		keys = append(keys, k)
	}
	return keys
}

// RoomsOfUser lists the rooms any connection of the user belongs to.
func (h *Hub) RoomsOfUser(userID string) []Key {
	h.mu.RLock()
	seen := make(map[Key]struct{})
	for connID := range h.byUser[userID] {
		for k := range h.roomsOf[connID] {
			seen[k] = struct{}{}
		}
	}
	h.mu.RUnlock()

	keys := make([]Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// Send delivers to a single connection without blocking.
func (h *Hub) Send(c *Conn, msg []byte) bool {
	if !c.deliver(msg) {
		h.logger.Warn("Dropped message for slow or closed client", zap.String("userID", c.UserID), zap.String("connID", c.ID))
		return false
	}
	return true
}

// CloseAll signals every live connection to close. The transport finishes the cleanup.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// SendToUser delivers to every live connection of the user and returns how many accepted it.
func (h *Hub) SendToUser(userID string, msg []byte) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.Send(c, msg) {
			delivered++
		}
	}
	return delivered
}
