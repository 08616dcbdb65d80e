package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/models"

	"go.uber.org/zap"
)

// Key identifies a room: the encounter it projects and its kind.
type Key struct {
	Kind models.EncounterKind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + "-" + k.ID }

// Loader fetches the authoritative encounter a room is seeded from.
type Loader interface {
	GetEncounter(ctx context.Context, id string) (*models.Encounter, error)
}

type Room struct {
	key      Key
	mu       sync.Mutex
	members  map[string]*Conn
	snapshot models.Snapshot
	sealed   bool
	dead     bool
}

// Registry owns the live rooms. The registry lock guards the room map only; each
// room has its own lock for membership.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[Key]*Room
	hub    *Hub
	loader Loader
	logger *zap.Logger
	now    func() time.Time
}

func NewRegistry(hub *Hub, loader Loader, logger *zap.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		rooms:  make(map[Key]*Room),
		hub:    hub,
		loader: loader,
		logger: logger,
		now:    now,
	}
}

func (r *Registry) Hub() *Hub { return r.hub }

// Join adds the connection to the room, creating the room if needed. The snapshot is
// always read from the store so a fresh room never starts from stale memory.
func (r *Registry) Join(ctx context.Context, c *Conn, key Key) (models.Snapshot, error) {
	enc, err := r.loader.GetEncounter(ctx, key.ID)
	if err != nil {
		return models.Snapshot{}, err
	}
	if enc.Kind != key.Kind {
		return models.Snapshot{}, apperr.Newf(apperr.NotFound, "%s room %s not found", key.Kind, key.ID)
	}
	snap := models.NewSnapshot(enc, r.now())

	for {
		room := r.getOrCreate(key)
		room.mu.Lock()
		if room.dead {
			room.mu.Unlock()
			continue
		}
		room.members[c.ID] = c
		room.snapshot = snap
		if snap.Status.Terminal() {
			room.sealed = true
		}
		room.mu.Unlock()
		break
	}

	if !r.hub.track(c.ID, key) {
		r.removeMember(key, c.ID)
		return models.Snapshot{}, apperr.New(apperr.InvalidState, "connection is closed")
	}
	r.logger.Debug("joined room", zap.String("room", key.String()), zap.String("userID", c.UserID))
	return snap, nil
}

func (r *Registry) getOrCreate(key Key) *Room {
	r.mu.RLock()
	room, ok := r.rooms[key]
	r.mu.RUnlock()
	if ok {
		return room
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[key]; ok {
		return room
	}
	room = &Room{key: key, members: make(map[string]*Conn)}
	r.rooms[key] = room
	r.logger.Info("room created", zap.String("room", key.String()))
	return room
}

func (r *Registry) lookup(key Key) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[key]
}

// Leave removes the connection from the room. It reports whether it was a member.
func (r *Registry) Leave(key Key, c *Conn) bool {
	r.hub.untrack(c.ID, key)
	return r.removeMember(key, c.ID)
}

// Disconnect treats a lost connection as a leave from every room it was in.
func (r *Registry) Disconnect(c *Conn) []Key {
	keys := r.hub.Unregister(c)
	for _, key := range keys {
		r.removeMember(key, c.ID)
	}
	c.Close()
	return keys
}

func (r *Registry) removeMember(key Key, connID string) bool {
	room := r.lookup(key)
	if room == nil {
		return false
	}
	room.mu.Lock()
	_, ok := room.members[connID]
	delete(room.members, connID)
	empty := len(room.members) == 0
	room.mu.Unlock()

	if empty {
		r.discardIfEmpty(key, room)
	}
	return ok
}

func (r *Registry) discardIfEmpty(key Key, room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) == 0 && !room.dead && r.rooms[key] == room {
		delete(r.rooms, key)
		room.dead = true
		r.logger.Info("room discarded", zap.String("room", key.String()))
	}
}

// Broadcast fans msg out to every member without blocking on any of them.
// Sealed rooms receive nothing.
func (r *Registry) Broadcast(key Key, msg []byte) int {
	room := r.lookup(key)
	if room == nil {
		return 0
	}
	room.mu.Lock()
	if room.sealed || room.dead {
		room.mu.Unlock()
		return 0
	}
	targets := make([]*Conn, 0, len(room.members))
	for _, c := range room.members {
		targets = append(targets, c)
	}
	room.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if r.hub.Send(c, msg) {
			delivered++
		}
	}
	return delivered
}

// Seal stops all further broadcasts to the room of a finished encounter.
func (r *Registry) Seal(key Key) {
	if room := r.lookup(key); room != nil {
		room.mu.Lock()
		room.sealed = true
		room.mu.Unlock()
	}
}

func (r *Registry) Sealed(key Key) bool {
	room := r.lookup(key)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.sealed
}

// Update replaces the cached snapshot of a live room.
func (r *Registry) Update(key Key, snap models.Snapshot) {
	if room := r.lookup(key); room != nil {
		room.mu.Lock()
		room.snapshot = snap
		room.mu.Unlock()
	}
}

func (r *Registry) Snapshot(key Key) (models.Snapshot, bool) {
	room := r.lookup(key)
	if room == nil {
		return models.Snapshot{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.snapshot, true
}

func (r *Registry) IsMember(key Key, connID string) bool {
	room := r.lookup(key)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	_, ok := room.members[connID]
	return ok
}

// Members returns the distinct users watching the room.
func (r *Registry) Members(key Key) []string {
	room := r.lookup(key)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	seen := make(map[string]struct{}, len(room.members))
	for _, c := range room.members {
		seen[c.UserID] = struct{}{}
	}
	room.mu.Unlock()

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) RoomsOfKind(kind models.EncounterKind) []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.rooms))
	for k := range r.rooms {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
