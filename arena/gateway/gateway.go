// Package gateway is the entry point for client events. Every event that mutates an
// encounter is queued to a worker dedicated to that encounter, so rounds of one encounter
// are produced strictly one at a time in arrival order while different encounters run
// concurrently.
package gateway

import (
	"context"
	"sync"
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/arena/archive"
	"arenaserver/arena/broadcast"
	"arenaserver/arena/resolver"
	"arenaserver/arena/room"
	"arenaserver/arena/store"
	"arenaserver/models"

	"go.uber.org/zap"
)

const (
	defaultIdleTimeout = 2 * time.Minute
	defaultOpTimeout   = 10 * time.Second
	queueSize          = 64
)

// RankingTrigger starts ranking recomputes without waiting for them.
type RankingTrigger interface {
	Trigger(participantIDs ...string)
}

type Options struct {
	Store    store.Store
	Registry *room.Registry
	Resolver *resolver.Resolver
	Rankings RankingTrigger
	Archiver archive.Archiver
	Settler  Settler
	Logger   *zap.Logger
	Clock    func() time.Time
	// IdleTimeout is how long a worker without queued work or pending moves lives.
	IdleTimeout time.Duration
	OpTimeout   time.Duration
}

type Gateway struct {
	store    store.Store
	registry *room.Registry
	resolver *resolver.Resolver
	rankings RankingTrigger
	archiver archive.Archiver
	settler  Settler
	logger   *zap.Logger
	now      func() time.Time
	idle     time.Duration
	opTime   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	workers map[string]*worker
	wg      sync.WaitGroup
}

func New(opts Options) *Gateway {
	g := &Gateway{
		store:    opts.Store,
		registry: opts.Registry,
		resolver: opts.Resolver,
		rankings: opts.Rankings,
		archiver: opts.Archiver,
		settler:  opts.Settler,
		logger:   opts.Logger,
		now:      opts.Clock,
		idle:     opts.IdleTimeout,
		opTime:   opts.OpTimeout,
		workers:  make(map[string]*worker),
	}
	if g.resolver == nil {
		g.resolver = resolver.New(resolver.DefaultRules(), nil)
	}
	if g.settler == nil {
		g.settler = LogSettler{Logger: opts.Logger}
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.idle <= 0 {
		g.idle = defaultIdleTimeout
	}
	if g.opTime <= 0 {
		g.opTime = defaultOpTimeout
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g
}

// Handle authenticates and routes one inbound event. The returned value is the ack
// payload for the sender.
func (g *Gateway) Handle(ctx context.Context, c *room.Conn, in broadcast.Inbound) (interface{}, error) {
	if c == nil || c.UserID == "" {
		return nil, apperr.New(apperr.AuthenticationRequired, "authentication required")
	}

	switch in.Type {
	case broadcast.TypeJoinRoom:
		var p broadcast.RoomRef
		if err := broadcast.DecodePayload(in, &p); err != nil {
			return nil, err
		}
		return g.join(ctx, c, p)

	case broadcast.TypeLeaveRoom:
		var p broadcast.RoomRef
		if err := broadcast.DecodePayload(in, &p); err != nil {
			return nil, err
		}
		return g.leave(c, p)

	case broadcast.TypeSubmitMove:
		var p broadcast.SubmitMove
		if err := broadcast.DecodePayload(in, &p); err != nil {
			return nil, err
		}
		if err := g.requireMember(c, models.KindBattle, p.RoomID); err != nil {
			return nil, err
		}
		return g.dispatch(ctx, p.RoomID, submitMove{userID: c.UserID, req: p})

	case broadcast.TypePlaceBid:
		var p broadcast.PlaceBid
		if err := broadcast.DecodePayload(in, &p); err != nil {
			return nil, err
		}
		if err := g.requireMember(c, models.KindAuction, p.RoomID); err != nil {
			return nil, err
		}
		return g.dispatch(ctx, p.RoomID, placeBid{userID: c.UserID, req: p})

	case broadcast.TypeSetProxyBid:
		var p broadcast.SetProxyBid
		if err := broadcast.DecodePayload(in, &p); err != nil {
			return nil, err
		}
		if err := g.requireMember(c, models.KindAuction, p.RoomID); err != nil {
			return nil, err
		}
		return g.dispatch(ctx, p.RoomID, setProxyBid{userID: c.UserID, req: p})

	case broadcast.TypePlaceBet:
		var p broadcast.PlaceBet
		if err := broadcast.DecodePayload(in, &p); err != nil {
			return nil, err
		}
		if err := g.requireMember(c, models.KindBetting, p.RoomID); err != nil {
			return nil, err
		}
		return g.dispatch(ctx, p.RoomID, placeBet{userID: c.UserID, req: p})
	}

	return nil, apperr.Newf(apperr.ValidationError, "unknown event type %q", in.Type)
}

// Close completes an expired auction or market through its worker.
func (g *Gateway) Close(ctx context.Context, encounterID string) error {
	_, err := g.dispatch(ctx, encounterID, closeEncounter{})
	return err
}

func (g *Gateway) join(ctx context.Context, c *room.Conn, p broadcast.RoomRef) (interface{}, error) {
	if p.RoomID == "" || !p.Kind.Valid() {
		return nil, apperr.New(apperr.ValidationError, "roomId and a valid kind are required")
	}
	key := room.Key{Kind: p.Kind, ID: p.RoomID}
	snap, err := g.registry.Join(ctx, c, key)
	if err != nil {
		return nil, err
	}
	g.publish(key, broadcast.TypeMemberJoined, broadcast.MemberEvent{RoomID: p.RoomID, Kind: p.Kind, UserID: c.UserID})
	return broadcast.StateUpdate{Snapshot: snap}, nil
}

func (g *Gateway) leave(c *room.Conn, p broadcast.RoomRef) (interface{}, error) {
	key := room.Key{Kind: p.Kind, ID: p.RoomID}
	if !g.registry.Leave(key, c) {
		return nil, apperr.Newf(apperr.NotFound, "room %s not joined", key)
	}
	g.publish(key, broadcast.TypeMemberLeft, broadcast.MemberEvent{RoomID: p.RoomID, Kind: p.Kind, UserID: c.UserID})
	return p, nil
}

// Disconnected announces a lost connection to the rooms it was removed from.
func (g *Gateway) Disconnected(c *room.Conn, keys []room.Key) {
	for _, key := range keys {
		g.publish(key, broadcast.TypeMemberLeft, broadcast.MemberEvent{RoomID: key.ID, Kind: key.Kind, UserID: c.UserID})
	}
}

func (g *Gateway) requireMember(c *room.Conn, kind models.EncounterKind, roomID string) error {
	if roomID == "" {
		return apperr.New(apperr.ValidationError, "roomId is required")
	}
	key := room.Key{Kind: kind, ID: roomID}
	if !g.registry.IsMember(key, c.ID) {
		return apperr.Newf(apperr.NotFound, "room %s not joined", key)
	}
	return nil
}

func (g *Gateway) publish(key room.Key, t broadcast.EventType, payload interface{}) {
	msg, err := broadcast.Encode(t, "", payload)
	if err != nil {
		g.logger.Error("Failed to encode broadcast", zap.String("room", key.String()), zap.String("type", string(t)), zap.Error(err))
		return
	}
	g.registry.Broadcast(key, msg)
}

// Shutdown stops accepting work and waits for every worker and background task.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
}

// Workers reports how many encounter workers are alive.
func (g *Gateway) Workers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.workers)
}
