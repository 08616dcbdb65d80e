package gateway

import (
	"context"
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/arena/broadcast"
	"arenaserver/arena/resolver"
	"arenaserver/arena/room"
	"arenaserver/arena/store"
	"arenaserver/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type submitMove struct {
	userID string
	req    broadcast.SubmitMove
}

func (submitMove) name() string { return "submit-move" }

func (c submitMove) run(ctx context.Context, g *Gateway, w *worker) (interface{}, error) {
	enc, err := g.store.GetEncounter(ctx, c.req.RoomID)
	if err != nil {
		return nil, err
	}
	now := g.now()
	move := models.Move{
		ID:            uuid.NewString(),
		ParticipantID: c.userID,
		CardID:        c.req.CardID,
		Action:        c.req.ActionKind,
		TargetCardID:  c.req.TargetCardID,
		PowerupID:     c.req.PowerupID,
		SubmittedAt:   now,
	}

	ev, out, err := g.resolver.Resolve(enc, w.pending, move, now)
	if err != nil {
		return nil, err
	}

	number := len(enc.Rounds) + 1
	if out.Pending {
		w.pending = append(w.pending, ev)
		return broadcast.MoveAck{RoomID: enc.ID, RoundNumber: number, Pending: true, Awaiting: out.Awaiting}, nil
	}

	commit := store.Commit{Rounds: []models.Round{out.Round}, Activations: activations(w.pending, ev)}
	if out.Terminal {
		commit.Status = models.StatusCompleted
	}
	if err := g.commit(ctx, enc, &commit); err != nil {
		return nil, err
	}
	w.pending = nil
	round := commit.Rounds[0]

	if out.Terminal {
		enc.Status = models.StatusCompleted
		enc.CompletedAt = &now
	}

	key := room.Key{Kind: enc.Kind, ID: enc.ID}
	snap := models.NewSnapshot(enc, now)
	g.registry.Update(key, snap)
	g.publish(key, broadcast.TypeRoundResult, broadcast.RoundResult{
		RoomID:      enc.ID,
		RoundNumber: round.Number,
		Winner:      round.Winner,
		Draw:        round.Draw,
		Magnitude:   round.Magnitude,
		Effects:     round.Effects,
		Terminal:    out.Terminal,
	})
	g.publish(key, broadcast.TypeStateUpdate, broadcast.StateUpdate{Snapshot: snap})

	if out.Terminal {
		g.finish(enc)
	}
	return broadcast.MoveAck{RoomID: enc.ID, RoundNumber: round.Number, Terminal: out.Terminal}, nil
}

// activations collects the powerups switched on by the moves of a settled round.
func activations(pending []resolver.Evaluation, last resolver.Evaluation) map[string]time.Time {
	var out map[string]time.Time
	for _, ev := range append(pending[:len(pending):len(pending)], last) {
		if ev.Activated == "" {
			continue
		}
		if out == nil {
			out = make(map[string]time.Time)
		}
		out[ev.Activated] = ev.Move.SubmittedAt
	}
	return out
}

type placeBid struct {
	userID string
	req    broadcast.PlaceBid
}

func (placeBid) name() string { return "place-bid" }

func (c placeBid) run(ctx context.Context, g *Gateway, _ *worker) (interface{}, error) {
	enc, err := g.store.GetEncounter(ctx, c.req.RoomID)
	if err != nil {
		return nil, err
	}
	now := g.now()
	out, err := resolver.ApplyBid(enc, c.userID, c.req.Amount, now)
	if err != nil {
		return nil, err
	}
	updates, err := g.commitBids(ctx, enc, out, now)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.Bidder == c.userID && !u.Proxy {
			return u, nil
		}
	}
	return updates[len(updates)-1], nil
}

type setProxyBid struct {
	userID string
	req    broadcast.SetProxyBid
}

func (setProxyBid) name() string { return "set-proxy-bid" }

func (c setProxyBid) run(ctx context.Context, g *Gateway, _ *worker) (interface{}, error) {
	enc, err := g.store.GetEncounter(ctx, c.req.RoomID)
	if err != nil {
		return nil, err
	}
	now := g.now()
	out, err := resolver.SetProxyBid(enc, c.userID, c.req.Maximum, now)
	if err != nil {
		return nil, err
	}
	if _, err := g.commitBids(ctx, enc, out, now); err != nil {
		return nil, err
	}
	return broadcast.ProxyBidAck{
		RoomID:   enc.ID,
		Maximum:  c.req.Maximum,
		Leading:  enc.Auction.HighBidder == c.userID,
		Snapshot: models.NewSnapshot(enc, now),
	}, nil
}

// commitBids stores the rounds and auction state of a bid outcome and announces one
// bid-update per raise. A proxy change without a raise is stored but not announced.
func (g *Gateway) commitBids(ctx context.Context, enc *models.Encounter, out resolver.BidOutcome, now time.Time) ([]broadcast.BidUpdate, error) {
	commit := store.Commit{Rounds: out.Rounds, Auction: &out.Auction}
	if err := g.commit(ctx, enc, &commit); err != nil {
		return nil, err
	}
	enc.Auction = &out.Auction

	if out.Extended {
		g.logger.Info("Auction extended by late bid",
			zap.String("auction", enc.ID), zap.Time("endsAt", out.Auction.EndsAt))
	}
	if len(commit.Rounds) == 0 {
		return nil, nil
	}

	key := room.Key{Kind: enc.Kind, ID: enc.ID}
	snap := models.NewSnapshot(enc, now)
	g.registry.Update(key, snap)
	updates := make([]broadcast.BidUpdate, 0, len(commit.Rounds))
	for _, round := range commit.Rounds {
		bid := round.Moves[0]
		update := broadcast.BidUpdate{
			RoomID:   enc.ID,
			Bidder:   bid.ParticipantID,
			Amount:   bid.Amount,
			Proxy:    bid.Action == models.ActionProxyBid,
			Extended: out.Extended,
			Snapshot: snap,
		}
		g.publish(key, broadcast.TypeBidUpdate, update)
		updates = append(updates, update)
	}
	return updates, nil
}

type placeBet struct {
	userID string
	req    broadcast.PlaceBet
}

func (placeBet) name() string { return "place-bet" }

func (c placeBet) run(ctx context.Context, g *Gateway, _ *worker) (interface{}, error) {
	enc, err := g.store.GetEncounter(ctx, c.req.RoomID)
	if err != nil {
		return nil, err
	}
	now := g.now()
	out, err := resolver.ApplyBet(enc, c.userID, c.req.Position, c.req.Stake, now)
	if err != nil {
		return nil, err
	}

	commit := store.Commit{Rounds: []models.Round{out.Round}, Market: &out.Market}
	if err := g.commit(ctx, enc, &commit); err != nil {
		return nil, err
	}
	enc.Market = &out.Market

	key := room.Key{Kind: enc.Kind, ID: enc.ID}
	snap := models.NewSnapshot(enc, now)
	g.registry.Update(key, snap)
	update := broadcast.MarketUpdate{
		RoomID:   enc.ID,
		Bettor:   c.userID,
		Position: c.req.Position,
		Stake:    c.req.Stake,
		Odds:     out.Odds,
		Snapshot: snap,
	}
	g.publish(key, broadcast.TypeMarketUpdate, update)
	return update, nil
}

type closeEncounter struct{}

func (closeEncounter) name() string { return "close" }

func (closeEncounter) run(ctx context.Context, g *Gateway, w *worker) (interface{}, error) {
	enc, err := g.store.GetEncounter(ctx, w.id)
	if err != nil {
		return nil, err
	}
	if enc.Kind == models.KindBattle {
		return nil, apperr.Newf(apperr.ValidationError, "battle %s closes through its rounds", enc.ID)
	}
	if enc.Status.Terminal() {
		return nil, apperr.Newf(apperr.InvalidState, "encounter %s is already %s", enc.ID, enc.Status)
	}
	now := g.now()
	if closesAt, ok := enc.ClosesAt(); !ok || now.Before(closesAt) {
		return nil, apperr.Newf(apperr.InvalidState, "encounter %s is still open", enc.ID)
	}

	if err := g.store.SetEncounterStatus(ctx, enc.ID, models.StatusCompleted); err != nil {
		return nil, err
	}
	enc.Status = models.StatusCompleted
	enc.CompletedAt = &now

	key := room.Key{Kind: enc.Kind, ID: enc.ID}
	snap := models.NewSnapshot(enc, now)
	g.registry.Update(key, snap)
	g.publish(key, broadcast.TypeStateUpdate, broadcast.StateUpdate{Snapshot: snap})

	switch enc.Kind {
	case models.KindAuction:
		err = g.settler.SettleAuction(ctx, enc)
	case models.KindBetting:
		err = g.settler.SettleMarket(ctx, enc)
	}
	if err != nil {
		g.logger.Error("Failed to settle encounter", zap.String("encounter", enc.ID), zap.Error(err))
	}

	g.finish(enc)
	return snap, nil
}

// commit stores c in one step and adds its rounds to enc only once the store has taken
// them. The store rejects rounds that do not follow the last stored round.
func (g *Gateway) commit(ctx context.Context, enc *models.Encounter, c *store.Commit) error {
	c.EncounterID = enc.ID
	for i := range c.Rounds {
		round := &c.Rounds[i]
		round.ID = uuid.NewString()
		round.EncounterID = enc.ID
		for j := range round.Moves {
			if round.Moves[j].ID == "" {
				round.Moves[j].ID = uuid.NewString()
			}
			round.Moves[j].RoundID = round.ID
		}
	}
	if err := g.store.CommitRounds(ctx, *c); err != nil {
		return err
	}
	enc.Rounds = append(enc.Rounds, c.Rounds...)
	return nil
}

// finish seals the room of a completed encounter, then starts ranking and archiving
// in the background.
func (g *Gateway) finish(enc *models.Encounter) {
	g.registry.Seal(room.Key{Kind: enc.Kind, ID: enc.ID})
	g.logger.Info("Encounter completed",
		zap.String("encounter", enc.ID),
		zap.String("kind", string(enc.Kind)),
		zap.Int("rounds", len(enc.Rounds)))

	if enc.Kind == models.KindBattle && g.rankings != nil {
		g.rankings.Trigger(enc.Participants...)
	}
	if g.archiver == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.opTime)
		defer cancel()
		if err := g.archiver.Archive(ctx, enc); err != nil {
			g.logger.Error("Failed to archive encounter", zap.String("encounter", enc.ID), zap.Error(err))
		}
	}()
}
