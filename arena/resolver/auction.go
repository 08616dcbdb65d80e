package resolver

import (
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/models"

	"github.com/shopspring/decimal"
)

// BidOutcome is the auction after a bid or a proxy change. Rounds holds one round per
// raise, in order: the bid itself first, then the answer of a standing proxy if any.
type BidOutcome struct {
	Auction  models.AuctionState
	Previous decimal.Decimal
	Extended bool
	Rounds   []models.Round
}

// ApplyBid accepts a bid that strictly exceeds the current bid plus the increment.
// A bid inside the soft-close window pushes the end of the auction out to a full window.
func ApplyBid(enc *models.Encounter, bidder string, amount decimal.Decimal, now time.Time) (BidOutcome, error) {
	if err := checkOpen(enc, bidder, now); err != nil {
		return BidOutcome{}, err
	}
	state := enc.Auction.Clone()
	if threshold := state.MinimumNextBid(); !amount.GreaterThan(threshold) {
		return BidOutcome{}, apperr.Newf(apperr.ValidationError, "bid must exceed %s", threshold.String())
	}

	out := BidOutcome{Previous: state.CurrentBid}
	number := len(enc.Rounds) + 1
	round, extended := raise(&state, bidder, amount, models.ActionRaiseBid, number, now)
	out.Rounds = append(out.Rounds, round)
	out.Extended = extended

	if answer, extended, ok := answerProxies(&state, number+1, now); ok {
		out.Rounds = append(out.Rounds, answer)
		out.Extended = out.Extended || extended
	}
	out.Auction = state
	return out, nil
}

// SetProxyBid registers or raises the bidder's maximum and lets the proxies answer the
// current price. A proxy bids for its owner one increment over the strongest competition,
// never past its maximum.
func SetProxyBid(enc *models.Encounter, bidder string, maximum decimal.Decimal, now time.Time) (BidOutcome, error) {
	if err := checkOpen(enc, bidder, now); err != nil {
		return BidOutcome{}, err
	}
	state := enc.Auction.Clone()
	if threshold := state.MinimumNextBid(); !maximum.GreaterThan(threshold) {
		return BidOutcome{}, apperr.Newf(apperr.ValidationError, "proxy maximum must exceed %s", threshold.String())
	}

	replaced := false
	for i, p := range state.ProxyBids {
		if p.Bidder != bidder {
			continue
		}
		if !maximum.GreaterThan(p.Maximum) {
			return BidOutcome{}, apperr.Newf(apperr.ValidationError, "proxy maximum can only be raised above %s", p.Maximum.String())
		}
		state.ProxyBids[i] = models.ProxyBid{Bidder: bidder, Maximum: maximum, PlacedAt: now}
		replaced = true
	}
	if !replaced {
		state.ProxyBids = append(state.ProxyBids, models.ProxyBid{Bidder: bidder, Maximum: maximum, PlacedAt: now})
	}

	out := BidOutcome{Previous: state.CurrentBid}
	if answer, extended, ok := answerProxies(&state, len(enc.Rounds)+1, now); ok {
		out.Rounds = append(out.Rounds, answer)
		out.Extended = extended
	}
	out.Auction = state
	return out, nil
}

func checkOpen(enc *models.Encounter, bidder string, now time.Time) error {
	if enc.Kind != models.KindAuction {
		return apperr.Newf(apperr.ValidationError, "encounter %s is not an auction", enc.ID)
	}
	if enc.Auction == nil {
		return apperr.Newf(apperr.InvalidState, "auction %s has no bidding state", enc.ID)
	}
	if enc.Status != models.StatusActive {
		return apperr.Newf(apperr.InvalidState, "auction %s is %s", enc.ID, enc.Status)
	}
	if !now.Before(enc.Auction.EndsAt) {
		return apperr.Newf(apperr.InvalidState, "auction %s has ended", enc.ID)
	}
	if bidder == enc.OwnerID {
		return apperr.New(apperr.ValidationError, "seller cannot bid on their own auction")
	}
	return nil
}

// answerProxies lets the strongest proxy above the current price respond once. It bids
// one increment over the best rival maximum (or the current bid), capped at its own
// maximum. Equal maximums go to the proxy placed first. After the answer no other proxy
// can beat the price, so one round is always enough.
func answerProxies(state *models.AuctionState, number int, now time.Time) (models.Round, bool, bool) {
	var top *models.ProxyBid
	for i := range state.ProxyBids {
		p := &state.ProxyBids[i]
		if !p.Maximum.GreaterThan(state.CurrentBid) {
			continue
		}
		if top == nil || p.Maximum.GreaterThan(top.Maximum) ||
			(p.Maximum.Equal(top.Maximum) && p.PlacedAt.Before(top.PlacedAt)) {
			top = p
		}
	}
	if top == nil {
		return models.Round{}, false, false
	}

	level := state.CurrentBid
	for _, p := range state.ProxyBids {
		if p.Bidder != top.Bidder && p.Maximum.GreaterThan(level) {
			level = p.Maximum
		}
	}
	if top.Bidder == state.HighBidder && level.Equal(state.CurrentBid) {
		return models.Round{}, false, false
	}

	amount := decimal.Min(level.Add(state.BidIncrement), top.Maximum)
	if !amount.GreaterThan(state.CurrentBid) {
		return models.Round{}, false, false
	}
	round, extended := raise(state, top.Bidder, amount, models.ActionProxyBid, number, now)
	return round, extended, true
}

// raise moves the auction to a new high bid and returns the round recording it.
func raise(state *models.AuctionState, bidder string, amount decimal.Decimal, action models.ActionKind, number int, now time.Time) (models.Round, bool) {
	previous := state.CurrentBid
	state.CurrentBid = amount
	state.HighBidder = bidder
	state.BidCount++

	extended := false
	if state.SoftCloseWindow > 0 && state.EndsAt.Sub(now) < state.SoftCloseWindow {
		state.EndsAt = now.Add(state.SoftCloseWindow)
		extended = true
	}

	delta, _ := amount.Sub(previous).Float64()
	return models.Round{
		Number:    number,
		Winner:    bidder,
		Magnitude: delta,
		Effects: []models.Effect{{
			Type:   models.EffectBid,
			Source: bidder,
			Stat:   string(action),
			Value:  delta,
		}},
		Moves: []models.Move{{
			ParticipantID: bidder,
			Action:        action,
			Amount:        amount,
			Magnitude:     delta,
			SubmittedAt:   now,
		}},
		StartedAt: now,
		EndedAt:   now,
	}, extended
}
